package main

import "github.com/tanq16/chunkwise/cmd"

func main() {
	cmd.Execute()
}
