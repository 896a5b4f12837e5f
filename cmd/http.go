package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/chunkwise/internal/utils"
)

func newHTTPCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "http [URL] [--output OUTPUT_PATH]",
		Short: "Download file via HTTP/HTTPS",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runJobs([]utils.Job{newJob("http", args[0], output)})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file path")
	return cmd
}
