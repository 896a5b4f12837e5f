//go:build windows

package cmd

import "github.com/tanq16/chunkwise/internal/scheduler"

func handlePauseSignal(_ *scheduler.Scheduler) func() {
	return func() {}
}
