//go:build !windows

package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/chunkwise/internal/scheduler"
)

// handlePauseSignal toggles pause on every running download on SIGUSR1.
func handlePauseSignal(s *scheduler.Scheduler) func() {
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case <-sigCh:
				paused := s.TogglePause()
				log.Debug().Str("op", "cmd/signals").Bool("paused", paused).Msg("Received SIGUSR1")
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
