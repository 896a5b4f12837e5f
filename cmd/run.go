package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/chunkwise/internal/scheduler"
	"github.com/tanq16/chunkwise/internal/source"
	"github.com/tanq16/chunkwise/internal/utils"
)

// runJobs blocks until every job finished or the process was interrupted.
// Interrupted downloads keep their state file for a later resume.
func runJobs(jobs []utils.Job) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := scheduler.New(scheduler.Options{
		Engine:  engineConfig,
		Source:  source.Config{HTTP: globalHTTPConfig},
		Workers: workers,
	})
	stopPause := handlePauseSignal(s)
	defer stopPause()

	if err := s.Run(ctx, jobs); err != nil {
		log.Error().Err(err).Msg("Encountered failed operation(s)")
		os.Exit(1)
	}
}
