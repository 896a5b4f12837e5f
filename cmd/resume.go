package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/chunkwise/internal/resume"
	"github.com/tanq16/chunkwise/internal/utils"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [STATE_FILE]",
		Short: "Resume a download from its saved state",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			pkg, err := resume.Load(args[0])
			if err != nil {
				log.Fatal().Err(err).Str("path", args[0]).Msg("Failed to load state file")
			}
			if len(pkg.URLs) == 0 {
				log.Fatal().Str("path", args[0]).Msg("State file has no source URL")
			}
			job := newJob(utils.DetermineDownloadType(pkg.URLs[0]), pkg.URLs[0], pkg.FileName)
			job.StatePath = args[0]
			runJobs([]utils.Job{job})
		},
	}
}
