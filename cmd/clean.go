package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/chunkwise/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [OUTPUT_PATH]",
		Short: "Remove saved state and temporary files",
		Long: `Remove the temporary files kept next to OUTPUT_PATH, or every
temporary file in the current directory when no path is given.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			target := ""
			if len(args) > 0 {
				target = args[0]
			}
			if err := utils.CleanFunction(target); err != nil {
				log.Fatal().Err(err).Msg("Error cleaning up temporary files")
			}
			log.Info().Msg("Temporary files cleaned up")
		},
	}
}
