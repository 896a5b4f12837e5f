package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/chunkwise/internal/utils"
)

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Process multiple downloads from a YAML file",
		Long: `Process multiple downloads from a YAML list of entries.

Example file:
  - link: https://example.com/a.iso
    op: isos/a.iso
  - link: s3://mybucket/b.tar
    type: s3`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			entries, err := utils.ReadDownloadList(args[0])
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to read URL list file")
			}
			if len(entries) == 0 {
				log.Fatal().Msg("No valid jobs found in the batch file")
			}
			jobs := make([]utils.Job, 0, len(entries))
			for _, entry := range entries {
				jobs = append(jobs, newJob(entry.Type, entry.URL, entry.OutputPath))
			}
			runJobs(jobs)
		},
	}
}
