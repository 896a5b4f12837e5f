package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/chunkwise/internal/utils"
)

func newBlobCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "blob [BUCKET_URL/KEY]",
		Short: "Download an object from a Go CDK bucket",
		Long: `Download an object through a Go CDK bucket URL.

Examples:
  chunkwise blob file:///srv/exports/dump.tar
  chunkwise blob mem://bucket/key`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runJobs([]utils.Job{newJob("blob", args[0], output)})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path")
	return cmd
}
