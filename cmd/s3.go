package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/chunkwise/internal/utils"
)

func newS3Cmd() *cobra.Command {
	var output string
	var profile string

	cmd := &cobra.Command{
		Use:   "s3 [s3://BUCKET/KEY]",
		Short: "Download an object from AWS S3",
		Long: `Download an object from AWS S3 with ranged GETs.

Examples:
  chunkwise s3 s3://mybucket/path/to/file.zip
  chunkwise s3 s3://mybucket/file.zip --profile myprofile`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			job := newJob("s3", args[0], output)
			job.Metadata["profile"] = profile
			runJobs([]utils.Job{job})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path")
	cmd.Flags().StringVar(&profile, "profile", "", "AWS profile to use")
	return cmd
}
