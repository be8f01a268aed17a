package main

import (
	"strings"

	"github.com/spf13/cobra"

	"visualgen/internal/domain"
)

type exportFlags struct {
	out string
	zip string
}

func (f *exportFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.out, "out", "", "directory to write finished images to")
	cmd.Flags().StringVar(&f.zip, "zip", "", "write finished images into this zip file")
}

func newGenerateCmd(c *cli) *cobra.Command {
	var (
		req    domain.SubmitRequest
		shots  string
		export exportFlags
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Submit a job, execute it and follow it until every shot settles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Shots = splitShots(shots)
			progress := newProgressLog(&c.logger)

			job, err := c.manager.Start(cmd.Context(), req, progress)
			if err != nil {
				if job.ID != "" {
					printSummary(cmd.OutOrStdout(), job, false)
				}
				return err
			}
			c.logger.Info().Str("job_id", job.ID).Int("items", len(job.Items)).Msg("job executing")

			res, err := progress.wait(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), res.job, res.timedOut)
			return c.export(cmd, res.job, export)
		},
	}
	cmd.Flags().StringVar(&req.ProductID, "product", "", "product id")
	cmd.Flags().StringVar(&req.CollectionID, "collection", "", "collection id")
	cmd.Flags().StringVar(&req.Type, "type", "product", "generation type")
	cmd.Flags().StringVar(&shots, "shots", "", "comma separated shot types, e.g. main_visual,lifestyle")
	cmd.Flags().StringVar(&req.Quality, "quality", "", "quality preset")
	cmd.Flags().StringVar(&req.Resolution, "resolution", "", "output resolution")
	cmd.Flags().StringVar(&req.AspectRatio, "aspect", "", "aspect ratio, e.g. 1:1")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("shots")
	export.bind(cmd)
	return cmd
}

func splitShots(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
