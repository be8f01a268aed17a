package main

import (
	"github.com/spf13/cobra"
)

func newWatchCmd(c *cli) *cobra.Command {
	var export exportFlags
	cmd := &cobra.Command{
		Use:   "watch JOB_ID",
		Short: "Follow a job that was executed elsewhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			progress := newProgressLog(&c.logger)
			if _, err := c.manager.Attach(cmd.Context(), args[0], progress); err != nil {
				return err
			}
			res, err := progress.wait(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), res.job, res.timedOut)
			return c.export(cmd, res.job, export)
		},
	}
	export.bind(cmd)
	return cmd
}
