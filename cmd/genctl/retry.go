package main

import (
	"github.com/spf13/cobra"
)

func newRetryCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry JOB_ID TYPE",
		Short: "Regenerate one failed shot of a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, itemType := args[0], args[1]
			progress := newProgressLog(&c.logger)
			if _, err := c.manager.Attach(cmd.Context(), jobID, progress); err != nil {
				return err
			}
			// the attach round settles first; a failed item is only retryable then
			if _, err := progress.wait(cmd.Context()); err != nil {
				return err
			}
			if _, err := c.manager.Retry(cmd.Context(), jobID, itemType); err != nil {
				return err
			}
			res, err := progress.wait(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), res.job, res.timedOut)
			return nil
		},
	}
	return cmd
}
