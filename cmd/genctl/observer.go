package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"visualgen/internal/domain"
	"visualgen/internal/infra"
	"visualgen/internal/tracker"
)

type roundResult struct {
	job      domain.GenerationJob
	timedOut bool
	err      error
}

// progressLog logs every notification and hands finished rounds to wait.
type progressLog struct {
	log    *infra.Logger
	rounds chan roundResult
}

func newProgressLog(log *infra.Logger) *progressLog {
	return &progressLog{log: log, rounds: make(chan roundResult, 4)}
}

func (p *progressLog) Notify(ev tracker.Event) {
	switch e := ev.(type) {
	case tracker.ItemUpdated:
		entry := p.log.Info().Str("job_id", e.JobID).Str("type", e.Item.Type).Str("status", string(e.Item.Status))
		if e.Item.ImageURL != "" {
			entry = entry.Str("image_url", e.Item.ImageURL)
		}
		if e.Item.Error != "" {
			entry = entry.Str("error", e.Item.Error)
		}
		entry.Msg("item updated")
	case tracker.Progress:
		p.log.Info().Str("job_id", e.JobID).Int("completed", e.Completed).Int("total", e.Total).Msg("progress")
	case tracker.ConnectionError:
		p.log.Warn().Err(e.Err).Str("job_id", e.JobID).Bool("final", e.Final).Msg("push channel")
	case tracker.ExecutionFailed:
		p.log.Error().Err(e.Err).Str("job_id", e.JobID).Msg("execution failed")
		p.finish(roundResult{err: e.Err})
	case tracker.Complete:
		p.log.Info().Str("job_id", e.Job.ID).Str("status", string(e.Job.Status)).Bool("timed_out", e.TimedOut).Msg("round complete")
		p.finish(roundResult{job: e.Job, timedOut: e.TimedOut})
	case tracker.RetrySettled:
		p.log.Info().Str("job_id", e.Job.ID).Str("status", string(e.Job.Status)).Bool("timed_out", e.TimedOut).Msg("retry settled")
		p.finish(roundResult{job: e.Job, timedOut: e.TimedOut})
	}
}

func (p *progressLog) finish(r roundResult) {
	select {
	case p.rounds <- r:
	default:
	}
}

// wait blocks until the next round finishes.
func (p *progressLog) wait(ctx context.Context) (roundResult, error) {
	select {
	case <-ctx.Done():
		return roundResult{}, ctx.Err()
	case r := <-p.rounds:
		return r, r.err
	}
}

func printSummary(w io.Writer, job domain.GenerationJob, timedOut bool) {
	done, total := job.Counts()
	fmt.Fprintf(w, "job %s %s (%d/%d)", job.ID, job.Status, done, total)
	if timedOut {
		fmt.Fprint(w, " timed out")
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, item := range job.Items {
		detail := item.ImageURL
		if item.Status == domain.ItemStatusFailed {
			detail = item.Error
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", item.Type, item.Status, detail)
	}
	_ = tw.Flush()
}
