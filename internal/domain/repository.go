package domain

import "context"

// OutcomeRepository persists terminal job outcomes.
type OutcomeRepository interface {
	Save(ctx context.Context, outcome *Outcome) error
	GetByID(ctx context.Context, jobID string) (*Outcome, error)
}
