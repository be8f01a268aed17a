package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"visualgen/internal/domain"
	"visualgen/internal/infra"
	"visualgen/internal/sqlinline"
)

// OutcomeRepositoryPG implements domain.OutcomeRepository.
type OutcomeRepositoryPG struct {
	db infra.SQLExecutor
}

// NewOutcomeRepository creates an outcome journal backed by PostgreSQL. db is
// normally an *infra.SQLRunner.
func NewOutcomeRepository(db infra.SQLExecutor) *OutcomeRepositoryPG {
	return &OutcomeRepositoryPG{db: db}
}

// EnsureSchema creates the journal table when it does not exist.
func (r *OutcomeRepositoryPG) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, sqlinline.QOutcomeSchema); err != nil {
		return fmt.Errorf("repo: ensure generation_outcomes: %w", err)
	}
	return nil
}

// Save records an outcome. A later round for the same job (after a retry)
// replaces the earlier record.
func (r *OutcomeRepositoryPG) Save(ctx context.Context, outcome *domain.Outcome) error {
	if outcome == nil || outcome.JobID == "" {
		return errors.New("repo: outcome job id is required")
	}
	items, err := json.Marshal(outcomeItems(outcome.Items))
	if err != nil {
		return fmt.Errorf("repo: encode items: %w", err)
	}
	_, err = r.db.Exec(ctx, sqlinline.QOutcomeUpsert,
		outcome.JobID,
		string(outcome.Status),
		items,
		outcome.CompletedCount,
		outcome.FailedCount,
		outcome.TimedOut,
		outcome.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("repo: save outcome %s: %w", outcome.JobID, err)
	}
	return nil
}

// GetByID fetches the latest outcome for a job.
func (r *OutcomeRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Outcome, error) {
	row := r.db.QueryRow(ctx, sqlinline.QOutcomeGet, jobID)
	var (
		out    domain.Outcome
		status string
		items  []byte
	)
	if err := row.Scan(
		&out.JobID,
		&status,
		&items,
		&out.CompletedCount,
		&out.FailedCount,
		&out.TimedOut,
		&out.FinishedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("repo: load outcome %s: %w", jobID, err)
	}
	out.Status = domain.JobStatus(status)
	if len(items) > 0 {
		if err := json.Unmarshal(items, &out.Items); err != nil {
			return nil, fmt.Errorf("repo: decode items for %s: %w", jobID, err)
		}
	}
	return &out, nil
}

func outcomeItems(items []domain.VisualItem) []domain.VisualItem {
	if items == nil {
		return []domain.VisualItem{}
	}
	return items
}
