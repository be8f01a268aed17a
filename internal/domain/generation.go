package domain

import (
	"strings"
	"time"
)

// JobStatus enumerates generation job lifecycle states.
type JobStatus string

const (
	JobStatusDraft      JobStatus = "draft"
	JobStatusPending    JobStatus = "pending"
	JobStatusMerged     JobStatus = "merged"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the job reached completed or failed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ItemStatus enumerates per-visual states.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// Terminal reports whether no further transition is expected without a retry.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed
}

// Valid reports whether s is one of the known item states.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusPending, ItemStatusProcessing, ItemStatusCompleted, ItemStatusFailed:
		return true
	}
	return false
}

// VisualItem is one named output of a generation job.
type VisualItem struct {
	Type        string     `json:"type"`
	Status      ItemStatus `json:"status"`
	ImageURL    string     `json:"imageUrl,omitempty"`
	Error       string     `json:"error,omitempty"`
	GeneratedAt time.Time  `json:"generatedAt,omitzero"`
}

// GenerationJob is the aggregate tracked from submission to a terminal state.
// Items keep the render order returned at merge time.
type GenerationJob struct {
	ID        string       `json:"id"`
	Status    JobStatus    `json:"status"`
	Items     []VisualItem `json:"items"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Clone returns a copy that shares no memory with j.
func (j GenerationJob) Clone() GenerationJob {
	out := j
	if j.Items != nil {
		out.Items = make([]VisualItem, len(j.Items))
		copy(out.Items, j.Items)
	}
	return out
}

// Item looks up an item by type and returns its index.
func (j GenerationJob) Item(itemType string) (VisualItem, int, bool) {
	for i, item := range j.Items {
		if item.Type == itemType {
			return item, i, true
		}
	}
	return VisualItem{}, -1, false
}

// Counts returns the number of terminal items and the total item count.
func (j GenerationJob) Counts() (done, total int) {
	for _, item := range j.Items {
		if item.Status.Terminal() {
			done++
		}
	}
	return done, len(j.Items)
}

// ProgressPercent rounds the terminal share of items down to a whole percent.
func (j GenerationJob) ProgressPercent() int {
	done, total := j.Counts()
	if total == 0 {
		return 0
	}
	return done * 100 / total
}

// SubmitRequest carries the caller's generation choices. Business rules are
// validated upstream; only the shot selection is checked here.
type SubmitRequest struct {
	CollectionID string   `json:"collectionId"`
	ProductID    string   `json:"productId"`
	Type         string   `json:"type"`
	Shots        []string `json:"shots"`
	Quality      string   `json:"quality,omitempty"`
	Resolution   string   `json:"resolution,omitempty"`
	AspectRatio  string   `json:"aspectRatio,omitempty"`
}

// Validate rejects a request without any non-blank shot.
func (r SubmitRequest) Validate() error {
	for _, shot := range r.Shots {
		if strings.TrimSpace(shot) != "" {
			return nil
		}
	}
	return ErrEmptyShotSelection
}

// Prompt is one merged prompt keyed by visual type.
type Prompt struct {
	Type string
	Text string
}

// JobSnapshot is the polled view of a job.
type JobSnapshot struct {
	Status          JobStatus    `json:"status"`
	Items           []VisualItem `json:"items"`
	ProgressPercent int          `json:"progressPercent"`
}

// Outcome is the terminal record kept for finished jobs.
type Outcome struct {
	JobID          string
	Status         JobStatus
	Items          []VisualItem
	CompletedCount int
	FailedCount    int
	TimedOut       bool
	FinishedAt     time.Time
}

// NewOutcome summarizes a terminal job.
func NewOutcome(job GenerationJob, timedOut bool, finishedAt time.Time) *Outcome {
	out := &Outcome{
		JobID:      job.ID,
		Status:     job.Status,
		Items:      job.Clone().Items,
		TimedOut:   timedOut,
		FinishedAt: finishedAt,
	}
	for _, item := range job.Items {
		switch item.Status {
		case ItemStatusCompleted:
			out.CompletedCount++
		case ItemStatusFailed:
			out.FailedCount++
		}
	}
	return out
}
