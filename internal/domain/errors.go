package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrEmptyShotSelection = errors.New("shot selection is empty")
	ErrNoPrompts          = errors.New("merge returned no prompts")
	ErrItemNotFound       = errors.New("item not found")
	ErrItemNotFailed      = errors.New("item is not failed")
	ErrCancelled          = errors.New("job observation cancelled")
	ErrAlreadyExecuted    = errors.New("job already executed")
)

// JobSubmissionError reports a failed create or merge call. No job exists
// locally when it is returned.
type JobSubmissionError struct {
	Stage string
	JobID string
	Cause error
}

func (e *JobSubmissionError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("submit job %s: %s: %v", e.JobID, e.Stage, e.Cause)
	}
	return fmt.Sprintf("submit job: %s: %v", e.Stage, e.Cause)
}

func (e *JobSubmissionError) Unwrap() error { return e.Cause }

// JobExecutionError reports a failed execute call.
type JobExecutionError struct {
	JobID string
	Cause error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("execute job %s: %v", e.JobID, e.Cause)
}

func (e *JobExecutionError) Unwrap() error { return e.Cause }

// ChannelError reports a push channel that could not connect or reconnect.
// Polling keeps running when it occurs.
type ChannelError struct {
	JobID   string
	Attempt int
	Cause   error
}

func (e *ChannelError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("push channel for job %s (attempt %d): %v", e.JobID, e.Attempt, e.Cause)
	}
	return fmt.Sprintf("push channel for job %s: %v", e.JobID, e.Cause)
}

func (e *ChannelError) Unwrap() error { return e.Cause }

// ItemRetryError reports a failed retry call for a single item.
type ItemRetryError struct {
	JobID    string
	ItemType string
	Cause    error
}

func (e *ItemRetryError) Error() string {
	return fmt.Sprintf("retry %s of job %s: %v", e.ItemType, e.JobID, e.Cause)
}

func (e *ItemRetryError) Unwrap() error { return e.Cause }

// TimeoutError marks items forced to failed when an observation deadline elapsed.
type TimeoutError struct {
	JobID    string
	ItemType string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.After, e.ItemType)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }
