// Package realtime delivers push events for a single generation job over a
// room-scoped channel.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"visualgen/internal/domain"
)

// Wire event names.
const (
	TypeItemUpdated = "item_updated"
	TypeProgress    = "progress"
	TypeJobComplete = "job_complete"
)

// ErrUnknownEvent is returned by Decode for event types it does not model.
var ErrUnknownEvent = errors.New("realtime: unknown event type")

// Event is one of ItemEvent, ProgressEvent, CompleteEvent, ConnectedEvent or ErrorEvent.
type Event interface {
	event()
}

// ItemEvent carries a single item update.
type ItemEvent struct {
	JobID string
	Item  domain.VisualItem
}

// ProgressEvent carries the service's own progress counters.
type ProgressEvent struct {
	JobID     string
	Completed int
	Total     int
}

// CompleteEvent carries the final job snapshot.
type CompleteEvent struct {
	JobID  string
	Status domain.JobStatus
	Items  []domain.VisualItem
}

// ConnectedEvent is emitted after each successful (re)subscription.
type ConnectedEvent struct {
	Attempt int
}

// ErrorEvent is emitted when the channel loses or cannot establish its
// connection. Final is set when the channel stopped trying.
type ErrorEvent struct {
	Err     error
	Attempt int
	Final   bool
}

func (ItemEvent) event()      {}
func (ProgressEvent) event()  {}
func (CompleteEvent) event()  {}
func (ConnectedEvent) event() {}
func (ErrorEvent) event()     {}

// Handler receives events in arrival order from a single goroutine.
type Handler func(Event)

// Channel is an open subscription for one job.
type Channel interface {
	// Close unsubscribes and releases the connection. It does not wait for
	// an in-flight handler call to return.
	Close() error
}

// Dialer opens a subscription for one job.
type Dialer interface {
	Dial(ctx context.Context, jobID string, handler Handler) (Channel, error)
}

type envelope struct {
	Type  string          `json:"type"`
	JobID string          `json:"jobId"`
	Data  json.RawMessage `json:"data"`
}

type progressData struct {
	CompletedCount int `json:"completedCount"`
	TotalCount     int `json:"totalCount"`
}

type completeData struct {
	Status domain.JobStatus    `json:"status"`
	Items  []domain.VisualItem `json:"items"`
}

// Decode parses one wire envelope.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("realtime: decode envelope: %w", err)
	}
	switch env.Type {
	case TypeItemUpdated:
		var item domain.VisualItem
		if err := json.Unmarshal(env.Data, &item); err != nil {
			return nil, fmt.Errorf("realtime: decode %s: %w", env.Type, err)
		}
		if item.Type == "" {
			return nil, fmt.Errorf("realtime: %s without item type", env.Type)
		}
		return ItemEvent{JobID: env.JobID, Item: item}, nil
	case TypeProgress:
		var p progressData
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("realtime: decode %s: %w", env.Type, err)
		}
		return ProgressEvent{JobID: env.JobID, Completed: p.CompletedCount, Total: p.TotalCount}, nil
	case TypeJobComplete:
		var c completeData
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, fmt.Errorf("realtime: decode %s: %w", env.Type, err)
		}
		return CompleteEvent{JobID: env.JobID, Status: c.Status, Items: c.Items}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// Encode renders a job event as a wire envelope. Connection events have no
// wire form.
func Encode(ev Event) ([]byte, error) {
	var (
		env  envelope
		data any
	)
	switch e := ev.(type) {
	case ItemEvent:
		env = envelope{Type: TypeItemUpdated, JobID: e.JobID}
		data = e.Item
	case ProgressEvent:
		env = envelope{Type: TypeProgress, JobID: e.JobID}
		data = progressData{CompletedCount: e.Completed, TotalCount: e.Total}
	case CompleteEvent:
		env = envelope{Type: TypeJobComplete, JobID: e.JobID}
		data = completeData{Status: e.Status, Items: e.Items}
	default:
		return nil, fmt.Errorf("realtime: cannot encode %T", ev)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	env.Data = raw
	return json.Marshal(env)
}

// jobIDOf returns the job an event belongs to, or "" for connection events.
func jobIDOf(ev Event) string {
	switch e := ev.(type) {
	case ItemEvent:
		return e.JobID
	case ProgressEvent:
		return e.JobID
	case CompleteEvent:
		return e.JobID
	}
	return ""
}

// deliver decodes raw and hands it to handler unless it belongs to another
// job. Malformed payloads are reported back to the caller for logging.
func deliver(raw []byte, jobID string, handler Handler) error {
	ev, err := Decode(raw)
	if err != nil {
		return err
	}
	if id := jobIDOf(ev); id != "" && id != jobID {
		return nil
	}
	handler(ev)
	return nil
}
