// Package session keeps tracker handles alive for a long-running process and
// journals every finished observation round.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"visualgen/internal/domain"
	"visualgen/internal/infra"
	"visualgen/internal/tracker"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = time.Minute
	journalTimeout       = 5 * time.Second
)

// Options tunes a Manager. Journal is optional.
type Options struct {
	Journal       domain.OutcomeRepository
	TTL           time.Duration
	SweepInterval time.Duration
	Clock         clockwork.Clock
	Logger        *infra.Logger
}

// Manager owns the tracked jobs of a process, keyed by job id.
type Manager struct {
	tracker *tracker.Tracker
	journal domain.OutcomeRepository
	ttl     time.Duration
	every   time.Duration
	clock   clockwork.Clock
	log     *infra.Logger

	mu        sync.RWMutex
	sessions  map[string]*entry
	attaching map[string]*pendingAttach
	closed    bool
}

// pendingAttach marks a job whose snapshot is being fetched. Cancel and Close
// flag it so the handle is dropped once the fetch returns.
type pendingAttach struct {
	done      chan struct{}
	cancelled bool
}

var errClosed = fmt.Errorf("session: manager closed: %w", domain.ErrCancelled)

type entry struct {
	handle    *tracker.Handle
	startedAt time.Time

	mu         sync.Mutex
	finishedAt time.Time
}

func (e *entry) finished() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finishedAt, !e.finishedAt.IsZero()
}

func (e *entry) markFinished(at time.Time) {
	e.mu.Lock()
	e.finishedAt = at
	e.mu.Unlock()
}

func NewManager(t *tracker.Tracker, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		tracker:   t,
		journal:   opts.Journal,
		ttl:       opts.TTL,
		every:     opts.SweepInterval,
		clock:     opts.Clock,
		log:       infra.OrDiscard(opts.Logger),
		sessions:  map[string]*entry{},
		attaching: map[string]*pendingAttach{},
	}
}

// Start submits and executes a job. obs, when non-nil, is subscribed before
// execution. A failed execute keeps the session so its failed state stays
// readable; the returned job reflects it.
func (m *Manager) Start(ctx context.Context, req domain.SubmitRequest, obs tracker.Observer) (domain.GenerationJob, error) {
	if err := m.open(); err != nil {
		return domain.GenerationJob{}, err
	}
	h, err := m.tracker.Submit(ctx, req)
	if err != nil {
		return domain.GenerationJob{}, err
	}
	m.register(h, obs)
	if err := m.tracker.Execute(ctx, h); err != nil {
		return h.Snapshot(), err
	}
	return h.Snapshot(), nil
}

// Attach resumes observation of jobID, or returns the existing session. On a
// fresh attach obs sees the first round from its start. Concurrent calls for
// the same job share one handle.
func (m *Manager) Attach(ctx context.Context, jobID string, obs tracker.Observer) (domain.GenerationJob, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return domain.GenerationJob{}, errClosed
		}
		if e, ok := m.sessions[jobID]; ok {
			m.mu.Unlock()
			if obs != nil {
				m.tracker.Subscribe(e.handle, obs)
			}
			return e.handle.Snapshot(), nil
		}
		p, inFlight := m.attaching[jobID]
		if !inFlight {
			p = &pendingAttach{done: make(chan struct{})}
			m.attaching[jobID] = p
			m.mu.Unlock()
			return m.attach(ctx, jobID, obs, p)
		}
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return domain.GenerationJob{}, ctx.Err()
		case <-p.done:
		}
	}
}

func (m *Manager) attach(ctx context.Context, jobID string, obs tracker.Observer, p *pendingAttach) (domain.GenerationJob, error) {
	e := &entry{startedAt: m.clock.Now()}
	first := m.journalObserver(e)
	if obs != nil {
		journal := first
		first = tracker.ObserverFunc(func(ev tracker.Event) {
			journal.Notify(ev)
			obs.Notify(ev)
		})
	}
	h, err := m.tracker.Attach(ctx, jobID, first)

	m.mu.Lock()
	delete(m.attaching, jobID)
	close(p.done)
	if err != nil {
		m.mu.Unlock()
		return domain.GenerationJob{}, err
	}
	e.handle = h
	if p.cancelled || m.closed {
		m.mu.Unlock()
		m.tracker.Cancel(h)
		return h.Snapshot(), fmt.Errorf("session: %s: %w", jobID, domain.ErrCancelled)
	}
	m.sessions[jobID] = e
	m.mu.Unlock()
	m.log.Debug().Str("job_id", jobID).Msg("session: tracking")
	return h.Snapshot(), nil
}

// Subscribe adds obs to a tracked job.
func (m *Manager) Subscribe(jobID string, obs tracker.Observer) (func(), error) {
	e, ok := m.lookup(jobID)
	if !ok {
		return nil, fmt.Errorf("session: %s: %w", jobID, domain.ErrNotFound)
	}
	return m.tracker.Subscribe(e.handle, obs), nil
}

// Get returns a copy of the tracked job.
func (m *Manager) Get(jobID string) (domain.GenerationJob, error) {
	e, ok := m.lookup(jobID)
	if !ok {
		return domain.GenerationJob{}, fmt.Errorf("session: %s: %w", jobID, domain.ErrNotFound)
	}
	return e.handle.Snapshot(), nil
}

// Retry regenerates one failed item. The session stays alive until the
// retry settles.
func (m *Manager) Retry(ctx context.Context, jobID, itemType string) (domain.GenerationJob, error) {
	e, ok := m.lookup(jobID)
	if !ok {
		return domain.GenerationJob{}, fmt.Errorf("session: %s: %w", jobID, domain.ErrNotFound)
	}
	e.markFinished(time.Time{})
	err := m.tracker.RetryItem(ctx, e.handle, itemType)
	snap := e.handle.Snapshot()
	if err != nil && snap.Status.Terminal() {
		e.markFinished(m.clock.Now())
	}
	return snap, err
}

// Cancel stops observing jobID and forgets it, including an attach still in
// flight. Unknown ids are ignored.
func (m *Manager) Cancel(jobID string) {
	m.mu.Lock()
	e, ok := m.sessions[jobID]
	delete(m.sessions, jobID)
	if p, inFlight := m.attaching[jobID]; inFlight {
		p.cancelled = true
	}
	m.mu.Unlock()
	if ok {
		m.tracker.Cancel(e.handle)
		m.log.Debug().Str("job_id", jobID).Msg("session: cancelled")
	}
}

// Sweep evicts sessions that finished more than the TTL before now and
// returns how many were removed.
func (m *Manager) Sweep(now time.Time) int {
	var expired []*entry
	m.mu.Lock()
	for id, e := range m.sessions {
		if at, done := e.finished(); done && now.Sub(at) >= m.ttl {
			expired = append(expired, e)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		m.tracker.Cancel(e.handle)
	}
	if len(expired) > 0 {
		m.log.Info().Int("evicted", len(expired)).Msg("session: sweep")
	}
	return len(expired)
}

// Run sweeps periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			m.Sweep(m.clock.Now())
		}
	}
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close cancels every session. Later Start and Attach calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, p := range m.attaching {
		p.cancelled = true
	}
	sessions := m.sessions
	m.sessions = map[string]*entry{}
	m.mu.Unlock()
	for _, e := range sessions {
		m.tracker.Cancel(e.handle)
	}
}

func (m *Manager) open() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return nil
}

func (m *Manager) lookup(jobID string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[jobID]
	return e, ok
}

func (m *Manager) register(h *tracker.Handle, obs tracker.Observer) {
	e := &entry{handle: h, startedAt: m.clock.Now()}
	m.tracker.Subscribe(h, m.journalObserver(e))
	if obs != nil {
		m.tracker.Subscribe(h, obs)
	}
	m.store(e)
}

func (m *Manager) store(e *entry) {
	m.mu.Lock()
	m.sessions[e.handle.ID()] = e
	m.mu.Unlock()
	m.log.Debug().Str("job_id", e.handle.ID()).Msg("session: tracking")
}

// journalObserver marks e finished on every terminal notification and
// records the outcome.
func (m *Manager) journalObserver(e *entry) tracker.Observer {
	return tracker.ObserverFunc(func(ev tracker.Event) {
		now := m.clock.Now()
		switch ev := ev.(type) {
		case tracker.Complete:
			e.markFinished(now)
			m.record(domain.NewOutcome(ev.Job, ev.TimedOut, now))
		case tracker.RetrySettled:
			e.markFinished(now)
			m.record(domain.NewOutcome(ev.Job, ev.TimedOut, now))
		case tracker.ExecutionFailed:
			e.markFinished(now)
			if e.handle != nil {
				m.record(domain.NewOutcome(e.handle.Snapshot(), false, now))
			}
		}
	})
}

func (m *Manager) record(outcome *domain.Outcome) {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := m.journal.Save(ctx, outcome); err != nil {
		m.log.Error().Err(err).Str("job_id", outcome.JobID).Msg("session: journal outcome")
		return
	}
	m.log.Info().
		Str("job_id", outcome.JobID).
		Str("status", string(outcome.Status)).
		Int("completed", outcome.CompletedCount).
		Int("failed", outcome.FailedCount).
		Bool("timed_out", outcome.TimedOut).
		Msg("session: outcome recorded")
}
