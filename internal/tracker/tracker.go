// Package tracker drives generation jobs from submission to a terminal state,
// reconciling poll responses and push events into one item snapshot.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"visualgen/internal/domain"
	"visualgen/internal/infra"
	"visualgen/internal/realtime"
)

// JobAPI is the external generation job service.
type JobAPI interface {
	CreateJob(ctx context.Context, req domain.SubmitRequest) (string, error)
	MergePrompts(ctx context.Context, jobID string, req domain.SubmitRequest) ([]domain.Prompt, error)
	ExecuteJob(ctx context.Context, jobID string) ([]domain.VisualItem, error)
	GetJobSnapshot(ctx context.Context, jobID string) (*domain.JobSnapshot, error)
	RetryItem(ctx context.Context, jobID, itemType string) ([]domain.VisualItem, error)
}

const (
	DefaultPollInterval = 2 * time.Second
	DefaultJobTimeout   = 10 * time.Minute
	DefaultRetryTimeout = 60 * time.Second
)

// Options tunes a Tracker. Zero values fall back to the defaults above.
type Options struct {
	PollInterval time.Duration
	JobTimeout   time.Duration
	RetryTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *infra.Logger
}

// Tracker creates and observes generation jobs. It holds no per-job state;
// everything lives on the Handle.
type Tracker struct {
	api    JobAPI
	dialer realtime.Dialer
	opts   Options
	log    *infra.Logger
}

// New builds a Tracker. dialer may be nil, in which case jobs are observed
// by polling alone.
func New(api JobAPI, dialer realtime.Dialer, opts Options) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.RetryTimeout <= 0 {
		opts.RetryTimeout = DefaultRetryTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Tracker{api: api, dialer: dialer, opts: opts, log: infra.OrDiscard(opts.Logger)}
}

// Handle is one tracked job. All item mutation happens under mu, which
// serializes poll results, push events, timer fires and retries.
type Handle struct {
	t   *Tracker
	id  string
	log zerolog.Logger
	out *dispatcher

	mu        sync.Mutex
	job       domain.GenerationJob
	executed  bool
	cancelled bool
	completed bool
	round     *round
	rounds    int
	lastDone  int
	floors    map[string]time.Time
	retries   map[string]*retryWatch
	closing   []realtime.Channel
}

// round is one observation period: from execute (or a retry after
// completion) until every item is terminal, a deadline fires, or Cancel.
type round struct {
	seq     int
	full    bool
	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	ticker  clockwork.Ticker
	safety  clockwork.Timer
	channel realtime.Channel
	polling atomic.Bool
}

type retryWatch struct {
	timer clockwork.Timer
}

// ID returns the job id assigned by the service.
func (h *Handle) ID() string { return h.id }

// Snapshot returns a copy of the held job.
func (h *Handle) Snapshot() domain.GenerationJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job.Clone()
}

func (t *Tracker) newHandle(job domain.GenerationJob) *Handle {
	return &Handle{
		t:       t,
		id:      job.ID,
		log:     t.log.With().Str("job_id", job.ID).Logger(),
		out:     newDispatcher(),
		job:     job,
		floors:  map[string]time.Time{},
		retries: map[string]*retryWatch{},
	}
}

// Submit creates the job and merges its prompts. Items start pending in the
// order the service returned the prompts.
func (t *Tracker) Submit(ctx context.Context, req domain.SubmitRequest) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, &domain.JobSubmissionError{Stage: "validate", Cause: err}
	}
	id, err := t.api.CreateJob(ctx, req)
	if err != nil {
		return nil, &domain.JobSubmissionError{Stage: "create", Cause: err}
	}
	prompts, err := t.api.MergePrompts(ctx, id, req)
	if err != nil {
		return nil, &domain.JobSubmissionError{Stage: "merge", JobID: id, Cause: err}
	}
	if len(prompts) == 0 {
		return nil, &domain.JobSubmissionError{Stage: "merge", JobID: id, Cause: domain.ErrNoPrompts}
	}

	now := t.opts.Clock.Now()
	items := make([]domain.VisualItem, 0, len(prompts))
	for _, p := range prompts {
		items = append(items, domain.VisualItem{Type: p.Type, Status: domain.ItemStatusPending})
	}
	h := t.newHandle(domain.GenerationJob{
		ID:        id,
		Status:    domain.JobStatusMerged,
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	})
	h.log.Info().Int("items", len(items)).Msg("tracker: job submitted")
	return h, nil
}

// Attach resumes observation of a job that was executed elsewhere, e.g.
// after a restart. obs, when non-nil, is subscribed before observation
// starts so it sees every notification.
func (t *Tracker) Attach(ctx context.Context, jobID string, obs Observer) (*Handle, error) {
	snap, err := t.api.GetJobSnapshot(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("tracker: attach %s: %w", jobID, err)
	}
	if len(snap.Items) == 0 {
		return nil, fmt.Errorf("tracker: attach %s: %w", jobID, domain.ErrNoPrompts)
	}
	now := t.opts.Clock.Now()
	items := make([]domain.VisualItem, 0, len(snap.Items))
	for _, item := range snap.Items {
		if item.Type == "" || indexOf(items, item.Type) >= 0 {
			continue
		}
		if !item.Status.Valid() {
			item.Status = domain.ItemStatusPending
		}
		items = append(items, normalize(item))
	}
	h := t.newHandle(domain.GenerationJob{
		ID:        jobID,
		Status:    domain.JobStatusProcessing,
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if obs != nil {
		h.out.subscribe(obs)
	}

	h.mu.Lock()
	h.executed = true
	r := h.openRoundLocked(ctx, true)
	h.settleLocked()
	h.unlock()
	h.connect(r)
	h.log.Info().Msg("tracker: attached to job")
	return h, nil
}

// Subscribe registers obs for h's notifications and returns a function that
// removes it.
func (t *Tracker) Subscribe(h *Handle, obs Observer) func() {
	return h.out.subscribe(obs)
}

// Execute starts generation once. On failure the job becomes failed,
// observers get ExecutionFailed and a *domain.JobExecutionError is
// returned. On success observation starts and Execute returns.
func (t *Tracker) Execute(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	switch {
	case h.cancelled:
		h.unlock()
		return domain.ErrCancelled
	case h.executed:
		h.unlock()
		return domain.ErrAlreadyExecuted
	}
	h.executed = true
	h.unlock()

	items, err := t.api.ExecuteJob(ctx, h.id)

	h.mu.Lock()
	if h.cancelled {
		h.unlock()
		return domain.ErrCancelled
	}
	if err != nil {
		execErr := &domain.JobExecutionError{JobID: h.id, Cause: err}
		h.job.Status = domain.JobStatusFailed
		h.job.UpdatedAt = t.opts.Clock.Now()
		h.emitLocked(ExecutionFailed{JobID: h.id, Err: execErr})
		h.unlock()
		h.log.Error().Err(err).Msg("tracker: execute failed")
		return execErr
	}
	h.job.Status = domain.JobStatusProcessing
	h.job.UpdatedAt = t.opts.Clock.Now()
	r := h.openRoundLocked(ctx, true)
	h.applyLocked(items, "execute")
	h.unlock()

	h.connect(r)
	h.log.Info().Dur("timeout", t.opts.JobTimeout).Msg("tracker: job executing")
	return nil
}

// RetryItem regenerates one failed item. The item turns processing right
// away and is watched until it is terminal again or the retry timeout
// elapses. A failed retry call puts the item back to failed and returns a
// *domain.ItemRetryError.
func (t *Tracker) RetryItem(ctx context.Context, h *Handle, itemType string) error {
	h.mu.Lock()
	if h.cancelled {
		h.unlock()
		return domain.ErrCancelled
	}
	item, idx, ok := h.job.Item(itemType)
	if !ok {
		h.unlock()
		return fmt.Errorf("%w: %s", domain.ErrItemNotFound, itemType)
	}
	if item.Status != domain.ItemStatusFailed {
		h.unlock()
		return fmt.Errorf("%w: %s is %s", domain.ErrItemNotFailed, itemType, item.Status)
	}

	h.floors[itemType] = item.GeneratedAt
	h.job.Items[idx] = domain.VisualItem{Type: itemType, Status: domain.ItemStatusProcessing}
	h.job.UpdatedAt = t.opts.Clock.Now()
	h.emitLocked(ItemUpdated{JobID: h.id, Item: h.job.Items[idx]})
	var opened *round
	if h.round == nil {
		opened = h.openRoundLocked(ctx, false)
	}
	h.watchRetryLocked(itemType)
	h.settleLocked()
	h.unlock()
	if opened != nil {
		h.connect(opened)
	}
	h.log.Info().Str("item_type", itemType).Msg("tracker: retrying item")

	items, err := t.api.RetryItem(ctx, h.id, itemType)

	h.mu.Lock()
	defer h.unlock()
	if h.cancelled {
		return domain.ErrCancelled
	}
	if err != nil {
		retryErr := &domain.ItemRetryError{JobID: h.id, ItemType: itemType, Cause: err}
		if cur, idx, ok := h.job.Item(itemType); ok && !cur.Status.Terminal() {
			h.stopRetryLocked(itemType)
			delete(h.floors, itemType)
			h.job.Items[idx] = domain.VisualItem{
				Type:        itemType,
				Status:      domain.ItemStatusFailed,
				Error:       retryErr.Error(),
				GeneratedAt: t.opts.Clock.Now(),
			}
			h.job.UpdatedAt = t.opts.Clock.Now()
			h.emitLocked(ItemUpdated{JobID: h.id, Item: h.job.Items[idx]})
			h.settleLocked()
		}
		h.log.Warn().Err(err).Str("item_type", itemType).Msg("tracker: retry call failed")
		return retryErr
	}
	h.applyLocked(items, "retry")
	return nil
}

// Cancel stops observing h: timers stop, the push channel is unsubscribed
// and closed, and no observer call starts after Cancel returns. A call
// already running is not interrupted. It does not cancel the job on the
// service. Calling it again is a no-op.
func (t *Tracker) Cancel(h *Handle) {
	h.mu.Lock()
	if h.cancelled {
		h.unlock()
		return
	}
	h.cancelled = true
	h.endRoundLocked()
	h.stopRetriesLocked()
	h.unlock()
	h.out.close()
	h.log.Debug().Msg("tracker: observation cancelled")
}

// unlock releases mu and then closes channels retired while it was held.
func (h *Handle) unlock() {
	closing := h.closing
	h.closing = nil
	h.mu.Unlock()
	for _, ch := range closing {
		if err := ch.Close(); err != nil {
			h.log.Debug().Err(err).Msg("tracker: close push channel")
		}
	}
}

func (h *Handle) emitLocked(ev Event) {
	if h.cancelled {
		return
	}
	h.out.enqueue(ev)
}

func (h *Handle) openRoundLocked(parent context.Context, full bool) *round {
	h.rounds++
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	r := &round{
		seq:    h.rounds,
		full:   full,
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		ticker: h.t.opts.Clock.NewTicker(h.t.opts.PollInterval),
	}
	if full {
		r.safety = h.t.opts.Clock.AfterFunc(h.t.opts.JobTimeout, func() { go h.onSafetyTimeout(r) })
	}
	h.round = r
	go h.pump(r)
	return r
}

func (h *Handle) endRoundLocked() {
	r := h.round
	if r == nil {
		return
	}
	h.round = nil
	close(r.stop)
	r.ticker.Stop()
	if r.safety != nil {
		r.safety.Stop()
	}
	r.cancel()
	if r.channel != nil {
		h.closing = append(h.closing, r.channel)
		r.channel = nil
	}
}

// connect dials the push channel for r outside the lock.
func (h *Handle) connect(r *round) {
	if h.t.dialer == nil {
		return
	}
	h.mu.Lock()
	active := h.round == r && !h.cancelled
	h.mu.Unlock()
	if !active {
		return
	}

	ch, err := h.t.dialer.Dial(r.ctx, h.id, func(ev realtime.Event) { h.onPush(r, ev) })

	h.mu.Lock()
	defer h.unlock()
	if err != nil {
		var chErr *domain.ChannelError
		if !errors.As(err, &chErr) {
			err = &domain.ChannelError{JobID: h.id, Cause: err}
		}
		h.log.Warn().Err(err).Msg("tracker: push channel unavailable, polling only")
		if h.round == r {
			h.emitLocked(ConnectionError{JobID: h.id, Err: err, Final: true})
		}
		return
	}
	if h.round != r || h.cancelled {
		h.closing = append(h.closing, ch)
		return
	}
	r.channel = ch
}

func (h *Handle) pump(r *round) {
	for {
		select {
		case <-r.stop:
			return
		case <-r.ticker.Chan():
			if r.polling.CompareAndSwap(false, true) {
				go h.poll(r)
			}
		}
	}
}

func (h *Handle) poll(r *round) {
	defer r.polling.Store(false)
	snap, err := h.t.api.GetJobSnapshot(r.ctx, h.id)
	if err != nil {
		if r.ctx.Err() == nil {
			h.logPollFailure(r, err)
		}
		return
	}

	h.mu.Lock()
	defer h.unlock()
	if h.round != r || h.cancelled {
		return
	}
	h.applyLocked(snap.Items, "poll")
}

// logPollFailure keeps transient upstream errors out of warning logs; the
// next tick polls again either way.
func (h *Handle) logPollFailure(r *round, err error) {
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		h.log.Debug().Err(err).Int("round", r.seq).Msg("tracker: poll failed, retrying next tick")
		return
	}
	h.log.Warn().Err(err).Int("round", r.seq).Msg("tracker: poll failed")
}

func (h *Handle) onPush(r *round, ev realtime.Event) {
	h.mu.Lock()
	defer h.unlock()
	if h.round != r || h.cancelled {
		return
	}
	switch e := ev.(type) {
	case realtime.ItemEvent:
		h.applyLocked([]domain.VisualItem{e.Item}, "push")
	case realtime.CompleteEvent:
		h.applyLocked(e.Items, "push")
	case realtime.ProgressEvent:
		h.log.Debug().Int("completed", e.Completed).Int("total", e.Total).Msg("tracker: service progress")
	case realtime.ConnectedEvent:
		h.log.Debug().Int("attempt", e.Attempt).Msg("tracker: push channel connected")
	case realtime.ErrorEvent:
		h.emitLocked(ConnectionError{JobID: h.id, Err: e.Err, Final: e.Final})
	}
}

func (h *Handle) applyLocked(candidates []domain.VisualItem, source string) {
	changed := applyUpdate(h.job.Items, candidates, h.floors)
	if len(changed) == 0 {
		return
	}
	h.job.UpdatedAt = h.t.opts.Clock.Now()
	for _, item := range changed {
		if item.Status.Terminal() {
			h.stopRetryLocked(item.Type)
		}
		h.log.Debug().Str("item_type", item.Type).Str("status", string(item.Status)).Str("source", source).Msg("tracker: item updated")
		h.emitLocked(ItemUpdated{JobID: h.id, Item: item})
	}
	h.settleLocked()
}

// settleLocked recomputes the aggregate, reports progress changes and ends
// the round once every item is terminal.
func (h *Handle) settleLocked() {
	if !h.executed {
		return
	}
	h.job.Status = aggregateStatus(h.job.Items)
	h.reportProgressLocked()
	if h.round != nil && h.job.Status.Terminal() {
		h.completeLocked(false)
	}
}

func (h *Handle) reportProgressLocked() {
	done, total := h.job.Counts()
	if done == h.lastDone {
		return
	}
	h.lastDone = done
	h.emitLocked(Progress{JobID: h.id, Completed: done, Total: total})
}

func (h *Handle) completeLocked(timedOut bool) {
	if !h.job.Status.Terminal() {
		h.job.Status = domain.JobStatusFailed
	}
	if h.completed {
		h.emitLocked(RetrySettled{Job: h.job.Clone(), TimedOut: timedOut})
	} else {
		h.completed = true
		h.emitLocked(Complete{Job: h.job.Clone(), TimedOut: timedOut})
	}
	h.log.Info().Str("status", string(h.job.Status)).Bool("timed_out", timedOut).Msg("tracker: observation complete")
	h.endRoundLocked()
	h.stopRetriesLocked()
}

// forceTimeoutLocked fails every non-terminal item accepted by match.
func (h *Handle) forceTimeoutLocked(after time.Duration, match func(string) bool) {
	now := h.t.opts.Clock.Now()
	for i, item := range h.job.Items {
		if item.Status.Terminal() || !match(item.Type) {
			continue
		}
		timeoutErr := &domain.TimeoutError{JobID: h.id, ItemType: item.Type, After: after}
		h.job.Items[i] = domain.VisualItem{
			Type:        item.Type,
			Status:      domain.ItemStatusFailed,
			Error:       timeoutErr.Error(),
			GeneratedAt: now,
		}
		delete(h.floors, item.Type)
		h.stopRetryLocked(item.Type)
		h.emitLocked(ItemUpdated{JobID: h.id, Item: h.job.Items[i]})
	}
	h.job.UpdatedAt = now
}

func (h *Handle) onSafetyTimeout(r *round) {
	h.mu.Lock()
	defer h.unlock()
	if h.round != r || h.cancelled {
		return
	}
	h.log.Warn().Dur("timeout", h.t.opts.JobTimeout).Msg("tracker: job timed out")
	h.forceTimeoutLocked(h.t.opts.JobTimeout, func(string) bool { return true })
	h.job.Status = aggregateStatus(h.job.Items)
	h.reportProgressLocked()
	h.completeLocked(true)
}

func (h *Handle) watchRetryLocked(itemType string) {
	h.stopRetryLocked(itemType)
	w := &retryWatch{}
	w.timer = h.t.opts.Clock.AfterFunc(h.t.opts.RetryTimeout, func() { go h.onRetryTimeout(itemType, w) })
	h.retries[itemType] = w
}

func (h *Handle) onRetryTimeout(itemType string, w *retryWatch) {
	h.mu.Lock()
	defer h.unlock()
	if h.cancelled || h.retries[itemType] != w {
		return
	}
	delete(h.retries, itemType)
	h.log.Warn().Str("item_type", itemType).Dur("timeout", h.t.opts.RetryTimeout).Msg("tracker: retry timed out")
	h.forceTimeoutLocked(h.t.opts.RetryTimeout, func(t string) bool { return t == itemType })
	h.job.Status = aggregateStatus(h.job.Items)
	h.reportProgressLocked()
	if h.round != nil && h.job.Status.Terminal() {
		h.completeLocked(true)
	}
}

func (h *Handle) stopRetryLocked(itemType string) {
	if w, ok := h.retries[itemType]; ok {
		w.timer.Stop()
		delete(h.retries, itemType)
	}
}

func (h *Handle) stopRetriesLocked() {
	for itemType := range h.retries {
		h.stopRetryLocked(itemType)
	}
}
