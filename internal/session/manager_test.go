package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"visualgen/internal/domain"
	"visualgen/internal/tracker"
)

type stubAPI struct {
	mu         sync.Mutex
	executeErr error
	items      []domain.VisualItem
	gate       chan struct{}
	snapshots  int
}

func (s *stubAPI) CreateJob(context.Context, domain.SubmitRequest) (string, error) {
	return "job-7", nil
}

func (s *stubAPI) MergePrompts(context.Context, string, domain.SubmitRequest) ([]domain.Prompt, error) {
	return []domain.Prompt{{Type: "main_visual"}, {Type: "detail"}}, nil
}

func (s *stubAPI) ExecuteJob(context.Context, string) ([]domain.VisualItem, error) {
	return nil, s.executeErr
}

func (s *stubAPI) GetJobSnapshot(context.Context, string) (*domain.JobSnapshot, error) {
	s.mu.Lock()
	s.snapshots++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &domain.JobSnapshot{Status: domain.JobStatusProcessing, Items: append([]domain.VisualItem(nil), s.items...)}, nil
}

func (s *stubAPI) RetryItem(context.Context, string, string) ([]domain.VisualItem, error) {
	return nil, nil
}

// hold blocks snapshot fetches until the returned function is called.
func (s *stubAPI) hold() func() {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	return func() { close(gate) }
}

func (s *stubAPI) snapshotCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots
}

func (s *stubAPI) finish(at time.Time, statuses ...domain.ItemStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := []string{"main_visual", "detail"}
	s.items = nil
	for i, st := range statuses {
		item := domain.VisualItem{Type: types[i], Status: st, GeneratedAt: at}
		if st == domain.ItemStatusCompleted {
			item.ImageURL = "https://cdn.example.com/" + types[i] + ".png"
		}
		s.items = append(s.items, item)
	}
}

type memJournal struct {
	mu       sync.Mutex
	outcomes []*domain.Outcome
}

func (j *memJournal) Save(_ context.Context, o *domain.Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, o)
	return nil
}

func (j *memJournal) GetByID(_ context.Context, id string) (*domain.Outcome, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.outcomes) - 1; i >= 0; i-- {
		if j.outcomes[i].JobID == id {
			return j.outcomes[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

func (j *memJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.outcomes)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	api     *stubAPI
	clock   *clockwork.FakeClock
	journal *memJournal
	manager *Manager
}

func newFixture() *fixture {
	f := &fixture{
		api:     &stubAPI{},
		clock:   clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
		journal: &memJournal{},
	}
	tr := tracker.New(f.api, nil, tracker.Options{Clock: f.clock})
	f.manager = NewManager(tr, Options{Journal: f.journal, Clock: f.clock, TTL: time.Minute, SweepInterval: 10 * time.Second})
	return f
}

var request = domain.SubmitRequest{ProductID: "p-1", Shots: []string{"main_visual", "detail"}}

func (f *fixture) startAndFinish(t *testing.T) domain.GenerationJob {
	t.Helper()
	job, err := f.manager.Start(context.Background(), request, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.api.finish(f.clock.Now(), domain.ItemStatusCompleted, domain.ItemStatusFailed)
	f.clock.Advance(tracker.DefaultPollInterval)
	waitFor(t, "journal entry", func() bool { return f.journal.len() == 1 })
	return job
}

func TestStartJournalsOutcome(t *testing.T) {
	f := newFixture()
	job := f.startAndFinish(t)
	if job.ID != "job-7" || job.Status != domain.JobStatusProcessing {
		t.Fatalf("start returned %+v", job)
	}

	outcome, err := f.journal.GetByID(context.Background(), "job-7")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if outcome.Status != domain.JobStatusCompleted || outcome.CompletedCount != 1 || outcome.FailedCount != 1 || outcome.TimedOut {
		t.Fatalf("outcome = %+v", outcome)
	}

	got, err := f.manager.Get("job-7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestGetUnknown(t *testing.T) {
	f := newFixture()
	if _, err := f.manager.Get("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := f.manager.Retry(context.Background(), "missing", "detail"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("retry err = %v, want ErrNotFound", err)
	}
	if _, err := f.manager.Subscribe("missing", tracker.ObserverFunc(func(tracker.Event) {})); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("subscribe err = %v, want ErrNotFound", err)
	}
}

func TestSweepEvictsFinishedSessions(t *testing.T) {
	f := newFixture()
	f.startAndFinish(t)
	finished := f.clock.Now()

	if n := f.manager.Sweep(finished.Add(30 * time.Second)); n != 0 {
		t.Fatalf("evicted %d before the ttl", n)
	}
	if n := f.manager.Sweep(finished.Add(time.Minute)); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, err := f.manager.Get("job-7"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("session still present after sweep")
	}
}

func TestSweepKeepsRunningSessions(t *testing.T) {
	f := newFixture()
	if _, err := f.manager.Start(context.Background(), request, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if n := f.manager.Sweep(f.clock.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("running session evicted")
	}
	f.manager.Close()
}

func TestRunSweepsPeriodically(t *testing.T) {
	f := newFixture()
	f.startAndFinish(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.manager.Run(ctx) }()

	waitFor(t, "periodic sweep", func() bool {
		f.clock.Advance(10 * time.Second)
		return f.manager.Len() == 0
	})
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}

func TestStartExecuteFailureKeepsFailedSession(t *testing.T) {
	f := newFixture()
	f.api.executeErr = errors.New("upstream 500")

	job, err := f.manager.Start(context.Background(), request, nil)
	var execErr *domain.JobExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want JobExecutionError", err)
	}
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	waitFor(t, "failed outcome", func() bool { return f.journal.len() == 1 })
	if _, err := f.manager.Get("job-7"); err != nil {
		t.Fatalf("failed session should stay readable: %v", err)
	}
}

func TestStartSubmissionFailureTracksNothing(t *testing.T) {
	f := newFixture()
	_, err := f.manager.Start(context.Background(), domain.SubmitRequest{}, nil)
	if !errors.Is(err, domain.ErrEmptyShotSelection) {
		t.Fatalf("err = %v, want ErrEmptyShotSelection", err)
	}
	if f.manager.Len() != 0 {
		t.Fatalf("submission failure left a session behind")
	}
}

func TestRetryReopensSession(t *testing.T) {
	f := newFixture()
	f.startAndFinish(t)

	job, err := f.manager.Retry(context.Background(), "job-7", "detail")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if job.Status != domain.JobStatusProcessing {
		t.Fatalf("status = %s, want processing", job.Status)
	}
	if n := f.manager.Sweep(f.clock.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("session under retry was evicted")
	}

	f.api.finish(f.clock.Now().Add(time.Second), domain.ItemStatusCompleted, domain.ItemStatusCompleted)
	f.clock.Advance(tracker.DefaultPollInterval)
	waitFor(t, "second outcome", func() bool { return f.journal.len() == 2 })
	outcome, _ := f.journal.GetByID(context.Background(), "job-7")
	if outcome.CompletedCount != 2 {
		t.Fatalf("outcome = %+v, want both items completed", outcome)
	}
}

func TestCancelForgetsSession(t *testing.T) {
	f := newFixture()
	if _, err := f.manager.Start(context.Background(), request, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.manager.Cancel("job-7")
	f.manager.Cancel("job-7")
	if f.manager.Len() != 0 {
		t.Fatalf("session kept after cancel")
	}
}

func TestAttachReusesExistingSession(t *testing.T) {
	f := newFixture()
	if _, err := f.manager.Start(context.Background(), request, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := make(chan tracker.Event, 8)
	job, err := f.manager.Attach(context.Background(), "job-7", tracker.ObserverFunc(func(ev tracker.Event) { got <- ev }))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if job.ID != "job-7" || f.manager.Len() != 1 {
		t.Fatalf("attach created a second session")
	}

	f.api.finish(f.clock.Now(), domain.ItemStatusCompleted, domain.ItemStatusCompleted)
	f.clock.Advance(tracker.DefaultPollInterval)
	waitFor(t, "attached observer", func() bool { return len(got) > 0 })
}

func TestAttachUnknownJob(t *testing.T) {
	f := newFixture()
	f.api.finish(f.clock.Now(), domain.ItemStatusCompleted, domain.ItemStatusCompleted)

	job, err := f.manager.Attach(context.Background(), "job-9", nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if job.ID != "job-9" || len(job.Items) != 2 {
		t.Fatalf("job = %+v", job)
	}
	waitFor(t, "journal entry", func() bool { return f.journal.len() == 1 })
}

func TestCloseRejectsNewWork(t *testing.T) {
	f := newFixture()
	if _, err := f.manager.Start(context.Background(), request, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.manager.Close()
	if f.manager.Len() != 0 {
		t.Fatalf("sessions left after close")
	}
	if _, err := f.manager.Start(context.Background(), request, nil); !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("start after close = %v, want ErrCancelled", err)
	}
}

func TestConcurrentAttachSharesOneHandle(t *testing.T) {
	f := newFixture()
	f.api.finish(f.clock.Now(), domain.ItemStatusProcessing, domain.ItemStatusProcessing)
	release := f.api.hold()

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := f.manager.Attach(context.Background(), "job-9", nil)
			errs <- err
		}()
	}
	waitFor(t, "first snapshot fetch", func() bool { return f.api.snapshotCalls() == 1 })
	time.Sleep(20 * time.Millisecond)
	release()
	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	if n := f.api.snapshotCalls(); n != 1 {
		t.Fatalf("snapshot fetches = %d, want 1", n)
	}

	f.manager.Cancel("job-9")
	f.api.finish(f.clock.Now(), domain.ItemStatusCompleted, domain.ItemStatusCompleted)
	f.clock.Advance(tracker.DefaultPollInterval)
	time.Sleep(30 * time.Millisecond)
	if n := f.api.snapshotCalls(); n != 1 {
		t.Fatalf("snapshot fetches after cancel = %d, want 1", n)
	}
	if n := f.journal.len(); n != 0 {
		t.Fatalf("journal outcomes after cancel = %d, want 0", n)
	}
}

func TestCancelDuringAttachDropsHandle(t *testing.T) {
	f := newFixture()
	f.api.finish(f.clock.Now(), domain.ItemStatusProcessing, domain.ItemStatusProcessing)
	release := f.api.hold()

	errs := make(chan error, 1)
	go func() {
		_, err := f.manager.Attach(context.Background(), "job-9", nil)
		errs <- err
	}()
	waitFor(t, "snapshot fetch", func() bool { return f.api.snapshotCalls() == 1 })
	f.manager.Cancel("job-9")
	release()

	if err := <-errs; !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("attach err = %v, want ErrCancelled", err)
	}
	if f.manager.Len() != 0 {
		t.Fatalf("cancelled attach left a session")
	}
	f.clock.Advance(tracker.DefaultPollInterval)
	time.Sleep(30 * time.Millisecond)
	if n := f.api.snapshotCalls(); n != 1 {
		t.Fatalf("cancelled handle kept polling: %d fetches", n)
	}
}
