package tracker

import (
	"sync"
	"sync/atomic"

	"visualgen/internal/domain"
)

// Event is a notification delivered to observers: ItemUpdated, Progress,
// Complete, RetrySettled, ConnectionError or ExecutionFailed.
type Event interface {
	notification()
}

// ItemUpdated reports an item that changed. Terminal transitions are
// reported once; processing transitions may repeat.
type ItemUpdated struct {
	JobID string
	Item  domain.VisualItem
}

// Progress reports a change in the number of terminal items.
type Progress struct {
	JobID     string
	Completed int
	Total     int
}

// Complete reports the end of the first observation round. It is delivered
// at most once per job. TimedOut is set when a deadline forced the remaining
// items to failed.
type Complete struct {
	Job      domain.GenerationJob
	TimedOut bool
}

// RetrySettled reports the end of a retry round opened after Complete.
type RetrySettled struct {
	Job      domain.GenerationJob
	TimedOut bool
}

// ConnectionError reports a push channel problem. Polling continues.
type ConnectionError struct {
	JobID string
	Err   error
	Final bool
}

// ExecutionFailed reports a failed execute call. The job is failed.
type ExecutionFailed struct {
	JobID string
	Err   error
}

func (ItemUpdated) notification()     {}
func (Progress) notification()        {}
func (Complete) notification()        {}
func (RetrySettled) notification()    {}
func (ConnectionError) notification() {}
func (ExecutionFailed) notification() {}

// Observer receives notifications for one handle, one at a time and in order.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(ev Event) { f(ev) }

// Callbacks adapts per-kind callbacks to Observer. Nil callbacks are skipped.
type Callbacks struct {
	OnItemUpdate      func(item domain.VisualItem)
	OnProgress        func(completed, total int)
	OnComplete        func(job domain.GenerationJob)
	OnRetrySettled    func(job domain.GenerationJob)
	OnConnectionError func(err error)
	OnExecutionError  func(err error)
}

func (c Callbacks) Notify(ev Event) {
	switch e := ev.(type) {
	case ItemUpdated:
		if c.OnItemUpdate != nil {
			c.OnItemUpdate(e.Item)
		}
	case Progress:
		if c.OnProgress != nil {
			c.OnProgress(e.Completed, e.Total)
		}
	case Complete:
		if c.OnComplete != nil {
			c.OnComplete(e.Job)
		}
	case RetrySettled:
		if c.OnRetrySettled != nil {
			c.OnRetrySettled(e.Job)
		}
	case ConnectionError:
		if c.OnConnectionError != nil {
			c.OnConnectionError(e.Err)
		}
	case ExecutionFailed:
		if c.OnExecutionError != nil {
			c.OnExecutionError(e.Err)
		} else if c.OnConnectionError != nil {
			c.OnConnectionError(e.Err)
		}
	}
}

// dispatcher delivers queued events to observers on its own goroutine, so
// observers may call back into the tracker. It exits when the queue drains.
type dispatcher struct {
	mu        sync.Mutex
	queue     []Event
	running   bool
	observers map[int]Observer
	order     []int
	nextID    int

	// deliverMu is held while an observer runs; close uses it as a barrier
	// when dispatching is false.
	deliverMu   sync.Mutex
	closed      atomic.Bool
	dispatching atomic.Bool
}

func newDispatcher() *dispatcher {
	return &dispatcher{observers: map[int]Observer{}}
}

func (d *dispatcher) subscribe(obs Observer) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.observers[id] = obs
	d.order = append(d.order, id)
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.observers, id)
		})
	}
}

func (d *dispatcher) enqueue(ev Event) {
	if d.closed.Load() {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, ev)
	start := !d.running
	d.running = true
	d.mu.Unlock()
	if start {
		go d.drain()
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 || d.closed.Load() {
			d.queue = nil
			d.running = false
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue = d.queue[1:]
		observers := make([]Observer, 0, len(d.order))
		live := d.order[:0]
		for _, id := range d.order {
			if obs, ok := d.observers[id]; ok {
				observers = append(observers, obs)
				live = append(live, id)
			}
		}
		d.order = live
		d.mu.Unlock()

		for _, obs := range observers {
			d.deliver(obs, ev)
		}
	}
}

func (d *dispatcher) deliver(obs Observer, ev Event) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	if d.closed.Load() {
		return
	}
	d.dispatching.Store(true)
	defer d.dispatching.Store(false)
	obs.Notify(ev)
}

// close stops all further deliveries: no observer call starts after close
// returns. With no observer running it also waits out a delivery that is
// about to start. An observer already inside Notify is not waited for, since
// close may be running on that observer's own goroutine.
func (d *dispatcher) close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if !d.dispatching.Load() {
		d.deliverMu.Lock()
		d.deliverMu.Unlock()
	}
}
