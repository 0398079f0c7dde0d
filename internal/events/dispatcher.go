package events

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	defaultQueueSize = 256
	defaultWorkers   = 2
)

// Logger defines the logging interface for the events package.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Dispatcher delivers events to observers from a bounded queue.
//
// Thread Safety:
//   - Publish is safe for concurrent use and never blocks.
//   - Observers may be called concurrently from different workers.
type Dispatcher struct {
	queue  chan Event
	logger Logger

	mu        sync.RWMutex
	observers []Observer
	closed    bool

	wg        sync.WaitGroup
	closeOnce sync.Once

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher starts a dispatcher with the given queue size and worker count.
// Non-positive values take the defaults.
func NewDispatcher(queueSize, workers int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if workers <= 0 {
		workers = defaultWorkers
	}

	d := &Dispatcher{
		queue:  make(chan Event, queueSize),
		logger: noopLogger{},
	}
	for range workers {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// SetLogger sets the logger used for drops and observer panics.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Subscribe adds an observer.
func (d *Dispatcher) Subscribe(o Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

// Publish queues e. If the queue is full or the dispatcher is closed,
// the event is dropped.
func (d *Dispatcher) Publish(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		return
	}

	select {
	case d.queue <- e:
		d.published.Add(1)
	default:
		d.dropped.Add(1)
		d.logger.Warn("event queue full, dropping event", "kind", e.Kind, "id", e.ID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for e := range d.queue {
		d.mu.RLock()
		observers := d.observers
		d.mu.RUnlock()

		for _, o := range observers {
			d.deliver(o, e)
		}
		d.delivered.Add(1)
	}
}

func (d *Dispatcher) deliver(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event observer panic", "kind", e.Kind, "error", fmt.Errorf("%v", r))
		}
	}()
	o.Observe(e)
}

// Close stops accepting events and waits until queued events are delivered.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

// Stats are dispatcher counters.
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns current dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published: d.published.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
	}
}
