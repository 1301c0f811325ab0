// Package queue implements the bounded-concurrency in-memory job queues the
// orchestrator drains work from. Each queue owns a worker pool sized to its
// concurrency cap; the orchestrator queue's cap is always 1, which is what
// serialises route-map decisions without any extra locking.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/forgeflow/conductor/internal/events"
)

// WorkerFunc processes a single event. Errors are caught by the queue and
// logged; they never stop the queue from draining subsequent events.
type WorkerFunc func(context.Context, events.Event) error

// Queue is an ordered job stream backed by a buffered channel, drained by a
// fixed-size worker pool. Push is non-blocking up to the buffer capacity;
// beyond that, pushes are rejected rather than blocking the caller, since a
// blocking push from inside the orchestrator's own queue worker could
// deadlock the pipeline.
type Queue struct {
	name        string
	concurrency int
	buffer      int
	worker      WorkerFunc
	log         logr.Logger

	jobs     chan events.Event
	wg       sync.WaitGroup
	once     sync.Once
	done     chan struct{}
	drained  chan struct{}
	inflight atomic.Int64
	dropped  atomic.Int64
}

// Config describes one queue's shape.
type Config struct {
	Name        string
	Concurrency int
	Buffer      int // defaults to 256 if zero
}

// New creates a queue and starts its worker pool. Call Destroy to stop it.
func New(cfg Config, worker WorkerFunc, log logr.Logger) *Queue {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	q := &Queue{
		name:        cfg.Name,
		concurrency: cfg.Concurrency,
		buffer:      buffer,
		worker:      worker,
		log:         log.WithValues("queue", cfg.Name),
		jobs:        make(chan events.Event, buffer),
		done:        make(chan struct{}),
		drained:     make(chan struct{}, 1),
	}
	q.start()
	return q
}

func (q *Queue) start() {
	n := q.concurrency
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go q.runWorker()
	}
}

func (q *Queue) runWorker() {
	defer q.wg.Done()
	for {
		select {
		case ev, ok := <-q.jobs:
			if !ok {
				return
			}
			q.process(ev)
		case <-q.done:
			// Drain whatever is already buffered before exiting, so
			// in-flight pushes made just before Destroy still run.
			for {
				select {
				case ev, ok := <-q.jobs:
					if !ok {
						return
					}
					q.process(ev)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) process(ev events.Event) {
	q.inflight.Add(1)
	defer func() {
		if r := recover(); r != nil {
			q.log.Error(nil, "worker panicked", "recovered", r, "kind", ev.Kind)
		}
		// The last job out signals the drain channel when nothing is
		// buffered behind it. Capacity-1 send: an unobserved signal is
		// simply replaced by the next one.
		if q.inflight.Add(-1) == 0 && len(q.jobs) == 0 {
			select {
			case q.drained <- struct{}{}:
			default:
			}
		}
	}()
	if err := q.worker(context.Background(), ev); err != nil {
		q.log.Error(err, "worker job failed", "kind", ev.Kind)
	}
}

// Push places an event at the tail of the queue. It never blocks: once the
// buffer is full, the event is dropped and counted, and a caller can inspect
// Dropped() to detect sustained overflow.
func (q *Queue) Push(ev events.Event) error {
	select {
	case q.jobs <- ev:
		return nil
	default:
		q.dropped.Add(1)
		q.log.Info("queue full, dropping event", "kind", ev.Kind)
		return ErrQueueFull
	}
}

// Dropped returns the count of events dropped due to a full buffer.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Drained exposes the drain signal: one value arrives each time the queue
// goes idle (no buffered and no in-flight jobs). Receiving is optional —
// the queue never blocks on an unobserved signal.
func (q *Queue) Drained() <-chan struct{} { return q.drained }

// Len reports how many events are currently buffered, for observability.
func (q *Queue) Len() int { return len(q.jobs) }

// Destroy halts further processing. It is idempotent and a no-op on repeat
// calls. In-flight jobs are allowed to run to completion; it does not wait
// for them — callers that need that should call Wait after Destroy.
func (q *Queue) Destroy() {
	q.once.Do(func() {
		close(q.done)
	})
}

// Wait blocks until all worker goroutines have exited, which happens once
// Destroy has been called and any buffered jobs have drained.
func (q *Queue) Wait() {
	q.wg.Wait()
}
