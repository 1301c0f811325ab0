package queue

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/forgeflow/conductor/internal/events"
)

// ErrQueueFull is returned by Push when a queue's buffer is saturated.
var ErrQueueFull = errors.New("queue: buffer full")

// Names of the four queues the route map understands.
const (
	NameArchitect    = "architect"
	NameCodeWriter   = "code-writer"
	NameReviewer     = "reviewer"
	NameOrchestrator = "orchestrator"
)

// Manager owns the four named queues and exposes Push(queueName, event) as
// the single entry point dispatch uses.
type Manager struct {
	queues map[string]*Queue
}

// DefaultConcurrency returns the standard caps: architect 2, code-writer 3,
// reviewer 2, orchestrator 1 (serialising state transitions).
func DefaultConcurrency() map[string]int {
	return map[string]int{
		NameArchitect:    2,
		NameCodeWriter:   3,
		NameReviewer:     2,
		NameOrchestrator: 1,
	}
}

// NewManager builds one queue per entry of concurrency, each bound to worker
// for its name.
func NewManager(concurrency map[string]int, worker func(name string) WorkerFunc, log logr.Logger) *Manager {
	m := &Manager{queues: make(map[string]*Queue, len(concurrency))}
	for name, n := range concurrency {
		m.queues[name] = New(Config{Name: name, Concurrency: n}, worker(name), log)
	}
	return m
}

// Push enqueues ev onto the named queue.
func (m *Manager) Push(name string, ev events.Event) error {
	q, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("queue: unknown queue %q", name)
	}
	return q.Push(ev)
}

// Queue returns the named queue for direct inspection (depth, drop count).
func (m *Manager) Queue(name string) (*Queue, bool) {
	q, ok := m.queues[name]
	return q, ok
}

// DestroyAll tears down every queue. Idempotent.
func (m *Manager) DestroyAll() {
	for _, q := range m.queues {
		q.Destroy()
	}
}

// WaitAll blocks until every queue's workers have exited.
func (m *Manager) WaitAll() {
	for _, q := range m.queues {
		q.Wait()
	}
}
