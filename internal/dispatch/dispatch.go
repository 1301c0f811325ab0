// Package dispatch implements the self-declaring handler registry described
// by the orchestrator's routing design: each handler owns its own match
// predicate and names its destination queue. Dispatch walks the registry in
// registration order and stops at the first match. There is no central
// routing table and no reflection; adding a route means appending a Handler.
package dispatch

import (
	"github.com/go-logr/logr"

	"github.com/forgeflow/conductor/internal/events"
)

// Pusher is the subset of the queue manager that Dispatcher needs: enqueue
// an event onto a named queue. Kept as a narrow interface so dispatch can be
// tested without spinning up real worker pools.
type Pusher interface {
	Push(queue string, ev events.Event) error
}

// Handler declares which events it wants and where they should run.
// Match must be a pure predicate: it inspects the event and returns a
// boolean, never mutating state or performing I/O.
type Handler struct {
	Name  string
	Match func(events.Event) bool
	Queue string
}

// Registry is an ordered collection of handlers. Order is the tie-break:
// the first Handler whose Match returns true wins.
type Registry struct {
	handlers []Handler
	log      logr.Logger
}

// NewRegistry creates an empty registry. Register handlers with Add in the
// order they should be tried.
func NewRegistry(log logr.Logger) *Registry {
	return &Registry{log: log}
}

// Add appends a handler to the end of the registry.
func (r *Registry) Add(h Handler) {
	r.handlers = append(r.handlers, h)
}

// Dispatcher routes events to queues via the first-match rule.
type Dispatcher struct {
	registry *Registry
	queues   Pusher
	log      logr.Logger
}

// NewDispatcher builds a Dispatcher over a registry and a queue pusher.
func NewDispatcher(registry *Registry, queues Pusher, log logr.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, queues: queues, log: log}
}

// Dispatch routes a single event. If no handler matches, the event is
// logged at info level (log.Info; no separate warning level is used) and
// silently dropped — this is a deliberate
// design choice, not an error, since an unrecognised event kind is expected
// whenever an upstream system adds new webhook payloads we don't yet parse.
func (d *Dispatcher) Dispatch(ev events.Event) {
	for _, h := range d.registry.handlers {
		if !h.Match(ev) {
			continue
		}
		if err := d.queues.Push(h.Queue, ev); err != nil {
			d.log.Error(err, "failed to enqueue event", "handler", h.Name, "kind", ev.Kind, "queue", h.Queue)
		}
		return
	}
	d.log.Info("no handler matched event, dropping", "kind", ev.Kind, "source", ev.Source, "id", ev.ID)
}

// DispatchAll routes a batch, e.g. the zero-or-more events a single parser
// invocation produced.
func (d *Dispatcher) DispatchAll(evs []events.Event) {
	for _, ev := range evs {
		d.Dispatch(ev)
	}
}
