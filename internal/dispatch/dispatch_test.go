package dispatch

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/conductor/internal/events"
)

type fakePusher struct {
	pushed []string
}

func (f *fakePusher) Push(queue string, ev events.Event) error {
	f.pushed = append(f.pushed, queue)
	return nil
}

func TestDispatch_FirstMatchWins(t *testing.T) {
	registry := NewRegistry(logr.Discard())
	registry.Add(Handler{
		Name:  "specific",
		Match: func(ev events.Event) bool { return ev.Kind == events.KindCIFailed },
		Queue: "orchestrator",
	})
	registry.Add(Handler{
		Name:  "catch-all",
		Match: func(ev events.Event) bool { return true },
		Queue: "reviewer",
	})

	pusher := &fakePusher{}
	d := NewDispatcher(registry, pusher, logr.Discard())

	d.Dispatch(events.Event{Kind: events.KindCIFailed})
	require.Equal(t, []string{"orchestrator"}, pusher.pushed)
}

func TestDispatch_NoMatchDrops(t *testing.T) {
	registry := NewRegistry(logr.Discard())
	registry.Add(Handler{
		Name:  "ci-only",
		Match: func(ev events.Event) bool { return ev.Kind == events.KindCIFailed },
		Queue: "orchestrator",
	})

	pusher := &fakePusher{}
	d := NewDispatcher(registry, pusher, logr.Discard())

	d.Dispatch(events.Event{Kind: events.KindPRMerged})
	require.Empty(t, pusher.pushed)
}

func TestDispatch_OrderIsTieBreak(t *testing.T) {
	registry := NewRegistry(logr.Discard())
	registry.Add(Handler{Name: "a", Match: func(events.Event) bool { return true }, Queue: "architect"})
	registry.Add(Handler{Name: "b", Match: func(events.Event) bool { return true }, Queue: "reviewer"})

	pusher := &fakePusher{}
	d := NewDispatcher(registry, pusher, logr.Discard())
	d.Dispatch(events.Event{Kind: events.KindTaskRequested})
	require.Equal(t, []string{"architect"}, pusher.pushed)
}
