package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/conductor/internal/events"
)

// waitDrained receives drain signals until the condition holds, so tests
// observe the queue's own idle signal instead of racing sleeps.
func waitDrained(t *testing.T, q *Queue, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() || q.Len() > 0 {
		select {
		case <-q.Drained():
		case <-deadline:
			t.Fatal("queue never drained")
		}
	}
}

func TestQueue_ProcessesInPushOrder(t *testing.T) {
	var mu sync.Mutex
	var processed []int

	q := New(Config{Name: "t", Concurrency: 1}, func(_ context.Context, ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, ev.PRNumber)
		return nil
	}, logr.Discard())
	defer q.Destroy()

	require.NoError(t, q.Push(events.Event{PRNumber: 1}))
	require.NoError(t, q.Push(events.Event{PRNumber: 2}))
	require.NoError(t, q.Push(events.Event{PRNumber: 3}))

	waitDrained(t, q, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, processed)
}

func TestQueue_WorkerErrorDoesNotStopQueue(t *testing.T) {
	var count atomic.Int32

	q := New(Config{Name: "t", Concurrency: 1}, func(_ context.Context, ev events.Event) error {
		count.Add(1)
		if ev.PRNumber == 1 {
			return errors.New("boom")
		}
		return nil
	}, logr.Discard())
	defer q.Destroy()

	require.NoError(t, q.Push(events.Event{PRNumber: 1}))
	require.NoError(t, q.Push(events.Event{PRNumber: 2}))

	waitDrained(t, q, func() bool { return count.Load() == 2 })
	require.EqualValues(t, 2, count.Load())
}

func TestQueue_DrainSignalFiresOncePerIdle(t *testing.T) {
	var processed atomic.Int32
	q := New(Config{Name: "t", Concurrency: 2}, func(_ context.Context, _ events.Event) error {
		time.Sleep(5 * time.Millisecond)
		processed.Add(1)
		return nil
	}, logr.Discard())
	defer q.Destroy()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(events.Event{PRNumber: i}))
	}
	waitDrained(t, q, func() bool { return processed.Load() == 3 })

	// Consume a signal that may already be buffered from the final job.
	select {
	case <-q.Drained():
	default:
	}

	// Idle queue with nothing new pushed: no further signal appears.
	select {
	case <-q.Drained():
		t.Fatal("unexpected drain signal from an idle queue")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueue_PushNonBlockingDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 2)
	q := New(Config{Name: "t", Concurrency: 1, Buffer: 1}, func(_ context.Context, _ events.Event) error {
		started <- struct{}{}
		<-block
		return nil
	}, logr.Discard())
	defer func() {
		close(block)
		q.Destroy()
	}()

	// The single worker holds the first job; the second fills the buffer.
	require.NoError(t, q.Push(events.Event{}))
	<-started
	require.NoError(t, q.Push(events.Event{}))
	err := q.Push(events.Event{})
	require.ErrorIs(t, err, ErrQueueFull)
	require.EqualValues(t, 1, q.Dropped())
}
