package agentworker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/conductor/internal/events"
	"github.com/forgeflow/conductor/internal/queue"
	"github.com/forgeflow/conductor/internal/store"
	"github.com/forgeflow/conductor/internal/supervisor"
)

type scriptedProcess struct {
	chunks chan []byte
}

func newScriptedProcess(output string) *scriptedProcess {
	ch := make(chan []byte, 1)
	ch <- []byte(output)
	close(ch)
	return &scriptedProcess{chunks: ch}
}

func (p *scriptedProcess) Chunks() <-chan []byte { return p.chunks }

// Wait mimics a real subprocess: stdout reaches EOF before the process is
// observed to exit.
func (p *scriptedProcess) Wait() error {
	for len(p.chunks) > 0 {
		time.Sleep(time.Millisecond)
	}
	return nil
}
func (p *scriptedProcess) ExitCode() int { return 0 }
func (p *scriptedProcess) Kill() error   { return nil }

type scriptedSpawner struct {
	output string
	prompt string
}

func (s *scriptedSpawner) Spawn(_ context.Context, cfg supervisor.SpawnConfig) (supervisor.Process, error) {
	s.prompt = cfg.Prompt
	return newScriptedProcess(s.output), nil
}

func newRunner(t *testing.T, spawner supervisor.Spawner) (*Runner, *store.DesignRepo, chan events.Event) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	completed := make(chan events.Event, 8)
	queues := queue.NewManager(
		map[string]int{queue.NameOrchestrator: 1},
		func(string) queue.WorkerFunc {
			return func(_ context.Context, ev events.Event) error {
				completed <- ev
				return nil
			}
		},
		logr.Discard(),
	)
	t.Cleanup(queues.DestroyAll)

	designs := store.NewDesignRepo(db)
	r := &Runner{
		Designs:   designs,
		Sup:       supervisor.New(spawner, nil, logr.Discard()),
		Queues:    queues,
		BasePath:  t.TempDir(),
		Heartbeat: time.Second,
		Timeout:   5 * time.Second,
		Log:       logr.Discard(),
	}
	return r, designs, completed
}

func waitForEvent(t *testing.T, ch chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent:completed")
		return events.Event{}
	}
}

func TestIntakeCreatesDesignAndAcks(t *testing.T) {
	spawner := &scriptedSpawner{output: `{"result": "# Plan\n\ndetails"}`}
	r, designs, completed := newRunner(t, spawner)

	var acked string
	ev := events.New(events.KindTaskRequested, events.SourceSlack, time.Time{})
	ev.AgentName = "architect"
	ev.TaskType = "design"
	ev.Message = "Build payments"
	ev.Ack = func(text string) error {
		acked = text
		return nil
	}

	require.NoError(t, r.Worker(queue.NameArchitect)(context.Background(), ev))
	require.Equal(t, "Got it — starting design", acked)

	done := waitForEvent(t, completed)
	require.Equal(t, events.KindAgentCompleted, done.Kind)
	require.True(t, done.Success)
	require.NotEmpty(t, done.DesignID)

	d, err := designs.Get(done.DesignID)
	require.NoError(t, err)
	require.Equal(t, "Build payments", d.Description)
	require.Equal(t, store.DesignStatusRunning, d.Status)

	content, err := os.ReadFile(done.OutputPath)
	require.NoError(t, err)
	require.Contains(t, string(content), "# Plan")
	require.Equal(t, filepath.Join(r.BasePath, done.DesignID, "design", "design_doc.md"), done.OutputPath)
}

func TestFeedbackRevisionsNumberSequentially(t *testing.T) {
	spawner := &scriptedSpawner{output: `{"result": "revised"}`}
	r, designs, completed := newRunner(t, spawner)

	require.NoError(t, designs.Create(&store.Design{ID: "d1", Description: "x"}))

	for want := 1; want <= 2; want++ {
		ev := events.New(events.KindTaskRequested, events.SourceInternal, time.Time{})
		ev.DesignID = "d1"
		ev.AgentName = "architect"
		ev.TaskType = "feedback"
		require.NoError(t, r.Worker(queue.NameArchitect)(context.Background(), ev))

		done := waitForEvent(t, completed)
		require.Equal(t,
			filepath.Join(r.BasePath, "d1", "design", fmt.Sprintf("design_doc.r%d.md", want)),
			done.OutputPath)
	}
}

func TestReviewerProducesNoFile(t *testing.T) {
	spawner := &scriptedSpawner{output: `{"result": "looks good"}`}
	r, designs, completed := newRunner(t, spawner)

	require.NoError(t, designs.Create(&store.Design{ID: "d2", Description: "x"}))

	ev := events.New(events.KindTaskRequested, events.SourceInternal, time.Time{})
	ev.DesignID = "d2"
	ev.AgentName = "reviewer"
	ev.TaskType = "review"
	require.NoError(t, r.Worker(queue.NameReviewer)(context.Background(), ev))

	done := waitForEvent(t, completed)
	require.True(t, done.Success)
	require.Empty(t, done.OutputPath)
}

func TestPromptCarriesCommentsInOrder(t *testing.T) {
	spawner := &scriptedSpawner{output: `{"result": "ok"}`}
	r, designs, completed := newRunner(t, spawner)

	require.NoError(t, designs.Create(&store.Design{ID: "d3", Description: "x"}))

	ev := events.New(events.KindTaskRequested, events.SourceInternal, time.Time{})
	ev.DesignID = "d3"
	ev.AgentName = "architect"
	ev.TaskType = "feedback"
	ev.Comments = []string{"rename the table", "add an index"}
	require.NoError(t, r.Worker(queue.NameArchitect)(context.Background(), ev))
	waitForEvent(t, completed)

	require.Contains(t, spawner.prompt, "You are the Architect agent.")
	require.Contains(t, spawner.prompt, "- rename the table\n- add an index\n")
}

func TestNonTaskEventIsDropped(t *testing.T) {
	spawner := &scriptedSpawner{output: "{}"}
	r, _, completed := newRunner(t, spawner)

	ev := events.New(events.KindCIPassed, events.SourceGitHub, time.Time{})
	require.NoError(t, r.Worker(queue.NameArchitect)(context.Background(), ev))

	select {
	case ev := <-completed:
		t.Fatalf("unexpected completion event: %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}
