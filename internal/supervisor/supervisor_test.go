package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	chunks   chan []byte
	waitErr  error
	waitCh   chan struct{}
	exitCode int
	killed   chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		chunks: make(chan []byte, 16),
		waitCh: make(chan struct{}),
		killed: make(chan struct{}, 1),
	}
}

func (p *fakeProcess) Chunks() <-chan []byte { return p.chunks }
func (p *fakeProcess) ExitCode() int         { return p.exitCode }
func (p *fakeProcess) Wait() error {
	<-p.waitCh
	return p.waitErr
}
func (p *fakeProcess) Kill() error {
	select {
	case p.killed <- struct{}{}:
	default:
	}
	return nil
}
func (p *fakeProcess) finish(err error) {
	p.waitErr = err
	close(p.waitCh)
}

type fakeSpawner struct {
	proc *fakeProcess
}

func (f *fakeSpawner) Spawn(ctx context.Context, cfg SpawnConfig) (Process, error) {
	return f.proc, nil
}

func TestSupervisor_CompletesSuccessfully(t *testing.T) {
	proc := newFakeProcess()
	sup := New(&fakeSpawner{proc: proc}, nil, logr.Discard())

	go func() {
		proc.chunks <- []byte(`{"result": "done", "cost_usd": 0.5}`)
		close(proc.chunks)
		proc.finish(nil)
	}()

	result, err := sup.Run(context.Background(), RunConfig{
		AgentName:   "architect",
		HeartbeatMs: time.Second,
		TimeoutMs:   time.Second,
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "done", result.ResultText)
	require.Equal(t, 0.5, result.CostUSD)
}

func TestSupervisor_HeartbeatKillsSilentProcess(t *testing.T) {
	proc := newFakeProcess()
	sup := New(&fakeSpawner{proc: proc}, nil, logr.Discard())

	result, err := sup.Run(context.Background(), RunConfig{
		AgentName:   "architect",
		HeartbeatMs: 20 * time.Millisecond,
		TimeoutMs:   5 * time.Second,
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.True(t, result.HeartbeatKill)
	require.GreaterOrEqual(t, result.DurationMs, int64(20))

	select {
	case <-proc.killed:
	case <-time.After(time.Second):
		t.Fatal("expected process to be killed")
	}
	close(proc.chunks)
	proc.finish(errors.New("signal: killed"))
}

func TestSupervisor_HardTimeoutFiresEvenWithOutput(t *testing.T) {
	proc := newFakeProcess()
	sup := New(&fakeSpawner{proc: proc}, nil, logr.Discard())

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case proc.chunks <- []byte("x"):
				default:
				}
			case <-stop:
				return
			}
		}
	}()

	result, err := sup.Run(context.Background(), RunConfig{
		AgentName:   "architect",
		HeartbeatMs: time.Second,
		TimeoutMs:   30 * time.Millisecond,
	})
	close(stop)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.True(t, result.TimedOut)

	close(proc.chunks)
	proc.finish(errors.New("signal: killed"))
}

func TestSupervisor_OnlyOneOutcomeSettles(t *testing.T) {
	proc := newFakeProcess()
	sup := New(&fakeSpawner{proc: proc}, nil, logr.Discard())

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(proc.chunks)
		proc.finish(nil)
	}()

	result, err := sup.Run(context.Background(), RunConfig{
		AgentName:   "architect",
		HeartbeatMs: time.Second,
		TimeoutMs:   time.Second,
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.False(t, result.TimedOut)
	require.False(t, result.HeartbeatKill)
}
