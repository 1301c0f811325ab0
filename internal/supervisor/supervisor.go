// Package supervisor runs agent subprocesses under a hard timeout and a
// heartbeat liveness watchdog, optionally inside an isolated git worktree.
// The supervisor is pure: it returns a Result and carries no business
// logic about what the agent's output means.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/forgeflow/conductor/internal/worktree"
)

const (
	// DefaultHeartbeat is how long the subprocess may go without emitting
	// any output before it is considered hung.
	DefaultHeartbeat = 10 * time.Minute
	// DefaultTimeout is the hard wall-clock ceiling for one agent run.
	DefaultTimeout = time.Hour
)

// RunConfig describes one supervised agent run.
type RunConfig struct {
	AgentName    string
	AllowedTools []string
	Prompt       string

	HeartbeatMs time.Duration // defaults to DefaultHeartbeat
	TimeoutMs   time.Duration // defaults to DefaultTimeout

	// Workspace isolation. When Worktree is set, a fresh git worktree on
	// BranchName is created before spawning and removed after the run
	// settles unless KeepWorktree is set.
	Worktree     bool
	KeepWorktree bool
	IssueKey     string
	BranchName   string

	// WorkDir is used directly when Worktree is false.
	WorkDir string
}

// Supervisor runs agents via a Spawner, enforcing heartbeat and hard-timeout
// watchdogs and (optionally) isolating each run in its own git worktree.
type Supervisor struct {
	spawner  Spawner
	worktree *worktree.Manager
	log      logr.Logger
}

// New builds a Supervisor. worktreeMgr may be nil if no run ever sets
// RunConfig.Worktree.
func New(spawner Spawner, worktreeMgr *worktree.Manager, log logr.Logger) *Supervisor {
	return &Supervisor{spawner: spawner, worktree: worktreeMgr, log: log}
}

// Run executes one agent subprocess to completion, settling on exactly one
// of: normal completion, heartbeat expiry, or hard timeout. Workspace
// creation failure aborts the run before any subprocess is spawned;
// workspace removal failure is logged, never returned.
func (s *Supervisor) Run(ctx context.Context, cfg RunConfig) (Result, error) {
	heartbeat := cfg.HeartbeatMs
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	timeout := cfg.TimeoutMs
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	workDir := cfg.WorkDir
	if cfg.Worktree {
		if s.worktree == nil {
			return Result{}, fmt.Errorf("supervisor: worktree requested but no worktree manager configured")
		}
		path, err := s.worktree.Checkout(ctx, cfg.IssueKey, cfg.BranchName)
		if err != nil {
			return Result{}, fmt.Errorf("supervisor: create workspace: %w", err)
		}
		workDir = path
		defer func() {
			if cfg.KeepWorktree {
				return
			}
			if err := s.worktree.Release(context.Background(), path); err != nil {
				s.log.Error(err, "failed to release agent worktree", "path", path)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	proc, err := s.spawner.Spawn(runCtx, SpawnConfig{
		AgentName:    cfg.AgentName,
		AllowedTools: cfg.AllowedTools,
		Prompt:       cfg.Prompt,
		WorkDir:      workDir,
	})
	if err != nil {
		return Result{}, fmt.Errorf("supervisor: spawn: %w", err)
	}

	return s.supervise(proc, heartbeat, timeout), nil
}

// supervise runs the three-way completion/heartbeat/timeout race. Exactly
// one outcome settles: a sync.Once guard plus explicit timer Stop() calls
// ensure a late timer fire after another outcome has already settled can
// never re-settle the result.
func (s *Supervisor) supervise(proc Process, heartbeat, timeout time.Duration) Result {
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	heartbeatTimer := time.NewTimer(heartbeat)
	timeoutTimer := time.NewTimer(timeout)
	defer stopTimer(heartbeatTimer)
	defer stopTimer(timeoutTimer)

	var (
		once   sync.Once
		result Result
		output bytes.Buffer
	)

	settle := func(r Result) {
		once.Do(func() {
			stopTimer(heartbeatTimer)
			stopTimer(timeoutTimer)
			result = r
		})
	}

	chunks := proc.Chunks()
	chunksOpen := true
	doneConsumed := false

loop:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunksOpen = false
				chunks = nil // disable this case permanently
				continue
			}
			output.Write(chunk)
			stopTimer(heartbeatTimer)
			heartbeatTimer.Reset(heartbeat)

		case <-heartbeatTimer.C:
			_ = proc.Kill()
			settle(Result{Success: false, HeartbeatKill: true, Output: output.String()})
			break loop

		case <-timeoutTimer.C:
			_ = proc.Kill()
			settle(Result{Success: false, TimedOut: true, Error: "agent exceeded hard timeout", Output: output.String()})
			break loop

		case err := <-done:
			doneConsumed = true
			// Collect whatever stdout still holds, up to EOF, before parsing.
			for chunksOpen {
				if chunk, ok := <-chunks; ok {
					output.Write(chunk)
				} else {
					chunksOpen = false
				}
			}
			parsed := parseAgentOutput(output.String())
			parsed.Output = output.String()
			parsed.ExitCode = proc.ExitCode()
			parsed.Success = err == nil
			if err != nil {
				parsed.Error = err.Error()
			}
			settle(parsed)
			break loop
		}
	}

	if chunksOpen {
		go func() {
			for range chunks {
			}
		}()
	}
	// If we settled via a timer fire, Wait() hasn't necessarily returned yet
	// (it will shortly, once Kill takes effect) — drain it in the
	// background so that goroutine can exit; done is buffered so this never
	// blocks the sender.
	if !doneConsumed {
		go func() { <-done }()
	}

	// Wall-clock duration, unless the agent's own reported duration already
	// filled the field in.
	if result.DurationMs == 0 {
		result.DurationMs = time.Since(start).Milliseconds()
	}
	return result
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
