// Package agentworker binds the architect, code-writer, and reviewer queues
// to supervised agent subprocess runs. A worker consumes one task:requested
// event, runs the matching agent under the supervisor, persists whatever the
// agent produced under the design's output directory, and reports back to
// the orchestrator queue with an agent:completed event. All interpretation
// of the outcome (retry, publish, fan out) happens there, not here.
package agentworker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/forgeflow/conductor/internal/events"
	"github.com/forgeflow/conductor/internal/queue"
	"github.com/forgeflow/conductor/internal/store"
	"github.com/forgeflow/conductor/internal/supervisor"
	"github.com/forgeflow/conductor/internal/worktree"
)

// titleCaser renders agent names for prompt headers ("architect" -> "Architect").
var titleCaser = cases.Title(language.English)

// Runner turns queued agent jobs into supervised subprocess runs.
type Runner struct {
	Designs *store.DesignRepo
	Sup     *supervisor.Supervisor
	Queues  *queue.Manager

	// BasePath is the root of the /designs/{designId}/... output tree.
	BasePath string

	Heartbeat time.Duration
	Timeout   time.Duration

	// WorktreeRuns isolates code-writer runs in fresh git worktrees.
	WorktreeRuns bool

	Log logr.Logger
}

// Worker returns the WorkerFunc bound to the named agent queue. The queue
// name is only used for logging; the event itself carries the agent and
// task type to run.
func (r *Runner) Worker(queueName string) queue.WorkerFunc {
	log := r.Log.WithValues("queue", queueName)
	return func(ctx context.Context, ev events.Event) error {
		if ev.Kind != events.KindTaskRequested {
			log.Info("agent queue received non-task event, dropping", "kind", ev.Kind)
			return nil
		}
		return r.run(ctx, ev, log)
	}
}

func (r *Runner) run(ctx context.Context, ev events.Event, log logr.Logger) error {
	// Chat intake: a task:requested event straight from the webhook has no
	// design yet. Create it here, before the agent starts, so the ack the
	// user sees refers to a durable record.
	if ev.DesignID == "" {
		ev.DesignID = newDesignID()
		if err := r.Designs.Create(&store.Design{
			ID:          ev.DesignID,
			Description: ev.Message,
		}); err != nil {
			return fmt.Errorf("agentworker: create design: %w", err)
		}
		if ev.Ack != nil {
			if err := ev.Ack("Got it — starting design"); err != nil {
				log.Error(err, "failed to ack intake message")
			}
		}
	}

	cfg := supervisor.RunConfig{
		AgentName:   ev.AgentName,
		Prompt:      r.buildPrompt(ev),
		HeartbeatMs: r.Heartbeat,
		TimeoutMs:   r.Timeout,
	}
	if r.WorktreeRuns && ev.AgentName == "code_writer" {
		cfg.Worktree = true
		cfg.IssueKey = ev.IssueKey
		cfg.BranchName = worktree.BranchFor(ev.IssueKey, ev.FeatureSlug)
		ev.Branch = cfg.BranchName
	} else {
		dir, err := r.ensureDesignDir(ev)
		if err != nil {
			return err
		}
		cfg.WorkDir = dir
	}

	res, err := r.Sup.Run(ctx, cfg)
	if err != nil {
		log.Error(err, "agent run aborted", "agent", ev.AgentName, "task", ev.TaskType)
		return r.reportCompletion(ev, supervisor.Result{Success: false, Error: err.Error()}, "")
	}

	outputPath, err := r.persistOutput(ev, res)
	if err != nil {
		log.Error(err, "failed to persist agent output", "agent", ev.AgentName, "task", ev.TaskType)
		res.Success = false
	}
	return r.reportCompletion(ev, res, outputPath)
}

// reportCompletion pushes the agent:completed event the route map consumes.
// Only paths and scalars cross the queue, never file content.
func (r *Runner) reportCompletion(ev events.Event, res supervisor.Result, outputPath string) error {
	done := ev
	done.Kind = events.KindAgentCompleted
	done.Source = events.SourceInternal
	done.Success = res.Success
	// A run that produced no file of its own (a review pass) keeps the
	// OutputPath it arrived with, so downstream handlers can still reach
	// the artifact under review.
	if outputPath != "" {
		done.OutputPath = outputPath
	}
	if res.Error != "" {
		done.Message = res.Error
	}
	done.OccurredAt = time.Now().UTC()
	return r.Queues.Push(queue.NameOrchestrator, done)
}

// buildPrompt assembles the agent's stdin. Human comments are appended one
// per line after the task body, in their original order.
func (r *Runner) buildPrompt(ev events.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the %s agent.\n", titleCaser.String(strings.ReplaceAll(ev.AgentName, "_", " ")))
	fmt.Fprintf(&sb, "Task: %s\n", ev.TaskType)
	if ev.Message != "" {
		sb.WriteString("\n")
		sb.WriteString(ev.Message)
		sb.WriteString("\n")
	}
	if len(ev.Comments) > 0 {
		sb.WriteString("\nFeedback to address:\n")
		for _, c := range ev.Comments {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	return sb.String()
}

// persistOutput writes the agent's result text to its slot in the design
// output tree and returns the path. Review runs produce no file: their
// verdict is the success flag itself.
func (r *Runner) persistOutput(ev events.Event, res supervisor.Result) (string, error) {
	if ev.AgentName == "reviewer" || res.ResultText == "" {
		return "", nil
	}
	path, err := r.outputPath(ev)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("agentworker: create output dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(res.ResultText), 0o644); err != nil {
		return "", fmt.Errorf("agentworker: write output: %w", err)
	}
	return path, nil
}

// outputPath maps a task onto the /designs/{designId}/... layout. Design
// revisions get numbered design_doc.rN.md names; implementation output is
// keyed by issue, with the foundation task under its own directory so
// parallel feature work never collides.
func (r *Runner) outputPath(ev events.Event) (string, error) {
	designDir := filepath.Join(r.BasePath, ev.DesignID)
	switch ev.TaskType {
	case "design":
		return filepath.Join(designDir, "design", "design_doc.md"), nil
	case "feedback":
		n, err := nextRevision(filepath.Join(designDir, "design"))
		if err != nil {
			return "", err
		}
		return filepath.Join(designDir, "design", fmt.Sprintf("design_doc.r%d.md", n)), nil
	default:
		sub := "features"
		if ev.FeatureSlug == "foundation" {
			sub = "foundation"
		}
		return filepath.Join(designDir, "implementation", sub, ev.IssueKey, "result.md"), nil
	}
}

// nextRevision counts existing design_doc.rN.md files so revision numbers
// survive process restarts without a counter in the store.
func nextRevision(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "design_doc.r*.md"))
	if err != nil {
		return 0, fmt.Errorf("agentworker: scan revisions: %w", err)
	}
	return len(matches) + 1, nil
}

func (r *Runner) ensureDesignDir(ev events.Event) (string, error) {
	dir := filepath.Join(r.BasePath, ev.DesignID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("agentworker: create design dir: %w", err)
	}
	return dir, nil
}

func newDesignID() string {
	return uuid.NewString()[:8]
}
