// Package routemap is the orchestrator's brain: it consults a table keyed
// by (agentName, taskType) to decide what an agent's completion means for
// the pipeline, and separately handles the external events (page
// approvals, CI results, PR reviews) that advance a design's state machine.
// One switch, one case per known key; unknown keys log and return.
package routemap

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-logr/logr"

	"github.com/forgeflow/conductor/internal/chatclient"
	"github.com/forgeflow/conductor/internal/classifier"
	"github.com/forgeflow/conductor/internal/dispatch"
	"github.com/forgeflow/conductor/internal/docstore"
	"github.com/forgeflow/conductor/internal/events"
	"github.com/forgeflow/conductor/internal/issuetracker"
	"github.com/forgeflow/conductor/internal/planparser"
	"github.com/forgeflow/conductor/internal/queue"
	"github.com/forgeflow/conductor/internal/scmclient"
	"github.com/forgeflow/conductor/internal/store"
)

// AgentKind identifies which agent produced a completion.
type AgentKind string

const (
	AgentArchitect  AgentKind = "architect"
	AgentCodeWriter AgentKind = "code_writer"
	AgentReviewer   AgentKind = "reviewer"
)

// TaskKind identifies what an agent was asked to do.
type TaskKind string

const (
	TaskDesign         TaskKind = "design"
	TaskFeedback       TaskKind = "feedback"
	TaskReview         TaskKind = "review"
	TaskImplementation TaskKind = "implementation"
	TaskCIFix          TaskKind = "ci_fix"
	TaskReviewFix      TaskKind = "review_fix"
	TaskHumanFeedback  TaskKind = "human_feedback"
)

// Deps bundles everything route-map actions need to run. It is assembled
// once at startup and closed over by every registered handler.
type Deps struct {
	Designs *store.DesignRepo
	Outputs *store.DesignOutputRepo
	PRs     *store.PRStateRepo

	Queues *queue.Manager

	SCM    scmclient.Client
	Chat   chatclient.Client
	Docs   docstore.Client
	Issues issuetracker.Client

	Plans planparser.Parser

	RepoOwner string
	RepoName  string

	MaxReviewAttempts int
	MaxCIAttempts     int

	Log logr.Logger
}

func (d *Deps) maxReviewAttempts() int {
	if d.MaxReviewAttempts <= 0 {
		return 10
	}
	return d.MaxReviewAttempts
}

func (d *Deps) maxCIAttempts() int {
	if d.MaxCIAttempts <= 0 {
		return 10
	}
	return d.MaxCIAttempts
}

// RouteAgentCompleted is the (agentName, taskType) -> action table. Unknown
// pairs are logged and dropped, never treated as an error — an agent
// reporting a task type the route map doesn't recognise is an upstream
// misconfiguration, not a crash.
func (d *Deps) RouteAgentCompleted(ctx context.Context, ev events.Event) error {
	key := AgentKind(ev.AgentName)
	task := TaskKind(ev.TaskType)

	switch {
	case key == AgentArchitect && task == TaskDesign:
		return d.architectDesign(ctx, ev)
	case key == AgentArchitect && task == TaskFeedback:
		return d.architectFeedback(ctx, ev)
	case key == AgentReviewer && task == TaskReview:
		return d.reviewCompleted(ctx, ev)
	case key == AgentCodeWriter && task == TaskImplementation:
		return d.codeWriterImplementation(ctx, ev)
	case key == AgentCodeWriter && task == TaskCIFix:
		return d.codeWriterCIFix(ctx, ev)
	case key == AgentCodeWriter && task == TaskReviewFix:
		return d.codeWriterReviewFix(ctx, ev)
	case key == AgentCodeWriter && task == TaskHumanFeedback:
		return d.codeWriterHumanFeedback(ctx, ev)
	default:
		d.Log.Info("no route for agent/task pair, dropping", "agent", ev.AgentName, "task", ev.TaskType)
		return nil
	}
}

// architectDesign persists the design doc output and enqueues review.
func (d *Deps) architectDesign(ctx context.Context, ev events.Event) error {
	if err := d.Outputs.Put(ev.DesignID, "design_doc", outputPath(ev)); err != nil {
		return fmt.Errorf("routemap: persist design_doc output: %w", err)
	}
	return d.enqueueReview(ev)
}

// architectFeedback appends a numbered revision output and re-enqueues review.
func (d *Deps) architectFeedback(ctx context.Context, ev events.Event) error {
	design, err := d.Designs.Get(ev.DesignID)
	if err != nil {
		return fmt.Errorf("routemap: get design: %w", err)
	}
	key := fmt.Sprintf("design_doc.r%d", design.ReviewAttempts+1)
	if err := d.Outputs.Put(ev.DesignID, key, outputPath(ev)); err != nil {
		return fmt.Errorf("routemap: persist revision output: %w", err)
	}
	// The bare design_doc key always tracks the newest revision; stages
	// that fire after approval read it without hunting for the highest rN.
	if err := d.Outputs.Put(ev.DesignID, "design_doc", outputPath(ev)); err != nil {
		return fmt.Errorf("routemap: update design_doc pointer: %w", err)
	}
	return d.enqueueReview(ev)
}

func (d *Deps) enqueueReview(ev events.Event) error {
	reviewEv := ev
	reviewEv.Kind = events.KindTaskRequested
	reviewEv.AgentName = string(AgentReviewer)
	reviewEv.TaskType = string(TaskReview)
	return d.Queues.Push(queue.NameReviewer, reviewEv)
}

// reviewCompleted handles the reviewer agent's own completion: on pass,
// publish or update the document-store page and notify chat; on fail,
// bump the design's review-attempt counter and either loop back to
// architect feedback or fail the design once the cap is exceeded.
func (d *Deps) reviewCompleted(ctx context.Context, ev events.Event) error {
	design, err := d.Designs.Get(ev.DesignID)
	if err != nil {
		return fmt.Errorf("routemap: get design: %w", err)
	}

	if !ev.Success {
		if err := d.Designs.IncrementReviewAttempts(design.ID); err != nil {
			return fmt.Errorf("routemap: increment review attempts: %w", err)
		}
		if design.ReviewAttempts+1 >= d.maxReviewAttempts() {
			if err := d.Designs.UpdateStatus(design.ID, store.DesignStatusFailed); err != nil {
				return fmt.Errorf("routemap: fail design: %w", err)
			}
			return d.notify(ctx, ev, fmt.Sprintf("design %s failed after %d review attempts", design.ID, d.maxReviewAttempts()))
		}
		feedbackEv := ev
		feedbackEv.Kind = events.KindTaskRequested
		feedbackEv.AgentName = string(AgentArchitect)
		feedbackEv.TaskType = string(TaskFeedback)
		return d.Queues.Push(queue.NameArchitect, feedbackEv)
	}

	title := pageTitle(design)
	page, err := d.Docs.FindPage(ctx, title)
	if err != nil {
		return fmt.Errorf("routemap: find page: %w", err)
	}
	body, err := pageBody(ev)
	if err != nil {
		return fmt.Errorf("routemap: read design doc: %w", err)
	}
	if page == nil {
		page, err = d.Docs.CreatePage(ctx, title, body)
		if err != nil {
			return fmt.Errorf("routemap: create page: %w", err)
		}
	} else {
		page, err = d.Docs.UpdatePage(ctx, page.ID, body)
		if err != nil {
			return fmt.Errorf("routemap: update page: %w", err)
		}
	}
	if err := d.Docs.SetContentState(ctx, page.ID, "In Review"); err != nil {
		return fmt.Errorf("routemap: set page state: %w", err)
	}
	if err := d.Designs.SetPageID(design.ID, page.ID); err != nil {
		return fmt.Errorf("routemap: set design page id: %w", err)
	}
	return d.notify(ctx, ev, fmt.Sprintf("design %s is ready for review: %s", design.ID, title))
}

// codeWriterImplementation verifies a PR exists for the branch a code-writer
// agent pushed, creating a PRState if this is the first time we've seen it.
func (d *Deps) codeWriterImplementation(ctx context.Context, ev events.Event) error {
	pr, err := d.SCM.FindPR(ctx, d.RepoOwner, d.RepoName, ev.Branch)
	if err != nil {
		return fmt.Errorf("routemap: find pr: %w", err)
	}
	if pr == nil {
		d.Log.Info("no pr found yet for branch, will retry on next event", "branch", ev.Branch)
		return nil
	}

	existing, err := d.PRs.GetByPR(pr.GetNumber())
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("routemap: get pr state: %w", err)
	}
	if existing == nil {
		if err := d.PRs.Create(&store.PRState{
			PRNumber: pr.GetNumber(),
			DesignID: ev.DesignID,
			Stage:    store.PRStageImplementation,
			IssueKey: issueKeyFromBranch(ev.Branch),
		}); err != nil {
			return fmt.Errorf("routemap: create pr state: %w", err)
		}
	}
	return nil
}

// codeWriterCIFix bumps the CI attempt counter after a fix attempt, failing
// the PR once the cap is exhausted.
func (d *Deps) codeWriterCIFix(ctx context.Context, ev events.Event) error {
	pr, err := d.PRs.GetByPR(ev.PRNumber)
	if err != nil {
		return fmt.Errorf("routemap: get pr state: %w", err)
	}
	if err := d.PRs.IncrementCIAttempts(pr.PRNumber); err != nil {
		return fmt.Errorf("routemap: increment ci attempts: %w", err)
	}
	if pr.CIAttempts+1 >= d.maxCIAttempts() {
		if err := d.PRs.UpdateStage(pr.PRNumber, store.PRStageFailed); err != nil {
			return fmt.Errorf("routemap: fail pr: %w", err)
		}
		return d.notify(ctx, ev, fmt.Sprintf("pr #%d failed after %d CI fix attempts", pr.PRNumber, d.maxCIAttempts()))
	}
	return nil
}

// codeWriterReviewFix re-enqueues a reviewer re-run after a fix attempt.
func (d *Deps) codeWriterReviewFix(ctx context.Context, ev events.Event) error {
	return d.enqueueReview(ev)
}

// codeWriterHumanFeedback re-enqueues a reviewer re-run carrying the
// incoming human comments for the agent's next pass.
func (d *Deps) codeWriterHumanFeedback(ctx context.Context, ev events.Event) error {
	return d.enqueueReview(ev)
}

func (d *Deps) notify(ctx context.Context, ev events.Event, text string) error {
	if ev.Ack != nil {
		return ev.Ack(text)
	}
	if d.Chat == nil {
		return nil
	}
	return d.Chat.Send(ctx, ev.SenderID, "", text)
}

func outputPath(ev events.Event) string {
	return ev.OutputPath
}

func pageTitle(d *store.Design) string {
	return fmt.Sprintf("[%s] %s", d.ID, d.Description)
}

// pageBody loads the reviewed design doc from its output path. Events carry
// paths, never file content, so the read happens here at publish time.
func pageBody(ev events.Event) (string, error) {
	if ev.OutputPath == "" {
		return "", nil
	}
	b, err := os.ReadFile(ev.OutputPath)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func issueKeyFromBranch(branch string) string {
	parts := strings.Split(branch, "/")
	if len(parts) < 2 {
		return ""
	}
	segs := strings.SplitN(parts[len(parts)-1], "-", 3)
	if len(segs) < 2 {
		return ""
	}
	return strings.ToUpper(segs[0] + "-" + segs[1])
}

// OrchestratorWorker builds the queue.WorkerFunc bound to the orchestrator
// queue: the single serialised point where every external event and every
// agent completion is turned into a state transition.
func OrchestratorWorker(d *Deps) queue.WorkerFunc {
	return func(ctx context.Context, ev events.Event) error {
		switch ev.Kind {
		case events.KindAgentCompleted:
			return d.RouteAgentCompleted(ctx, ev)
		case events.KindPageApproved:
			return d.handlePageApproved(ctx, ev)
		case events.KindPageComment:
			return d.handlePageComment(ctx, ev)
		case events.KindStageCompleted:
			return d.handleStageCompleted(ctx, ev)
		case events.KindCIFailed:
			return d.handleCIFailed(ctx, ev)
		case events.KindCIPassed:
			return d.handleCIPassed(ctx, ev)
		case events.KindPRChangesRequested, events.KindPRComment:
			return d.handleHumanFeedback(ctx, ev)
		case events.KindPRApproved:
			return d.handlePRApproved(ctx, ev)
		case events.KindPRMerged:
			return nil
		default:
			d.Log.Info("orchestrator worker received unroutable event kind", "kind", ev.Kind)
			return nil
		}
	}
}

// handlePageApproved transitions a design to implementation and emits a
// stage:completed event for the plan-parsing handler to pick up.
func (d *Deps) handlePageApproved(ctx context.Context, ev events.Event) error {
	design, err := d.Designs.Get(ev.DesignID)
	if err != nil {
		return fmt.Errorf("routemap: get design: %w", err)
	}
	if err := d.Designs.UpdateStage(design.ID, store.DesignStageImplementation); err != nil {
		return fmt.Errorf("routemap: advance design stage: %w", err)
	}
	if err := d.Designs.UpdateStatus(design.ID, store.DesignStatusApproved); err != nil {
		return fmt.Errorf("routemap: approve design: %w", err)
	}
	completedEv := ev
	completedEv.Kind = events.KindStageCompleted
	completedEv.TaskType = string(store.DesignStageImplementation)
	return d.Queues.Push(queue.NameOrchestrator, completedEv)
}

// handlePageComment forwards reviewer comments on the published design doc
// to the architect as a feedback task, the document-side mirror of the
// pr:comment to code-writer path. Comments on a design that already left
// the design stage are dropped: the doc is frozen once implementation
// starts.
func (d *Deps) handlePageComment(ctx context.Context, ev events.Event) error {
	design, err := d.Designs.Get(ev.DesignID)
	if err != nil {
		return fmt.Errorf("routemap: get design: %w", err)
	}
	if design.Stage != store.DesignStageDesign {
		d.Log.Info("ignoring page comment on design past the design stage", "design", design.ID, "stage", design.Stage)
		return nil
	}
	comments := ev.Comments
	if len(comments) == 0 && ev.Message != "" {
		comments = []string{ev.Message}
	}
	return d.Queues.Push(queue.NameArchitect, events.Event{
		Kind:      events.KindTaskRequested,
		DesignID:  design.ID,
		AgentName: string(AgentArchitect),
		TaskType:  string(TaskFeedback),
		PageID:    ev.PageID,
		Comments:  comments,
	})
}

// handleStageCompleted parses the approved plan and creates the parent and
// sub-task issues, fanning out a code-writer job per feature (or enqueueing
// the foundation task alone, if the plan has one).
func (d *Deps) handleStageCompleted(ctx context.Context, ev events.Event) error {
	if ev.TaskType != string(store.DesignStageImplementation) {
		return nil
	}
	design, err := d.Designs.Get(ev.DesignID)
	if err != nil {
		return fmt.Errorf("routemap: get design: %w", err)
	}
	output, err := d.Outputs.Get(design.ID, "design_doc")
	if err != nil {
		return fmt.Errorf("routemap: get design_doc output: %w", err)
	}

	plan, err := d.Plans.ParseFile(output.Path)
	if err != nil {
		return fmt.Errorf("routemap: parse plan: %w", err)
	}

	parent, err := d.Issues.CreateIssue(ctx, d.RepoOwner, d.RepoName, design.Description, "Design: "+design.ID)
	if err != nil {
		return fmt.Errorf("routemap: create parent issue: %w", err)
	}
	if err := d.Designs.SetParentKey(design.ID, fmt.Sprintf("%d", parent.GetNumber())); err != nil {
		return fmt.Errorf("routemap: set parent key: %w", err)
	}

	if plan.Foundation != nil {
		return d.fanOutFeature(ctx, design, parent.GetNumber(), *plan.Foundation, "foundation")
	}
	for _, feature := range plan.Features {
		if err := d.fanOutFeature(ctx, design, parent.GetNumber(), feature, slugify(feature.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deps) fanOutFeature(ctx context.Context, design *store.Design, parentNumber int, feature planparser.Feature, slug string) error {
	sub, err := d.Issues.CreateSubTask(ctx, d.RepoOwner, d.RepoName, parentNumber, feature.Name, strings.Join(feature.Tasks, "\n"))
	if err != nil {
		return fmt.Errorf("routemap: create sub-task %q: %w", feature.Name, err)
	}
	issueKey := fmt.Sprintf("%s-%d", strings.ToUpper(d.RepoName[:min(3, len(d.RepoName))]), sub.GetNumber())
	return d.Queues.Push(queue.NameCodeWriter, events.Event{
		Kind:        events.KindTaskRequested,
		DesignID:    design.ID,
		AgentName:   string(AgentCodeWriter),
		TaskType:    string(TaskImplementation),
		IssueKey:    issueKey,
		FeatureSlug: slug,
		Message:     fmt.Sprintf("issue #%d: %s", sub.GetNumber(), feature.Name),
	})
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns a feature name into a filesystem- and branch-safe slug.
func slugify(name string) string {
	s := slugUnsafe.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// handleCIFailed triages a check-run failure and, when the classifier says
// it's retryable (agent-fixable, flaky or transient), enqueues a code-writer
// fix job.
func (d *Deps) handleCIFailed(ctx context.Context, ev events.Event) error {
	logs, err := d.SCM.GetCheckRunLogs(ctx, d.RepoOwner, d.RepoName, ev.CheckRunID)
	if err != nil {
		return fmt.Errorf("routemap: get check run logs: %w", err)
	}
	verdict := classifier.Classify(logs)

	pr, err := d.PRs.GetByPR(ev.PRNumber)
	if err != nil {
		return fmt.Errorf("routemap: get pr state: %w", err)
	}
	if err := d.PRs.UpdateCIStatus(pr.PRNumber, store.CheckStatusFailing); err != nil {
		return fmt.Errorf("routemap: update ci status: %w", err)
	}
	if !verdict.Retryable() {
		return d.notify(ctx, ev, fmt.Sprintf("pr #%d CI failed (%s): %s", pr.PRNumber, verdict.Category, verdict.Reason))
	}
	return d.Queues.Push(queue.NameCodeWriter, events.Event{
		Kind:      events.KindTaskRequested,
		DesignID:  pr.DesignID,
		PRNumber:  pr.PRNumber,
		AgentName: string(AgentCodeWriter),
		TaskType:  string(TaskCIFix),
		Message:   logs,
	})
}

// handleCIPassed updates CI status and checks whether the PR is now ready
// for a human to look at (CI passing and review passing).
func (d *Deps) handleCIPassed(ctx context.Context, ev events.Event) error {
	pr, err := d.PRs.GetByPR(ev.PRNumber)
	if err != nil {
		return fmt.Errorf("routemap: get pr state: %w", err)
	}
	if err := d.PRs.UpdateCIStatus(pr.PRNumber, store.CheckStatusPassing); err != nil {
		return fmt.Errorf("routemap: update ci status: %w", err)
	}
	ready, err := d.PRs.CheckReadyForHuman(pr.PRNumber)
	if err != nil {
		return fmt.Errorf("routemap: check ready for human: %w", err)
	}
	if ready {
		return d.notify(ctx, ev, fmt.Sprintf("pr #%d is ready for human review", pr.PRNumber))
	}
	return nil
}

// handleHumanFeedback enqueues a code-writer human-feedback job carrying
// the aggregated review comments.
func (d *Deps) handleHumanFeedback(ctx context.Context, ev events.Event) error {
	pr, err := d.PRs.GetByPR(ev.PRNumber)
	if err != nil {
		return fmt.Errorf("routemap: get pr state: %w", err)
	}
	if err := d.PRs.UpdateReviewStatus(pr.PRNumber, store.CheckStatusFailing); err != nil {
		return fmt.Errorf("routemap: update review status: %w", err)
	}
	return d.Queues.Push(queue.NameCodeWriter, events.Event{
		Kind:      events.KindTaskRequested,
		DesignID:  pr.DesignID,
		PRNumber:  pr.PRNumber,
		AgentName: string(AgentCodeWriter),
		TaskType:  string(TaskHumanFeedback),
		Comments:  ev.Comments,
	})
}

// handlePRApproved squash-merges the PR, marks its sub-task done, and if
// every sibling PR under the design has merged, marks the parent done too.
func (d *Deps) handlePRApproved(ctx context.Context, ev events.Event) error {
	pr, err := d.PRs.GetByPR(ev.PRNumber)
	if err != nil {
		return fmt.Errorf("routemap: get pr state: %w", err)
	}
	if err := d.PRs.UpdateReviewStatus(pr.PRNumber, store.CheckStatusPassing); err != nil {
		return fmt.Errorf("routemap: update review status: %w", err)
	}

	if err := d.SCM.MergePR(ctx, d.RepoOwner, d.RepoName, pr.PRNumber, fmt.Sprintf("Merge PR #%d", pr.PRNumber)); err != nil {
		return fmt.Errorf("routemap: merge pr: %w", err)
	}
	if err := d.PRs.UpdateStage(pr.PRNumber, store.PRStageMerged); err != nil {
		return fmt.Errorf("routemap: mark pr merged: %w", err)
	}

	if pr.IssueKey != "" {
		if n, ok := issueNumber(pr.IssueKey); ok {
			if err := d.Issues.Transition(ctx, d.RepoOwner, d.RepoName, n, "closed"); err != nil {
				return fmt.Errorf("routemap: transition sub-task: %w", err)
			}
		}
	}

	allMerged, err := d.PRs.CheckAllSiblingsMerged(pr.DesignID)
	if err != nil {
		return fmt.Errorf("routemap: check siblings merged: %w", err)
	}
	if !allMerged {
		return nil
	}

	design, err := d.Designs.Get(pr.DesignID)
	if err != nil {
		return fmt.Errorf("routemap: get design: %w", err)
	}
	if design.ParentKey != "" {
		if n, ok := issueNumber(design.ParentKey); ok {
			if err := d.Issues.Transition(ctx, d.RepoOwner, d.RepoName, n, "closed"); err != nil {
				return fmt.Errorf("routemap: transition parent issue: %w", err)
			}
		}
	}
	return d.Designs.UpdateStage(design.ID, store.DesignStageComplete)
}

func issueNumber(key string) (int, bool) {
	// Sub-task keys are "<PREFIX>-<issue number>"; parent keys are bare numbers.
	if i := strings.LastIndex(key, "-"); i >= 0 {
		key = key[i+1:]
	}
	var n int
	if _, err := fmt.Sscanf(key, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// Handlers builds the dispatch.Handler set for every event kind the
// orchestrator brain understands. task:requested jobs for the architect
// bypass the orchestrator queue and go straight to the architect queue,
// since they are fresh work, not a route decision.
func Handlers() []dispatch.Handler {
	toOrchestrator := func(name string, kind events.Kind) dispatch.Handler {
		return dispatch.Handler{
			Name:  name,
			Match: func(ev events.Event) bool { return ev.Kind == kind },
			Queue: queue.NameOrchestrator,
		}
	}
	return []dispatch.Handler{
		{
			Name:  "task-requested-to-architect",
			Match: func(ev events.Event) bool { return ev.Kind == events.KindTaskRequested },
			Queue: queue.NameArchitect,
		},
		toOrchestrator("agent-completed", events.KindAgentCompleted),
		toOrchestrator("page-approved", events.KindPageApproved),
		toOrchestrator("page-comment", events.KindPageComment),
		toOrchestrator("stage-completed", events.KindStageCompleted),
		toOrchestrator("ci-failed", events.KindCIFailed),
		toOrchestrator("ci-passed", events.KindCIPassed),
		toOrchestrator("pr-changes-requested", events.KindPRChangesRequested),
		toOrchestrator("pr-comment", events.KindPRComment),
		toOrchestrator("pr-approved", events.KindPRApproved),
		toOrchestrator("pr-merged", events.KindPRMerged),
	}
}
