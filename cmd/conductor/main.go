// Conductor drives a multi-agent software-engineering pipeline: chat intake
// feeds a design/review loop against a document store, approved designs fan
// out into implementation PRs, and supervised subprocess agents produce the
// artifacts at every step.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/forgeflow/conductor/internal/agentworker"
	"github.com/forgeflow/conductor/internal/chatclient"
	"github.com/forgeflow/conductor/internal/config"
	"github.com/forgeflow/conductor/internal/dispatch"
	"github.com/forgeflow/conductor/internal/docstore"
	"github.com/forgeflow/conductor/internal/events"
	"github.com/forgeflow/conductor/internal/httpapi"
	slacksource "github.com/forgeflow/conductor/internal/httpapi/slack"
	"github.com/forgeflow/conductor/internal/issuetracker"
	"github.com/forgeflow/conductor/internal/logging"
	"github.com/forgeflow/conductor/internal/planparser"
	"github.com/forgeflow/conductor/internal/pollbridge"
	"github.com/forgeflow/conductor/internal/queue"
	"github.com/forgeflow/conductor/internal/routemap"
	"github.com/forgeflow/conductor/internal/scmclient"
	"github.com/forgeflow/conductor/internal/store"
	"github.com/forgeflow/conductor/internal/supervisor"
	"github.com/forgeflow/conductor/internal/worktree"
)

// drainGrace bounds how long shutdown waits for in-flight jobs before the
// process exits anyway.
const drainGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Config{Verbose: cfg.Verbose, JSON: !cfg.Verbose})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	designs := store.NewDesignRepo(db)
	outputs := store.NewDesignOutputRepo(db)
	prs := store.NewPRStateRepo(db)

	wt := worktree.NewManager(cfg.RepoRoot, cfg.WorktreeDir, cfg.MainBranch)
	if cfg.BareRepo != "" {
		wt.SetBareRepo(cfg.BareRepo)
	}

	scm := scmclient.New(cfg.GitHubToken)
	chat := chatclient.New(cfg.SlackToken)
	docs := docstore.New(cfg.DocStoreBaseURL, cfg.DocStoreToken)
	issues := issuetracker.New(cfg.IssueTrackerToken)

	sup := supervisor.New(supervisor.NewExecSpawner(), wt, log)

	// The queue manager, route map, and agent runner form a cycle (workers
	// push follow-up jobs back through the manager), broken here by binding
	// the worker closures to variables assigned right after construction.
	var (
		deps   *routemap.Deps
		runner *agentworker.Runner
	)
	queues := queue.NewManager(cfg.QueueConcurrency, func(name string) queue.WorkerFunc {
		return func(ctx context.Context, ev events.Event) error {
			if name == queue.NameOrchestrator {
				return routemap.OrchestratorWorker(deps)(ctx, ev)
			}
			return runner.Worker(name)(ctx, ev)
		}
	}, log)
	defer queues.DestroyAll()

	deps = &routemap.Deps{
		Designs:           designs,
		Outputs:           outputs,
		PRs:               prs,
		Queues:            queues,
		SCM:               scm,
		Chat:              chat,
		Docs:              docs,
		Issues:            issues,
		Plans:             planparser.New(),
		RepoOwner:         cfg.RepoOwner,
		RepoName:          cfg.RepoName,
		MaxReviewAttempts: cfg.MaxRetries,
		MaxCIAttempts:     cfg.MaxRetries,
		Log:               log.WithName("routemap"),
	}
	runner = &agentworker.Runner{
		Designs:      designs,
		Sup:          sup,
		Queues:       queues,
		BasePath:     cfg.DesignOutputBasePath,
		Heartbeat:    cfg.AgentHeartbeatMs,
		Timeout:      cfg.AgentTimeoutMs,
		WorktreeRuns: true,
		Log:          log.WithName("agentworker"),
	}

	registry := dispatch.NewRegistry(log.WithName("dispatch"))
	for _, h := range routemap.Handlers() {
		registry.Add(h)
	}
	dispatcher := dispatch.NewDispatcher(registry, queues, log.WithName("dispatch"))

	api := httpapi.New(httpapi.Config{
		Dispatcher:   dispatcher,
		GitHubSecret: cfg.GitHubWebhookSecret,
		SlackSecret:  cfg.SlackSigningSecret,
		SlackParser:  slacksource.Parser{Chat: chat},
		Admin: &httpapi.Admin{
			Designs: designs,
			PRs:     prs,
			Queues:  queues,
			DB:      db,
		},
		Log: log.WithName("httpapi"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recoverOrphans(ctx, designs, wt, log)

	if cfg.DocStoreBaseURL != "" {
		bridge := pollbridge.New(pollbridge.NewDocStoreAdapter(docs), dispatcher, cfg.PollingInterval, log.WithName("pollbridge"))
		go bridge.Run(ctx)
	} else {
		log.Info("document store not configured, polling bridge disabled")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "http server shutdown failed")
	}

	// Drain: stop accepting new jobs, give in-flight ones a bounded grace
	// period, then exit regardless — supervised subprocesses die with us.
	queues.DestroyAll()
	drained := make(chan struct{})
	go func() {
		queues.WaitAll()
		close(drained)
	}()
	select {
	case <-drained:
		log.Info("queues drained cleanly")
	case <-time.After(drainGrace):
		log.Info("drain grace period expired, exiting with jobs in flight")
	}
	return nil
}

// recoverOrphans is the startup self-heal: worktrees left behind by a
// previous process are pruned, and designs that were mid-flight when the
// process died are surfaced so an operator can re-kick them via /trigger.
func recoverOrphans(ctx context.Context, designs *store.DesignRepo, wt *worktree.Manager, log logr.Logger) {
	if err := wt.PruneStale(ctx); err != nil {
		log.Error(err, "failed to prune stale worktrees")
	}
	running, err := designs.ListByStatus(store.DesignStatusRunning)
	if err != nil {
		log.Error(err, "failed to list running designs at startup")
		return
	}
	for _, d := range running {
		log.Info("design was mid-flight at last shutdown; re-kick with POST /trigger/{designId}",
			"design", d.ID, "stage", d.Stage)
	}
}
