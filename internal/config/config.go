// Package config loads the orchestrator's environment-driven configuration:
// defaults first, environment overrides second, struct validation last.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full set of environment-tunable settings. All fields have
// safe defaults; a missing secret only becomes an error when the
// integration that needs it is actually exercised.
type Config struct {
	Port     string `validate:"required"`
	DBPath   string `validate:"required"`
	RepoRoot string `validate:"required"`

	WorktreeDir string `validate:"required"`
	MainBranch  string `validate:"required"`
	BareRepo    string

	RepoOwner string `validate:"required"`
	RepoName  string `validate:"required"`

	QueueConcurrency map[string]int `validate:"required"`
	MaxRetries       int            `validate:"gte=0"`

	DesignOutputBasePath string `validate:"required"`

	AgentTimeoutMs   time.Duration `validate:"gt=0"`
	AgentHeartbeatMs time.Duration `validate:"gt=0"`

	PollingInterval time.Duration `validate:"gt=0"`

	Verbose bool

	// Secrets/tokens for external systems. Empty is valid; the client that
	// needs one surfaces its own error lazily, on first use.
	GitHubToken        string
	GitHubWebhookSecret string
	SlackToken          string
	SlackSigningSecret   string
	DocStoreBaseURL      string
	DocStoreToken        string
	IssueTrackerBaseURL  string
	IssueTrackerToken    string
}

// Default returns the baseline configuration before environment overrides.
func Default() Config {
	return Config{
		Port:                 "8080",
		DBPath:               "conductor.db",
		RepoRoot:             ".",
		WorktreeDir:          ".worktrees",
		MainBranch:           "main",
		RepoOwner:            "forgeflow",
		RepoName:             "conductor-target",
		QueueConcurrency:     map[string]int{"architect": 2, "code-writer": 3, "reviewer": 2, "orchestrator": 1},
		MaxRetries:           10,
		DesignOutputBasePath: "designs",
		AgentTimeoutMs:       time.Hour,
		AgentHeartbeatMs:     10 * time.Minute,
		PollingInterval:      60 * time.Second,
		Verbose:              true,
	}
}

// Load builds a Config from Default() overridden by environment variables,
// then validates it.
func Load() (Config, error) {
	cfg := Default()

	cfg.Port = envString("CONDUCTOR_PORT", cfg.Port)
	cfg.DBPath = envString("CONDUCTOR_DB_PATH", cfg.DBPath)
	cfg.RepoRoot = envString("CONDUCTOR_REPO_ROOT", cfg.RepoRoot)
	cfg.WorktreeDir = envString("CONDUCTOR_WORKTREE_DIR", cfg.WorktreeDir)
	cfg.MainBranch = envString("CONDUCTOR_MAIN_BRANCH", cfg.MainBranch)
	cfg.BareRepo = envString("CONDUCTOR_BARE_REPO", cfg.BareRepo)
	cfg.RepoOwner = envString("CONDUCTOR_REPO_OWNER", cfg.RepoOwner)
	cfg.RepoName = envString("CONDUCTOR_REPO_NAME", cfg.RepoName)
	cfg.DesignOutputBasePath = envString("CONDUCTOR_DESIGN_OUTPUT_PATH", cfg.DesignOutputBasePath)

	cfg.MaxRetries = envInt("CONDUCTOR_MAX_RETRIES", cfg.MaxRetries)
	cfg.AgentTimeoutMs = envDurationMs("CONDUCTOR_AGENT_TIMEOUT_MS", cfg.AgentTimeoutMs)
	cfg.AgentHeartbeatMs = envDurationMs("CONDUCTOR_AGENT_HEARTBEAT_MS", cfg.AgentHeartbeatMs)
	cfg.PollingInterval = envDurationMs("CONDUCTOR_POLL_INTERVAL_MS", cfg.PollingInterval)
	cfg.Verbose = envBool("CONDUCTOR_VERBOSE", cfg.Verbose)

	for name, envKey := range map[string]string{
		"architect":    "CONDUCTOR_QUEUE_ARCHITECT_CONCURRENCY",
		"code-writer":  "CONDUCTOR_QUEUE_CODE_WRITER_CONCURRENCY",
		"reviewer":     "CONDUCTOR_QUEUE_REVIEWER_CONCURRENCY",
		"orchestrator": "CONDUCTOR_QUEUE_ORCHESTRATOR_CONCURRENCY",
	} {
		cfg.QueueConcurrency[name] = envInt(envKey, cfg.QueueConcurrency[name])
	}

	cfg.GitHubToken = os.Getenv("CONDUCTOR_GITHUB_TOKEN")
	cfg.GitHubWebhookSecret = os.Getenv("CONDUCTOR_GITHUB_WEBHOOK_SECRET")
	cfg.SlackToken = os.Getenv("CONDUCTOR_SLACK_TOKEN")
	cfg.SlackSigningSecret = os.Getenv("CONDUCTOR_SLACK_SIGNING_SECRET")
	cfg.DocStoreBaseURL = os.Getenv("CONDUCTOR_DOCSTORE_BASE_URL")
	cfg.DocStoreToken = os.Getenv("CONDUCTOR_DOCSTORE_TOKEN")
	cfg.IssueTrackerBaseURL = os.Getenv("CONDUCTOR_ISSUETRACKER_BASE_URL")
	cfg.IssueTrackerToken = os.Getenv("CONDUCTOR_ISSUETRACKER_TOKEN")

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
