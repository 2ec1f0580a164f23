// Package config loads the process configuration enumerated in spec.md §6.
package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// RetentionStrategy is WORKTREE_RETENTION_STRATEGY.
type RetentionStrategy string

const (
	RetentionAlwaysDelete  RetentionStrategy = "always_delete"
	RetentionKeepOnFailure RetentionStrategy = "keep_on_failure"
	RetentionKeepForHours  RetentionStrategy = "keep_for_hours"
)

// Config is the process-wide configuration, bound once at startup and passed
// by value/pointer to every component — no package-level env lookups below
// this point (per the design note in spec.md §9).
type Config struct {
	PrimaryTag    string `env:"PRIMARY_TAG,default=AI"`
	ProcessingTag string `env:"PROCESSING_TAG,default=AI-processing"`
	DoneTag       string `env:"DONE_TAG,default=AI-done"`
	PRLabel       string `env:"PR_LABEL,default=gitfix"`

	ModelLabelPattern string            `env:"MODEL_LABEL_PATTERN,default=^llm-claude-(.+)$"`
	DefaultModel      string            `env:"DEFAULT_MODEL,default=claude-sonnet-4"`
	ModelAliases      map[string]string `env:"MODEL_ALIASES,delimiter=,,separator=:"`
	ModelStartDelayMS int64             `env:"MODEL_START_DELAY_MS,default=15000"`

	ClonesBasePath    string `env:"CLONES_BASE_PATH,default=/var/lib/aifixd/clones"`
	WorktreesBasePath string `env:"WORKTREES_BASE_PATH,default=/var/lib/aifixd/worktrees"`

	DefaultBranch      string `env:"DEFAULT_BRANCH,default=main"`
	FallbackBranch     string `env:"FALLBACK_BRANCH,default=master"`
	ShallowCloneDepth  int    `env:"SHALLOW_CLONE_DEPTH,default=0"`

	WorktreeRetentionStrategy RetentionStrategy `env:"WORKTREE_RETENTION_STRATEGY,default=keep_on_failure"`
	WorktreeRetentionHours    int               `env:"WORKTREE_RETENTION_HOURS,default=24"`
	WorktreeMaxAgeHours       int               `env:"WORKTREE_MAX_AGE_HOURS,default=72"`

	ContainerImage     string        `env:"CONTAINER_IMAGE,default=ghcr.io/example/gitfix-runner:latest"`
	ContainerMaxTurns  int           `env:"CONTAINER_MAX_TURNS,default=40"`
	ContainerTimeout   time.Duration `env:"CONTAINER_TIMEOUT_MS,default=5m"`
	ConfigDirHostPath  string        `env:"CONFIG_DIR_HOST_PATH,default=/var/lib/aifixd/config"`
	ContainerRuntimeUID int          `env:"CONTAINER_RUNTIME_UID,default=1000"`

	RequeueBufferMS int `env:"REQUEUE_BUFFER_MS,default=60000"`
	RequeueJitterMS int `env:"REQUEUE_JITTER_MS,default=30000"`

	CostThresholdUSD float64 `env:"COST_THRESHOLD_USD,default=5.0"`

	BotUsername          string   `env:"BOT_USERNAME,default=gitfix-bot"`
	UserWhitelist         []string `env:"USER_WHITELIST,delimiter=,"`
	UserBlacklist         []string `env:"USER_BLACKLIST,delimiter=,"`
	PRFollowupTriggerKeywords []string `env:"PR_FOLLOWUP_TRIGGER_KEYWORDS,delimiter=,"`

	RedisURL       string        `env:"REDIS_URL,default=redis://127.0.0.1:6379/0"`
	PollInterval   time.Duration `env:"POLL_INTERVAL,default=1m"`
	WorkerConcurrency int        `env:"WORKER_CONCURRENCY,default=4"`
	StreamAPIAddr  string        `env:"STREAM_API_ADDR,default=:8080"`

	GitHubAppID               int64  `env:"GITHUB_APP_ID"`
	GitHubAppPrivateKeyPath   string `env:"GITHUB_APP_PRIVATE_KEY_PATH"`
	GitHubAppInstallationID   int64  `env:"GITHUB_APP_INSTALLATION_ID"`
	GitHubToken               string `env:"GITHUB_TOKEN"`

	Repositories []string `env:"REPOSITORIES,delimiter=,"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	StateRetention time.Duration `env:"STATE_RETENTION,default=168h"`
}

// ModelLabelRegexp compiles ModelLabelPattern. Callers should treat a
// compile failure as a startup-fatal configuration error.
func (c Config) ModelLabelRegexp() (*regexp.Regexp, error) {
	return regexp.Compile(c.ModelLabelPattern)
}

// Load reads an optional .env file (local development convenience, mirroring
// the teacher's core/env loader) and then binds the process environment into
// a Config via envconfig.
func Load(ctx context.Context) (*Config, error) {
	if path := os.Getenv("AIFIXD_DOTENV_PATH"); path != "" {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading dotenv %s: %w", path, err)
		}
	} else {
		// Best-effort: a .env in the working directory, silently skipped
		// when absent — this is a developer convenience, not a contract.
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("binding environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c Config) validate() error {
	switch c.WorktreeRetentionStrategy {
	case RetentionAlwaysDelete, RetentionKeepOnFailure, RetentionKeepForHours:
	default:
		return fmt.Errorf("invalid WORKTREE_RETENTION_STRATEGY %q", c.WorktreeRetentionStrategy)
	}
	if _, err := c.ModelLabelRegexp(); err != nil {
		return fmt.Errorf("invalid MODEL_LABEL_PATTERN %q: %w", c.ModelLabelPattern, err)
	}
	if len(c.Repositories) == 0 {
		return fmt.Errorf("REPOSITORIES must list at least one owner/repo")
	}
	for _, r := range c.Repositories {
		if !strings.Contains(r, "/") {
			return fmt.Errorf("invalid repository full name %q, expected owner/repo", r)
		}
	}
	return nil
}

// ResolveModelAlias maps a model-tag regex match to its canonical model ID
// via ModelAliases, returning the match itself when no alias is configured.
func (c Config) ResolveModelAlias(tag string) string {
	if canonical, ok := c.ModelAliases[tag]; ok {
		return canonical
	}
	return tag
}

// PRFollowupEnabled reports whether the PR-follow-up poller feature (§4.6
// step 4) is switched on — empty keyword list disables it per spec.md §9.
func (c Config) PRFollowupEnabled() bool {
	return len(c.PRFollowupTriggerKeywords) > 0
}
