package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. ISSUEFLOW_GOVERNOR_FLOOR.
const EnvPrefix = "ISSUEFLOW_"

// Config is the root configuration for an issueflow project.
type Config struct {
	Version      int          `yaml:"version" koanf:"version"`
	GitHub       GitHub       `yaml:"github" koanf:"github"`
	Governor     Governor     `yaml:"governor" koanf:"governor"`
	Workflow     Workflow     `yaml:"workflow" koanf:"workflow"`
	Orchestrator Orchestrator `yaml:"orchestrator" koanf:"orchestrator"`
	Agent        Agent        `yaml:"agent" koanf:"agent"`
	Logging      Logging      `yaml:"logging" koanf:"logging"`
	Metrics      Metrics      `yaml:"metrics" koanf:"metrics"`
}

// GitHub identifies the repository whose issues are the tasks.
type GitHub struct {
	Owner      string `yaml:"owner" koanf:"owner"`
	Repo       string `yaml:"repo" koanf:"repo"`
	TokenEnv   string `yaml:"token_env" koanf:"token_env"`     // Env var holding the API token
	BaseBranch string `yaml:"base_branch" koanf:"base_branch"` // PR base; empty = detect main/master
	Remote     string `yaml:"remote" koanf:"remote"`           // Git remote branches are pushed to
}

// Token reads the API token from the configured environment variable.
func (g GitHub) Token() string {
	return os.Getenv(g.TokenEnv)
}

// Governor tunes remote call pacing and quota safety.
type Governor struct {
	MinDelay        time.Duration `yaml:"min_delay" koanf:"min_delay"`
	Floor           int           `yaml:"floor" koanf:"floor"`
	RefreshInterval time.Duration `yaml:"refresh_interval" koanf:"refresh_interval"`
	Ample           int           `yaml:"ample" koanf:"ample"`
	CallsPerTask    int           `yaml:"calls_per_task" koanf:"calls_per_task"`
	SingleTaskBelow int           `yaml:"single_task_below" koanf:"single_task_below"`
}

// Workflow tunes status transitions.
type Workflow struct {
	// SettleInterval is the wait between a status write and its verifying read.
	SettleInterval time.Duration `yaml:"settle_interval" koanf:"settle_interval"`
}

// Orchestrator tunes batch execution.
type Orchestrator struct {
	AllowPartial       bool          `yaml:"allow_partial" koanf:"allow_partial"`
	BranchPrefix       string        `yaml:"branch_prefix" koanf:"branch_prefix"`
	ArtifactRetries    int           `yaml:"artifact_retries" koanf:"artifact_retries"`
	ArtifactRetryDelay time.Duration `yaml:"artifact_retry_delay" koanf:"artifact_retry_delay"`
	WorkerTimeout      time.Duration `yaml:"worker_timeout" koanf:"worker_timeout"`
	DocsRoot           string        `yaml:"docs_root" koanf:"docs_root"` // Required docs are resolved here; empty = repo root
}

// Agent describes the CLI agent the worker runs inside each task worktree.
type Agent struct {
	Cmd        string        `yaml:"cmd" koanf:"cmd"`
	Args       []string      `yaml:"args,omitempty" koanf:"args"`
	AutoAccept bool          `yaml:"auto_accept,omitempty" koanf:"auto_accept"` // Skip the agent's permission prompts
	Timeout    time.Duration `yaml:"timeout,omitempty" koanf:"timeout"`
}

// EffectiveArgs returns the final args for the agent, injecting
// non-interactive and auto-accept flags for known CLI tools:
//   - claude: --print, plus --dangerously-skip-permissions with auto_accept
//   - gemini: --yolo with auto_accept
//   - codex:  --full-auto with auto_accept
//
// Flags already present in args are not added twice.
func (a Agent) EffectiveArgs() []string {
	args := make([]string, len(a.Args))
	copy(args, a.Args)

	switch a.Cmd {
	case "claude":
		if !containsAny(args, "-p", "--print") {
			args = appendFront(args, "--print")
		}
		if a.AutoAccept && !containsAny(args, "--dangerously-skip-permissions", "--permission-mode") {
			args = appendFront(args, "--dangerously-skip-permissions")
		}
	case "gemini":
		if a.AutoAccept && !containsAny(args, "-y", "--yolo") {
			args = appendFront(args, "--yolo")
		}
	case "codex":
		if a.AutoAccept && !containsAny(args, "--full-auto", "--approval-mode") {
			args = appendFront(args, "--full-auto")
		}
	}
	return args
}

// EffectiveTimeout returns the agent timeout, 30 minutes when unset.
func (a Agent) EffectiveTimeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return 30 * time.Minute
}

// Logging selects the log level and encoding.
type Logging struct {
	Level  string `yaml:"level" koanf:"level"`   // debug, info, warn, error
	Format string `yaml:"format" koanf:"format"` // json or console
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Addr string `yaml:"addr,omitempty" koanf:"addr"` // Empty disables the endpoint
}

// DefaultConfig returns the starter config written by init.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		GitHub: GitHub{
			TokenEnv: "GITHUB_TOKEN",
			Remote:   "origin",
		},
		Governor: Governor{
			MinDelay:        500 * time.Millisecond,
			Floor:           100,
			RefreshInterval: time.Minute,
			Ample:           1000,
			CallsPerTask:    25,
			SingleTaskBelow: 200,
		},
		Workflow: Workflow{
			SettleInterval: 2 * time.Second,
		},
		Orchestrator: Orchestrator{
			BranchPrefix:       "issueflow",
			ArtifactRetries:    3,
			ArtifactRetryDelay: 5 * time.Second,
			WorkerTimeout:      45 * time.Minute,
		},
		Agent: Agent{
			Cmd:        "claude",
			AutoAccept: true,
			Timeout:    30 * time.Minute,
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the config file at path over the defaults, applies
// ISSUEFLOW_<SECTION>_<FIELD> environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps ISSUEFLOW_ORCHESTRATOR_BRANCH_PREFIX to orchestrator.branch_prefix:
// the first segment is the section, the rest is the field name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.GitHub.Owner == "":
		return fmt.Errorf("github.owner is required")
	case c.GitHub.Repo == "":
		return fmt.Errorf("github.repo is required")
	case c.GitHub.TokenEnv == "":
		return fmt.Errorf("github.token_env is required")
	case c.Governor.MinDelay < 0:
		return fmt.Errorf("governor.min_delay must not be negative")
	case c.Governor.Floor < 0:
		return fmt.Errorf("governor.floor must not be negative")
	case c.Governor.CallsPerTask < 1:
		return fmt.Errorf("governor.calls_per_task must be at least 1")
	case c.Governor.Ample < c.Governor.Floor:
		return fmt.Errorf("governor.ample (%d) must be at least governor.floor (%d)", c.Governor.Ample, c.Governor.Floor)
	case c.Governor.SingleTaskBelow < c.Governor.Floor:
		return fmt.Errorf("governor.single_task_below (%d) must be at least governor.floor (%d)", c.Governor.SingleTaskBelow, c.Governor.Floor)
	case c.Workflow.SettleInterval < 0:
		return fmt.Errorf("workflow.settle_interval must not be negative")
	case c.Orchestrator.BranchPrefix == "":
		return fmt.Errorf("orchestrator.branch_prefix is required")
	case strings.ContainsAny(c.Orchestrator.BranchPrefix, " ~^:?*[\\"):
		return fmt.Errorf("orchestrator.branch_prefix %q is not a valid branch name component", c.Orchestrator.BranchPrefix)
	case c.Orchestrator.ArtifactRetries < 0:
		return fmt.Errorf("orchestrator.artifact_retries must not be negative")
	case c.Agent.Cmd == "":
		return fmt.Errorf("agent.cmd is required")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// containsAny checks if any of the targets exist in the slice.
func containsAny(slice []string, targets ...string) bool {
	for _, s := range slice {
		for _, t := range targets {
			if s == t {
				return true
			}
		}
	}
	return false
}

// appendFront inserts a value at the beginning of a slice.
func appendFront(slice []string, val string) []string {
	return append([]string{val}, slice...)
}
