package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/imkarma/issueflow/internal/config"
	"github.com/imkarma/issueflow/internal/governor"
	"github.com/imkarma/issueflow/internal/logging"
	"github.com/imkarma/issueflow/internal/orchestrator"
	"github.com/imkarma/issueflow/internal/store"
	"github.com/imkarma/issueflow/internal/tracker"
)

const flowDirName = ".issueflow"

// ANSI color codes.
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
)

// Exit codes.
const (
	exitOK      = 0
	exitPartial = 1 // some tasks failed, were skipped, or the run stopped early
	exitFatal   = 2 // bad input, config, preflight or planning failure
)

// ExitError carries a process exit code. Err is nil when the command has
// already printed everything the user needs.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// fatal wraps err with the fatal exit code.
func fatal(err error) error {
	return &ExitError{Code: exitFatal, Err: err}
}

// flowPath returns the path to a file inside .issueflow/.
func flowPath(parts ...string) string {
	elems := append([]string{flowDirName}, parts...)
	return filepath.Join(elems...)
}

// configPath is the --config flag, or .issueflow/config.yaml.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return flowPath("config.yaml")
}

func loadConfig() (*config.Config, error) {
	path := configPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fatal(fmt.Errorf("issueflow not initialized (%s missing). Run: issueflow init --owner <owner> --repo <repo>", path))
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fatal(err)
	}
	return cfg, nil
}

// mustStore opens the ledger, returning an error if issueflow is not
// initialized.
func mustStore() (*store.Store, error) {
	dbPath := flowPath("ledger.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fatal(fmt.Errorf("issueflow not initialized. Run: issueflow init"))
	}
	return store.New(dbPath)
}

// parseIDs accepts "101", "#101" and comma separated lists.
func parseIDs(args []string) ([]int64, error) {
	var ids []int64
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimPrefix(strings.TrimSpace(part), "#")
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid task ID: %q", part)
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no task IDs given")
	}
	return ids, nil
}

func governorConfig(g config.Governor) governor.Config {
	return governor.Config{
		MinDelay:        g.MinDelay,
		Floor:           g.Floor,
		RefreshInterval: g.RefreshInterval,
		Ample:           g.Ample,
		CallsPerTask:    g.CallsPerTask,
		SingleTaskBelow: g.SingleTaskBelow,
	}
}

// stack is everything a remote command needs, built from the config.
type stack struct {
	cfg     *config.Config
	log     *zap.Logger
	gov     *governor.Governor
	tracker *tracker.GitHub
}

func openStack(ctx context.Context) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fatal(err)
	}
	client, err := tracker.NewGitHubClient(ctx, cfg.GitHub.Token())
	if err != nil {
		return nil, fatal(fmt.Errorf("%w: export %s", err, cfg.GitHub.TokenEnv))
	}
	gov := governor.New(governorConfig(cfg.Governor), tracker.NewQuotaSource(client), log)
	return &stack{
		cfg:     cfg,
		log:     log,
		gov:     gov,
		tracker: tracker.NewGitHub(client, cfg.GitHub.Owner, cfg.GitHub.Repo, gov, log),
	}, nil
}

func (s *stack) Close() {
	_ = s.log.Sync()
}

// runExitCode maps the outcome of a run to the process exit code.
// Preflight, cycle, duplicate and other planning errors are fatal.
func runExitCode(report *orchestrator.Report, err error) int {
	switch {
	case err == nil && report != nil && report.Success():
		return exitOK
	case err == nil,
		errors.Is(err, governor.ErrThrottled),
		errors.Is(err, orchestrator.ErrCancelled):
		return exitPartial
	}
	return exitFatal
}
