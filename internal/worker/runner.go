package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/imkarma/issueflow/internal/config"
)

// Request is one agent invocation.
type Request struct {
	TaskID  int64
	Prompt  string
	WorkDir string
	Timeout time.Duration
}

// Response is what the agent produced.
type Response struct {
	Output   string
	ExitCode int
	Duration time.Duration
	Error    error
}

// Runner runs an agent.
type Runner interface {
	Run(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// CLIRunner spawns an external CLI agent (claude, gemini, codex, ...) with
// the prompt as its last argument.
type CLIRunner struct {
	cfg config.Agent
}

// NewCLIRunner creates a runner for the configured agent.
func NewCLIRunner(cfg config.Agent) *CLIRunner {
	return &CLIRunner{cfg: cfg}
}

func (r *CLIRunner) Name() string { return r.cfg.Cmd }

// Run spawns the agent in req.WorkDir. A non-zero exit is reported in
// Response.Error with a nil error so partial output is kept; a timeout is
// returned as an error.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	args := append(r.cfg.EffectiveArgs(), req.Prompt)

	timeout := r.cfg.EffectiveTimeout()
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Cmd, args...)
	cmd.Dir = req.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	resp := &Response{
		Output:   stdout.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return resp, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		resp.ExitCode = -1
		resp.Error = fmt.Errorf("agent %s timed out after %s", r.Name(), timeout)
		return resp, resp.Error
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		resp.ExitCode = exitErr.ExitCode()
	} else {
		resp.ExitCode = -1
	}

	if stderrStr := strings.TrimSpace(stderr.String()); stderrStr != "" {
		resp.Error = fmt.Errorf("agent %s exited with code %d: %s", r.Name(), resp.ExitCode, tail(stderrStr, 2000))
	} else {
		resp.Error = fmt.Errorf("agent %s exited with code %d: %w", r.Name(), resp.ExitCode, err)
	}
	return resp, nil
}

// CLIAvailable checks if the CLI command exists in PATH.
func CLIAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
