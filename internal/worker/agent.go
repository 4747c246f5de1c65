package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/imkarma/issueflow/internal/git"
)

// AgentConfig configures an AgentWorker.
type AgentConfig struct {
	// RepoDir is the main checkout; worktrees are created under it.
	RepoDir string
	// BaseBranch is where task branches start. Empty means main or master.
	BaseBranch string
	// Remote receives the pushed branch. Empty skips the push.
	Remote string
	// Timeout bounds one agent run. Zero uses the agent's own default.
	Timeout time.Duration
}

// AgentWorker runs a CLI agent in a fresh git worktree on the task branch,
// then commits and pushes whatever the agent changed.
type AgentWorker struct {
	runner Runner
	repo   *git.Repo
	cfg    AgentConfig
	log    *zap.Logger
}

// NewAgentWorker creates a worker that runs runner inside cfg.RepoDir worktrees.
func NewAgentWorker(runner Runner, cfg AgentConfig, log *zap.Logger) *AgentWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &AgentWorker{
		runner: runner,
		repo:   git.New(cfg.RepoDir),
		cfg:    cfg,
		log:    log.Named("worker"),
	}
}

func (w *AgentWorker) Execute(ctx context.Context, p Payload) (Result, error) {
	log := w.log.With(zap.Int64("task", p.TaskID), zap.String("branch", p.BranchName))

	base := w.cfg.BaseBranch
	if base == "" {
		detected, err := w.repo.BaseBranch(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("detect base branch: %w", err)
		}
		base = detected
	}

	path := git.WorktreePath(w.cfg.RepoDir, p.TaskID)
	if _, err := os.Stat(path); err == nil {
		log.Warn("removing stale worktree", zap.String("path", path))
		_ = w.repo.RemoveWorktree(ctx, path)
		_ = os.RemoveAll(path)
		_ = w.repo.PruneWorktrees(ctx)
	}
	if err := w.repo.AddWorktree(ctx, path, p.BranchName, base); err != nil {
		return Result{}, err
	}
	defer func() {
		// The branch outlives the worktree; it backs the pull request.
		if err := w.repo.RemoveWorktree(context.WithoutCancel(ctx), path); err != nil {
			log.Warn("worktree cleanup failed", zap.Error(err))
		}
	}()

	log.Info("running agent", zap.String("agent", w.runner.Name()))
	resp, err := w.runner.Run(ctx, Request{
		TaskID:  p.TaskID,
		Prompt:  BuildPrompt(p),
		WorkDir: path,
		Timeout: w.cfg.Timeout,
	})
	if err != nil {
		return Failed(err.Error()), nil
	}
	log.Info("agent finished", zap.Duration("duration", resp.Duration), zap.Int("exit_code", resp.ExitCode))

	if resp.Error != nil {
		return Failed(resp.Error.Error()), nil
	}
	if reason := ParseFailed(resp.Output); reason != "" {
		return Failed("agent reported failure: " + reason), nil
	}
	if reason := ParseBlocked(resp.Output); reason != "" {
		return Failed("agent blocked: " + reason), nil
	}

	wt := git.New(path)
	committed, err := wt.CommitAll(ctx, fmt.Sprintf("issueflow: #%d %s", p.TaskID, p.Title))
	if err != nil {
		return Result{}, fmt.Errorf("commit agent changes: %w", err)
	}
	if !committed {
		return Failed("agent made no changes"), nil
	}

	files, err := wt.ChangedFiles(ctx, base)
	if err != nil {
		return Result{}, fmt.Errorf("list changed files: %w", err)
	}
	head, err := wt.HeadCommit(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read commit: %w", err)
	}

	if w.cfg.Remote != "" {
		if err := wt.Push(ctx, w.cfg.Remote, p.BranchName); err != nil {
			return Result{}, fmt.Errorf("push %s: %w", p.BranchName, err)
		}
		log.Info("branch pushed", zap.String("remote", w.cfg.Remote), zap.String("commit", head))
	}

	return Result{
		Status:       StatusSuccess,
		CommitRef:    head,
		FilesChanged: files,
	}, nil
}

// LocalBranchExists reports whether the main checkout has branch.
func (w *AgentWorker) LocalBranchExists(ctx context.Context, branch string) bool {
	return w.repo.BranchExists(ctx, branch)
}
