// Package git wraps the git commands a worker needs: an isolated worktree
// per task on its own branch, a commit of whatever the agent changed, and a
// push so the branch can back a pull request.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Repo runs git commands against one working directory.
type Repo struct {
	workDir string
	env     []string
}

// New creates a Repo for the given working directory.
func New(workDir string) *Repo {
	return &Repo{workDir: workDir}
}

// WithEnv returns a copy of r that adds env to every command.
func (r *Repo) WithEnv(env ...string) *Repo {
	return &Repo{workDir: r.workDir, env: append(append([]string(nil), r.env...), env...)}
}

// Dir returns the working directory.
func (r *Repo) Dir() string { return r.workDir }

func (r *Repo) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.workDir
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}
	return cmd
}

// run executes git and returns trimmed stdout. On failure the combined
// output becomes the error text.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := r.command(ctx, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsGitRepo checks if the working directory is inside a git work tree.
func (r *Repo) IsGitRepo(ctx context.Context) bool {
	out, err := r.command(ctx, "rev-parse", "--is-inside-work-tree").Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// CurrentBranch returns the name of the checked-out branch.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.command(ctx, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("get current branch: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// BaseBranch detects the main/master branch name.
func (r *Repo) BaseBranch(ctx context.Context) (string, error) {
	for _, name := range []string{"main", "master"} {
		if r.BranchExists(ctx, name) {
			return name, nil
		}
	}
	return r.CurrentBranch(ctx)
}

// BranchExists checks if a local branch exists.
func (r *Repo) BranchExists(ctx context.Context, branch string) bool {
	return r.command(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch).Run() == nil
}

// HasUncommittedChanges checks for changes in the working tree.
func (r *Repo) HasUncommittedChanges(ctx context.Context) bool {
	out, err := r.run(ctx, "status", "--porcelain")
	return err == nil && out != ""
}

// CommitAll stages all changes and commits them. Returns false if there was
// nothing to commit.
func (r *Repo) CommitAll(ctx context.Context, message string) (bool, error) {
	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return false, err
	}
	if r.command(ctx, "diff", "--cached", "--quiet").Run() == nil {
		return false, nil
	}
	if _, err := r.run(ctx, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// HeadCommit returns the full hash of HEAD.
func (r *Repo) HeadCommit(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "HEAD")
}

// ChangedFiles lists files that differ between base and HEAD.
func (r *Repo) ChangedFiles(ctx context.Context, base string) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Push publishes branch to remote and sets its upstream.
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	_, err := r.run(ctx, "push", "--set-upstream", remote, branch)
	return err
}

// DeleteBranch deletes a local branch.
func (r *Repo) DeleteBranch(ctx context.Context, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := r.run(ctx, "branch", flag, branch)
	return err
}

// LogCommits returns the one-line log of branch since it diverged from base.
func (r *Repo) LogCommits(ctx context.Context, base, branch string) (string, error) {
	return r.run(ctx, "log", "--oneline", base+".."+branch)
}

// WorktreePath returns the path of the worktree for a task.
func WorktreePath(baseDir string, taskID int64) string {
	return filepath.Join(baseDir, ".issueflow", "worktrees", fmt.Sprintf("task-%d", taskID))
}

// AddWorktree checks out a new branch, started at base, in a worktree at path.
func (r *Repo) AddWorktree(ctx context.Context, path, branch, base string) error {
	if _, err := r.run(ctx, "worktree", "add", "-b", branch, path, base); err != nil {
		return fmt.Errorf("add worktree: %w", err)
	}
	return nil
}

// RemoveWorktree removes a worktree. The branch is kept.
func (r *Repo) RemoveWorktree(ctx context.Context, path string) error {
	if _, err := r.run(ctx, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}

// ListWorktrees returns the paths of all worktrees, the main one first.
func (r *Repo) ListWorktrees(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// PruneWorktrees removes stale worktree references.
func (r *Repo) PruneWorktrees(ctx context.Context) error {
	_, err := r.run(ctx, "worktree", "prune")
	return err
}
