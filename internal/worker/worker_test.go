package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/imkarma/issueflow/internal/config"
	"github.com/imkarma/issueflow/internal/git"
)

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(Payload{
		TaskID:             101,
		Title:              "Add login endpoint",
		BranchName:         "issueflow/101-add-login-endpoint",
		AcceptanceCriteria: []string{"POST /login returns a token", "bad passwords get 401"},
		RequiredDocs:       []string{"docs/auth.md"},
	})

	for _, want := range []string{
		"Software Developer",
		"#101: Add login endpoint",
		"Branch: issueflow/101-add-login-endpoint",
		"- [ ] POST /login returns a token",
		"- [ ] bad passwords get 401",
		"- docs/auth.md",
		"FAILED:",
		"BLOCKED:",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPrompt_NoDocs(t *testing.T) {
	prompt := BuildPrompt(Payload{TaskID: 1, Title: "x", AcceptanceCriteria: []string{"y"}})
	if strings.Contains(prompt, "Required Reading") {
		t.Error("prompt should omit the reading section when there are no docs")
	}
}

func TestParseMarkers(t *testing.T) {
	tests := []struct {
		input   string
		blocked string
		failed  string
	}{
		{"BLOCKED: Which database should I use?", "Which database should I use?", ""},
		{"Some text\nFAILED: tests do not compile\nMore text", "", "tests do not compile"},
		{"No blockers here", "", ""},
		{"  blocked: lowercase works too", "lowercase works too", ""},
	}
	for _, tc := range tests {
		if got := ParseBlocked(tc.input); got != tc.blocked {
			t.Errorf("ParseBlocked(%q) = %q, want %q", tc.input, got, tc.blocked)
		}
		if got := ParseFailed(tc.input); got != tc.failed {
			t.Errorf("ParseFailed(%q) = %q, want %q", tc.input, got, tc.failed)
		}
	}
}

func TestCLIRunner(t *testing.T) {
	if !CLIAvailable("sh") {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	t.Run("output and prompt", func(t *testing.T) {
		r := NewCLIRunner(config.Agent{Cmd: "sh", Args: []string{"-c", `echo "got: $0"`}})
		resp, err := r.Run(ctx, Request{Prompt: "hello", WorkDir: t.TempDir()})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if strings.TrimSpace(resp.Output) != "got: hello" || resp.ExitCode != 0 {
			t.Fatalf("unexpected response: %+v", resp)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		r := NewCLIRunner(config.Agent{Cmd: "sh", Args: []string{"-c", "echo oops >&2; exit 3"}})
		resp, err := r.Run(ctx, Request{WorkDir: t.TempDir()})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if resp.ExitCode != 3 || resp.Error == nil || !strings.Contains(resp.Error.Error(), "oops") {
			t.Fatalf("unexpected response: %+v", resp)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		r := NewCLIRunner(config.Agent{Cmd: "sh", Args: []string{"-c", "sleep 5"}})
		_, err := r.Run(ctx, Request{WorkDir: t.TempDir(), Timeout: 50 * time.Millisecond})
		if err == nil || !strings.Contains(err.Error(), "timed out") {
			t.Fatalf("expected timeout error, got %v", err)
		}
	})
}

// --- AgentWorker tests ---

type fakeRunner struct {
	output string
	err    error
	edit   func(dir string)
	seen   Request
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Run(ctx context.Context, req Request) (*Response, error) {
	f.seen = req
	if f.edit != nil {
		f.edit(req.WorkDir)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Output: f.output}, nil
}

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %s: %s\n%s", strings.Join(args, " "), err, out)
	}
}

// initRepo creates a repo with one commit on main and a bare origin.
func initRepo(t *testing.T) (dir, remote string) {
	t.Helper()
	dir = t.TempDir()
	remote = t.TempDir()
	gitCmd(t, remote, "init", "--bare")
	gitCmd(t, dir, "init", "-b", "main")
	gitCmd(t, dir, "config", "user.email", "test@test.com")
	gitCmd(t, dir, "config", "user.name", "test")
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0644)
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "initial commit")
	gitCmd(t, dir, "remote", "add", "origin", remote)
	return dir, remote
}

func payload() Payload {
	return Payload{
		TaskID:             7,
		Title:              "Add feature",
		BranchName:         "issueflow/7-add-feature",
		AcceptanceCriteria: []string{"feature exists"},
	}
}

func TestAgentWorker_Success(t *testing.T) {
	dir, remote := initRepo(t)
	runner := &fakeRunner{
		output: "done",
		edit: func(wt string) {
			os.WriteFile(filepath.Join(wt, "feature.go"), []byte("package feature\n"), 0644)
		},
	}
	w := NewAgentWorker(runner, AgentConfig{RepoDir: dir, Remote: "origin"}, nil)

	res, err := w.Execute(context.Background(), payload())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.CommitRef) != 40 {
		t.Fatalf("expected a commit hash, got %q", res.CommitRef)
	}
	if len(res.FilesChanged) != 1 || res.FilesChanged[0] != "feature.go" {
		t.Fatalf("unexpected files: %v", res.FilesChanged)
	}
	if !strings.Contains(runner.seen.Prompt, "#7: Add feature") {
		t.Fatalf("agent did not get the task prompt: %s", runner.seen.Prompt)
	}
	if runner.seen.WorkDir != git.WorktreePath(dir, 7) {
		t.Fatalf("agent ran in %q", runner.seen.WorkDir)
	}

	// Worktree is gone, branch stays locally and on the remote.
	if _, err := os.Stat(runner.seen.WorkDir); !os.IsNotExist(err) {
		t.Fatal("worktree should be removed after execution")
	}
	if !w.LocalBranchExists(context.Background(), "issueflow/7-add-feature") {
		t.Fatal("branch should survive the worktree")
	}
	if !git.New(remote).BranchExists(context.Background(), "issueflow/7-add-feature") {
		t.Fatal("branch should be pushed to the remote")
	}
}

func TestAgentWorker_Failures(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
		want   string
	}{
		{"no changes", &fakeRunner{output: "all good"}, "no changes"},
		{"agent reports failure", &fakeRunner{output: "FAILED: cannot build"}, "cannot build"},
		{"agent blocked", &fakeRunner{output: "BLOCKED: which API?"}, "which API?"},
		{"runner error", &fakeRunner{err: context.DeadlineExceeded}, "deadline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, _ := initRepo(t)
			w := NewAgentWorker(tt.runner, AgentConfig{RepoDir: dir, BaseBranch: "main"}, nil)

			res, err := w.Execute(context.Background(), payload())
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Status != StatusFailed || !strings.Contains(res.ErrorMessage, tt.want) {
				t.Fatalf("expected failure mentioning %q, got %+v", tt.want, res)
			}
		})
	}
}

func TestAgentWorker_ExistingBranchIsAnError(t *testing.T) {
	dir, _ := initRepo(t)
	gitCmd(t, dir, "branch", "issueflow/7-add-feature")
	w := NewAgentWorker(&fakeRunner{}, AgentConfig{RepoDir: dir}, nil)

	if _, err := w.Execute(context.Background(), payload()); err == nil {
		t.Fatal("expected error when the branch already exists")
	}
}
