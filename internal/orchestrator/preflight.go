package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/imkarma/issueflow/internal/governor"
	"github.com/imkarma/issueflow/internal/graph"
	"github.com/imkarma/issueflow/internal/task"
	"github.com/imkarma/issueflow/internal/tracker"
)

// Problem is one reason a task is not eligible to run.
type Problem struct {
	TaskID int64  `json:"task_id"`
	Reason string `json:"reason"`
}

// PreflightError lists every task that failed preflight.
type PreflightError struct {
	Problems []Problem
}

func (e *PreflightError) Error() string {
	lines := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		lines[i] = fmt.Sprintf("#%d: %s", p.TaskID, p.Reason)
	}
	return fmt.Sprintf("%s: %s", ErrPreflight, strings.Join(lines, "; "))
}

func (e *PreflightError) Unwrap() error { return ErrPreflight }

// preflight reads every task and checks it is eligible. Problems are
// returned keyed by task; a non-nil error means the batch cannot proceed at
// all (throttle, duplicate input).
func (c *Coordinator) preflight(ctx context.Context, ids []int64) (map[int64]*task.Task, []Problem, error) {
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, nil, fmt.Errorf("%w: #%d: %w", ErrPreflight, id, graph.ErrDuplicateTask)
		}
		seen[id] = true
	}

	tasks := make(map[int64]*task.Task, len(ids))
	var problems []Problem
	for _, id := range ids {
		t, err := c.client.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, governor.ErrThrottled) || ctx.Err() != nil {
				return nil, nil, err
			}
			problems = append(problems, Problem{TaskID: id, Reason: fmt.Sprintf("read task: %v", err)})
			continue
		}
		tasks[id] = t
		for _, reason := range c.checkTask(t) {
			problems = append(problems, Problem{TaskID: id, Reason: reason})
		}
	}
	return tasks, problems, nil
}

// checkTask returns every reason t cannot run.
func (c *Coordinator) checkTask(t *task.Task) []string {
	var reasons []string
	if strings.TrimSpace(t.Title) == "" {
		reasons = append(reasons, "missing title")
	}
	if len(t.AcceptanceCriteria) == 0 {
		reasons = append(reasons, "no acceptance criteria")
	}
	if t.Status != task.StatusTodo {
		reasons = append(reasons, fmt.Sprintf("status is %s, want %s", t.Status, task.StatusTodo))
	}
	for _, doc := range t.RequiredDocs {
		if !filepath.IsLocal(doc) {
			reasons = append(reasons, fmt.Sprintf("required doc %q is outside the workspace", doc))
			continue
		}
		if _, err := os.Stat(filepath.Join(c.cfg.DocsRoot, doc)); err != nil {
			reasons = append(reasons, fmt.Sprintf("required doc %q not found", doc))
		}
	}
	return reasons
}

// checkExternal verifies that every blocker outside the batch has already
// settled, including blockers in other repositories when the client reports
// them. known holds tasks already read this run.
func (c *Coordinator) checkExternal(ctx context.Context, plan *graph.Plan, known map[int64]*task.Task) ([]Problem, error) {
	var problems []Problem
	for _, id := range plan.Order {
		for _, b := range plan.ExternalBlockers(id) {
			bt, ok := known[b]
			if !ok {
				var err error
				bt, err = c.client.GetTask(ctx, b)
				if err != nil {
					if errors.Is(err, governor.ErrThrottled) || ctx.Err() != nil {
						return nil, err
					}
					problems = append(problems, Problem{TaskID: id, Reason: fmt.Sprintf("read blocker #%d: %v", b, err)})
					continue
				}
				known[b] = bt
			}
			if !bt.Status.Settled() {
				problems = append(problems, Problem{TaskID: id, Reason: fmt.Sprintf("blocked by #%d (%s)", b, bt.Status)})
			}
		}
		if src, ok := c.client.(tracker.ForeignBlockerSource); ok {
			for _, fb := range src.ForeignBlockers(id) {
				if !fb.Status.Settled() {
					problems = append(problems, Problem{TaskID: id, Reason: fmt.Sprintf("blocked by %s (%s)", fb.Ref, fb.Status)})
				}
			}
		}
	}
	return problems, nil
}
