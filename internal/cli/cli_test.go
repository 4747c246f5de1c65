package cli

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/issueflow/internal/governor"
	"github.com/imkarma/issueflow/internal/graph"
	"github.com/imkarma/issueflow/internal/orchestrator"
	"github.com/imkarma/issueflow/internal/store"
	"github.com/imkarma/issueflow/internal/task"
	"github.com/imkarma/issueflow/internal/tracker"
)

func TestParseIDs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    []int64
		wantErr string
	}{
		{name: "plain", args: []string{"101", "102"}, want: []int64{101, 102}},
		{name: "hash and commas", args: []string{"#101,#102", " 103 "}, want: []int64{101, 102, 103}},
		{name: "trailing comma", args: []string{"7,"}, want: []int64{7}},
		{name: "keeps duplicates", args: []string{"5", "5"}, want: []int64{5, 5}},
		{name: "not a number", args: []string{"abc"}, wantErr: `invalid task ID: "abc"`},
		{name: "zero", args: []string{"0"}, wantErr: "invalid task ID"},
		{name: "negative", args: []string{"-3"}, wantErr: "invalid task ID"},
		{name: "empty", args: []string{","}, wantErr: "no task IDs given"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseIDs(tt.args)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunExitCode(t *testing.T) {
	ok := &orchestrator.Report{}
	partial := &orchestrator.Report{Failed: []int64{2}, Skipped: []int64{3}}

	tests := []struct {
		name   string
		report *orchestrator.Report
		err    error
		want   int
	}{
		{"success", ok, nil, exitOK},
		{"task failures", partial, nil, exitPartial},
		{"deferred", &orchestrator.Report{Deferred: []int64{4}}, nil, exitPartial},
		{"throttled", partial, fmt.Errorf("defer: %w", governor.ErrThrottled), exitPartial},
		{"cancelled", partial, fmt.Errorf("%w: %w", orchestrator.ErrCancelled, errors.New("context canceled")), exitPartial},
		{"preflight", ok, &orchestrator.PreflightError{Problems: []orchestrator.Problem{{TaskID: 1, Reason: "no acceptance criteria"}}}, exitFatal},
		{"cycle", ok, fmt.Errorf("plan batch: %w", &graph.CycleError{Participants: []int64{1, 2}}), exitFatal},
		{"duplicate", ok, fmt.Errorf("%w: #1: %w", orchestrator.ErrPreflight, graph.ErrDuplicateTask), exitFatal},
		{"remote error while planning", ok, errors.New("plan batch: query blockers of #1: 502"), exitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runExitCode(tt.report, tt.err))
		})
	}
}

func TestExitError(t *testing.T) {
	inner := errors.New("config missing")
	err := fatal(inner)

	var exit *ExitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, exitFatal, exit.Code)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "config missing", err.Error())
	assert.Equal(t, "exit status 1", (&ExitError{Code: 1}).Error())
}

func TestPrintReport(t *testing.T) {
	r := &orchestrator.Report{
		RunID:     "run-1",
		Order:     []int64{101, 102, 103, 104},
		Completed: []int64{101},
		Failed:    []int64{102},
		Skipped:   []int64{103},
		Invalid:   []int64{200},
		Artifacts: map[int64]*tracker.ArtifactRef{
			101: {Number: 7, URL: "https://example.test/pull/7", Branch: "issueflow/101-a"},
		},
		Branches: map[int64]string{101: "issueflow/101-a", 102: "issueflow/102-b"},
		Reasons: map[int64]string{
			102: "worker failed: tests do not pass",
			103: "blocked by failed task #102",
			200: "no acceptance criteria",
		},
		Warnings: []string{"#101: move to in-review failed"},
	}

	var buf bytes.Buffer
	printReport(&buf, r, nil)
	out := buf.String()

	assert.Contains(t, out, "Run run-1")
	assert.Contains(t, out, "1 completed, 1 failed, 1 skipped, 1 invalid")
	assert.Contains(t, out, "#101 -> #102 -> #103 -> #104")
	assert.Contains(t, out, "#7 (https://example.test/pull/7)")
	assert.Contains(t, out, "branch issueflow/102-b")
	assert.Contains(t, out, "worker failed: tests do not pass")
	assert.Contains(t, out, "blocked by failed task #102")
	assert.Contains(t, out, "not reached")
	assert.Contains(t, out, "no acceptance criteria")
	assert.Contains(t, out, "Warnings:")
	assert.NotContains(t, out, "Aborted:")
	assert.Contains(t, out, "Quota: quota unknown")

	buf.Reset()
	printReport(&buf, &orchestrator.Report{RunID: "run-2", Aborted: "run cancelled"}, orchestrator.ErrCancelled)
	assert.Contains(t, buf.String(), "Aborted:")
	assert.Contains(t, buf.String(), "run cancelled")

	buf.Reset()
	printReport(&buf, nil, nil)
	assert.Empty(t, buf.String())
}

func TestPrintReportJSON(t *testing.T) {
	r := &orchestrator.Report{
		RunID:     "run-1",
		Completed: []int64{1},
		Failed:    []int64{},
		Skipped:   []int64{},
		Errors:    map[int64]error{1: errors.New("hidden")},
	}
	var buf bytes.Buffer
	require.NoError(t, printReportJSON(&buf, r))
	assert.Contains(t, buf.String(), `"run_id": "run-1"`)
	assert.Contains(t, buf.String(), `"completed": [`)
	assert.NotContains(t, buf.String(), "hidden")
}

func TestPrintPlanAndCycle(t *testing.T) {
	plan, err := graph.Build([]int64{3, 1, 2}, []task.Edge{
		{Blocker: 1, Blocked: 2},
		{Blocker: 2, Blocked: 3},
		{Blocker: 99, Blocked: 1},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	printPlan(&buf, plan)
	out := buf.String()
	assert.Contains(t, out, "Execution order (3 tasks)")
	assert.Contains(t, out, " 1. #1")
	assert.Contains(t, out, "needs #99 settled")
	assert.Contains(t, out, " 3. #3")
	assert.Contains(t, out, "after #2")

	buf.Reset()
	printCycle(&buf, &graph.CycleError{Participants: []int64{1, 2, 3}, Path: []int64{1, 2, 3, 1}})
	assert.Contains(t, buf.String(), "tasks #1, #2, #3 cannot be ordered")
	assert.Contains(t, buf.String(), "#1 -> #2 -> #3 -> #1")
	assert.Contains(t, buf.String(), "Nothing was changed")
}

func TestPrintQuota(t *testing.T) {
	var buf bytes.Buffer
	printQuota(&buf, governor.Summary{Known: true, Limit: 5000, Remaining: 150, Floor: 100}, 10, 1)
	assert.Contains(t, buf.String(), "150")
	assert.Contains(t, buf.String(), "/5000 remaining (floor 100)")
	assert.Contains(t, buf.String(), "a batch of 10 may run")
	assert.NotContains(t, buf.String(), "resets at")
}

func ledger(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPrintStatus(t *testing.T) {
	s := ledger(t)

	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, s))
	assert.Contains(t, buf.String(), "No runs yet")

	stale, err := s.StartRun([]int64{5})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	run, err := s.StartRun([]int64{101, 102})
	require.NoError(t, err)
	require.NoError(t, s.RecordTask(store.RunTask{RunID: run.ID, TaskID: 101, Title: "Add cache", Outcome: "completed", ArtifactURL: "https://example.test/pull/1"}))
	require.NoError(t, s.RecordTask(store.RunTask{RunID: run.ID, TaskID: 102, Title: "Use cache", Outcome: "failed"}))
	require.NoError(t, s.FinishRun(run.ID, store.RunPartial, "1 completed, 1 failed, 0 skipped"))

	buf.Reset()
	require.NoError(t, printStatus(&buf, s))
	out := buf.String()
	assert.Contains(t, out, "Latest run "+run.ID)
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "1 completed, 1 failed, 0 skipped")
	assert.Contains(t, out, "Add cache")
	assert.Contains(t, out, "https://example.test/pull/1")
	assert.Contains(t, out, "Runs that never finished")
	assert.Contains(t, out, stale.ID)
}

func TestPrintHistoryAndEvents(t *testing.T) {
	s := ledger(t)

	var buf bytes.Buffer
	require.NoError(t, printHistory(&buf, s, 42))
	assert.Contains(t, buf.String(), "No runs recorded for #42")

	run, err := s.StartRun([]int64{42})
	require.NoError(t, err)
	require.NoError(t, s.RecordTask(store.RunTask{RunID: run.ID, TaskID: 42, Outcome: "failed", Branch: "issueflow/42-x", Reason: "worker failed"}))
	s.AddEvent(run.ID, 42, "transition", "todo -> in-progress")
	s.AddEvent(run.ID, 0, "warning", "ledger note")

	buf.Reset()
	require.NoError(t, printHistory(&buf, s, 42))
	assert.Contains(t, buf.String(), run.ID)
	assert.Contains(t, buf.String(), "issueflow/42-x")
	assert.Contains(t, buf.String(), "worker failed")

	buf.Reset()
	require.NoError(t, printEvents(&buf, s, run.ID, 0))
	assert.Contains(t, buf.String(), "#42 transition")
	assert.Contains(t, buf.String(), "ledger note")

	buf.Reset()
	require.NoError(t, printEvents(&buf, s, run.ID, 42))
	assert.NotContains(t, buf.String(), "ledger note")

	err = printEvents(&buf, s, "missing", 0)
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}
