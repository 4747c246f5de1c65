package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// testStore creates a temporary store for testing.
func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, ".issueflow", "ledger.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file not created")
	}
}

func TestNew_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run, _ := s.StartRun([]int64{1})
	s.Close()

	s, err = New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetRun(run.ID); err != nil {
		t.Fatalf("GetRun after reopen: %v", err)
	}
}

func TestStartAndFinishRun(t *testing.T) {
	s := testStore(t)

	run, err := s.StartRun([]int64{101, 102, 103})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.ID == "" || run.Status != RunRunning {
		t.Fatalf("unexpected run: %+v", run)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if len(got.Requested) != 3 || got.Requested[0] != 101 || got.Requested[2] != 103 {
		t.Errorf("expected requested [101 102 103], got %v", got.Requested)
	}
	if got.FinishedAt != nil {
		t.Error("unfinished run should have no finish time")
	}

	if err := s.FinishRun(run.ID, RunPartial, "1 completed, 1 failed, 1 skipped"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	got, _ = s.GetRun(run.ID)
	if got.Status != RunPartial {
		t.Errorf("expected status partial, got %s", got.Status)
	}
	if got.Summary != "1 completed, 1 failed, 1 skipped" {
		t.Errorf("unexpected summary %q", got.Summary)
	}
	if got.FinishedAt == nil {
		t.Error("finished run should have a finish time")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetRun("nope")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := s.FinishRun("nope", RunCompleted, ""); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound from FinishRun, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	s := testStore(t)

	if latest, err := s.LatestRun(); err != nil || latest != nil {
		t.Fatalf("expected no latest run, got %v, %v", latest, err)
	}

	first, _ := s.StartRun([]int64{1})
	second, _ := s.StartRun([]int64{2})
	s.FinishRun(first.ID, RunCompleted, "")

	runs, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", runs)
	}

	runs, _ = s.ListRuns(1)
	if len(runs) != 1 {
		t.Fatalf("expected limit to apply, got %d runs", len(runs))
	}

	latest, _ := s.LatestRun()
	if latest.ID != second.ID {
		t.Errorf("expected latest %s, got %s", second.ID, latest.ID)
	}

	interrupted, _ := s.ListInterruptedRuns()
	if len(interrupted) != 1 || interrupted[0].ID != second.ID {
		t.Errorf("expected only the unfinished run, got %+v", interrupted)
	}
}

func TestRecordTask(t *testing.T) {
	s := testStore(t)
	run, _ := s.StartRun([]int64{101, 102})

	s.RecordTask(RunTask{RunID: run.ID, TaskID: 101, Title: "A", Outcome: "running", Branch: "issueflow/101-a"})
	s.RecordTask(RunTask{RunID: run.ID, TaskID: 102, Title: "B", Outcome: "skipped", Reason: "blocked by #101"})

	// Second record for 101 replaces the first.
	err := s.RecordTask(RunTask{
		RunID: run.ID, TaskID: 101, Title: "A", Outcome: "completed",
		Branch: "issueflow/101-a", ArtifactNumber: 7, ArtifactURL: "https://example/pull/7", CommitRef: "abc",
	})
	if err != nil {
		t.Fatalf("RecordTask: %v", err)
	}

	tasks, err := s.ListRunTasks(run.ID)
	if err != nil {
		t.Fatalf("ListRunTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].TaskID != 101 || tasks[0].Outcome != "completed" || tasks[0].ArtifactNumber != 7 {
		t.Errorf("unexpected first task: %+v", tasks[0])
	}
	if tasks[1].Reason != "blocked by #101" {
		t.Errorf("unexpected second task: %+v", tasks[1])
	}
}

func TestTaskHistory(t *testing.T) {
	s := testStore(t)
	first, _ := s.StartRun([]int64{5})
	second, _ := s.StartRun([]int64{5})
	s.RecordTask(RunTask{RunID: first.ID, TaskID: 5, Outcome: "failed"})
	s.RecordTask(RunTask{RunID: second.ID, TaskID: 5, Outcome: "completed"})

	history, err := s.TaskHistory(5)
	if err != nil {
		t.Fatalf("TaskHistory: %v", err)
	}
	if len(history) != 2 || history[0].RunID != second.ID {
		t.Fatalf("expected newest first, got %+v", history)
	}
}

func TestBranchRecorded(t *testing.T) {
	s := testStore(t)
	run, _ := s.StartRun([]int64{1})
	s.RecordTask(RunTask{RunID: run.ID, TaskID: 1, Outcome: "failed", Branch: "issueflow/1-x"})

	used, err := s.BranchRecorded("issueflow/1-x")
	if err != nil {
		t.Fatalf("BranchRecorded: %v", err)
	}
	if !used {
		t.Error("expected recorded branch")
	}
	if used, _ := s.BranchRecorded("issueflow/1-x-2"); used {
		t.Error("unexpected recorded branch")
	}
}

func TestEvents(t *testing.T) {
	s := testStore(t)
	run, _ := s.StartRun([]int64{1, 2})

	s.AddEvent(run.ID, 0, "started", "run started")
	s.AddEvent(run.ID, 1, "transition", "todo -> in_progress")
	s.AddEvent(run.ID, 2, "skipped", "blocked by #1")

	all, err := s.GetEvents(run.ID, 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Type != "started" || all[2].Content != "blocked by #1" {
		t.Errorf("events out of order: %+v", all)
	}

	one, _ := s.GetEvents(run.ID, 1)
	if len(one) != 1 || one[0].Type != "transition" {
		t.Errorf("expected one transition event, got %+v", one)
	}
}

func TestIDRoundTrip(t *testing.T) {
	if got := splitIDs(joinIDs([]int64{3, 1, 2})); len(got) != 3 || got[0] != 3 || got[2] != 2 {
		t.Errorf("unexpected ids %v", got)
	}
	if got := splitIDs(""); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
