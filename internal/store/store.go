// Package store keeps a local SQLite ledger of coordinator runs: which tasks
// ran, what happened to them, and which branches and pull requests they left
// behind.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// Store provides access to the ledger database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode so the ui can read while a run writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		requested    TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'running',
		started_at   DATETIME NOT NULL,
		finished_at  DATETIME
	);

	CREATE TABLE IF NOT EXISTS run_tasks (
		run_id           TEXT NOT NULL REFERENCES runs(id),
		task_id          INTEGER NOT NULL,
		title            TEXT DEFAULT '',
		outcome          TEXT NOT NULL,
		branch           TEXT DEFAULT '',
		artifact_number  INTEGER DEFAULT 0,
		artifact_url     TEXT DEFAULT '',
		commit_ref       TEXT DEFAULT '',
		reason           TEXT DEFAULT '',
		updated_at       DATETIME NOT NULL,
		PRIMARY KEY (run_id, task_id)
	);

	CREATE INDEX IF NOT EXISTS idx_run_tasks_branch ON run_tasks(branch);

	CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT NOT NULL REFERENCES runs(id),
		task_id     INTEGER NOT NULL DEFAULT 0,
		event_type  TEXT NOT NULL,
		content     TEXT DEFAULT '',
		timestamp   DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release.
	s.addColumnIfMissing("runs", "summary", "TEXT DEFAULT ''")

	return nil
}

// addColumnIfMissing adds a column to a table if it doesn't exist yet.
func (s *Store) addColumnIfMissing(table, column, colDef string) {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return
	}

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return
		}
		if name == column {
			rows.Close()
			return
		}
	}
	rows.Close()

	s.db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + colDef)
}

// --- Runs ---

// StartRun records a new run over the requested task IDs.
func (s *Store) StartRun(requested []int64) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Requested: append([]int64(nil), requested...),
		Status:    RunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (id, requested, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, joinIDs(requested), run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// FinishRun marks a run as finished with the given status and summary line.
func (s *Store) FinishRun(runID, status, summary string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, summary = ?, finished_at = ? WHERE id = ?`,
		status, summary, now, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

const runColumns = `id, requested, status, summary, started_at, finished_at`

// GetRun returns a run by ID.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	return r, err
}

// LatestRun returns the most recently started run, or nil when there is none.
func (s *Store) LatestRun() (*Run, error) {
	row := s.db.QueryRow(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListRuns returns up to limit runs, newest first. A limit <= 0 returns all.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRuns(query, args...)
}

// ListInterruptedRuns returns runs still marked running. Outside of an
// active run these were cut short by a crash.
func (s *Store) ListInterruptedRuns() ([]Run, error) {
	return s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at DESC`, RunRunning)
}

func (s *Store) queryRuns(query string, args ...any) ([]Run, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// --- Run tasks ---

// RecordTask inserts or replaces the outcome of a task within a run.
func (s *Store) RecordTask(rt RunTask) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO run_tasks (run_id, task_id, title, outcome, branch, artifact_number, artifact_url, commit_ref, reason, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, task_id) DO UPDATE SET
			title = excluded.title,
			outcome = excluded.outcome,
			branch = excluded.branch,
			artifact_number = excluded.artifact_number,
			artifact_url = excluded.artifact_url,
			commit_ref = excluded.commit_ref,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		rt.RunID, rt.TaskID, rt.Title, rt.Outcome, rt.Branch, rt.ArtifactNumber,
		rt.ArtifactURL, rt.CommitRef, rt.Reason, now,
	)
	if err != nil {
		return fmt.Errorf("record task #%d: %w", rt.TaskID, err)
	}
	return nil
}

const runTaskColumns = `run_id, task_id, title, outcome, branch, artifact_number, artifact_url, commit_ref, reason, updated_at`

// ListRunTasks returns the recorded tasks of a run in the order they were
// first recorded.
func (s *Store) ListRunTasks(runID string) ([]RunTask, error) {
	return s.queryRunTasks(`SELECT `+runTaskColumns+` FROM run_tasks WHERE run_id = ? ORDER BY rowid`, runID)
}

// TaskHistory returns every recorded outcome of a task, newest first.
func (s *Store) TaskHistory(taskID int64) ([]RunTask, error) {
	return s.queryRunTasks(`SELECT `+runTaskColumns+` FROM run_tasks WHERE task_id = ? ORDER BY updated_at DESC, rowid DESC`, taskID)
}

func (s *Store) queryRunTasks(query string, args ...any) ([]RunTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run tasks: %w", err)
	}
	defer rows.Close()

	var tasks []RunTask
	for rows.Next() {
		var rt RunTask
		if err := rows.Scan(
			&rt.RunID, &rt.TaskID, &rt.Title, &rt.Outcome, &rt.Branch, &rt.ArtifactNumber,
			&rt.ArtifactURL, &rt.CommitRef, &rt.Reason, &rt.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run task: %w", err)
		}
		tasks = append(tasks, rt)
	}
	return tasks, rows.Err()
}

// BranchRecorded reports whether any run has already used branch.
func (s *Store) BranchRecorded(branch string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM run_tasks WHERE branch = ?`, branch).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check branch %s: %w", branch, err)
	}
	return n > 0, nil
}

// --- Events ---

// AddEvent records an event for a task within a run. Task ID 0 is a
// run-level event. Ledger writes never fail a run, so errors are dropped.
func (s *Store) AddEvent(runID string, taskID int64, eventType, content string) {
	now := time.Now().UTC()
	s.db.Exec(
		`INSERT INTO events (run_id, task_id, event_type, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		runID, taskID, eventType, content, now,
	)
}

// GetEvents returns the events of a run. A non-zero taskID filters to that task.
func (s *Store) GetEvents(runID string, taskID int64) ([]Event, error) {
	query := `SELECT id, run_id, task_id, event_type, content, timestamp FROM events WHERE run_id = ?`
	args := []any{runID}
	if taskID != 0 {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.TaskID, &e.Type, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var requested string
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &requested, &r.Status, &r.Summary, &r.StartedAt, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Requested = splitIDs(requested)
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(part, 10, 64)
		if err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
