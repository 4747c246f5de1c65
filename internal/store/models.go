package store

import "time"

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed" // every planned task completed
	RunPartial   = "partial"   // finished with failures, skips or deferrals
	RunAborted   = "aborted"   // batch-fatal error, throttle or cancellation
)

// Run is one invocation of the coordinator over a batch of task IDs.
type Run struct {
	ID         string     `json:"id"`
	Requested  []int64    `json:"requested"`
	Status     string     `json:"status"`
	Summary    string     `json:"summary,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunTask is the recorded outcome of one task within a run.
type RunTask struct {
	RunID          string    `json:"run_id"`
	TaskID         int64     `json:"task_id"`
	Title          string    `json:"title,omitempty"`
	Outcome        string    `json:"outcome"`
	Branch         string    `json:"branch,omitempty"`
	ArtifactNumber int       `json:"artifact_number,omitempty"`
	ArtifactURL    string    `json:"artifact_url,omitempty"`
	CommitRef      string    `json:"commit_ref,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Event is something that happened to a task during a run.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	TaskID    int64     `json:"task_id"`
	Type      string    `json:"event_type"` // started, transition, worker, artifact, warning, failed, skipped
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
