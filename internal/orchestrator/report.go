package orchestrator

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/imkarma/issueflow/internal/governor"
	"github.com/imkarma/issueflow/internal/tracker"
)

// Outcome is what happened to one task in a run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"  // a transitive blocker failed
	OutcomeInvalid   Outcome = "invalid"  // failed preflight under partial tolerance
	OutcomeDeferred  Outcome = "deferred" // not started: batch size, quota or cancellation
	OutcomeRunning   Outcome = "running"
)

// Report summarizes one run. It is built fresh for every Run call.
type Report struct {
	RunID string  `json:"run_id"`
	Order []int64 `json:"order"`

	Completed []int64 `json:"completed"`
	Failed    []int64 `json:"failed"`
	Skipped   []int64 `json:"skipped"`
	Invalid   []int64 `json:"invalid,omitempty"`
	Deferred  []int64 `json:"deferred,omitempty"`

	Artifacts map[int64]*tracker.ArtifactRef `json:"artifacts,omitempty"`
	Commits   map[int64]string               `json:"commits,omitempty"`
	Branches  map[int64]string               `json:"branches,omitempty"`
	Reasons   map[int64]string               `json:"reasons,omitempty"`
	Warnings  []string                       `json:"warnings,omitempty"`

	// Errors holds the typed error behind each failed or invalid task.
	Errors map[int64]error `json:"-"`

	// Aborted is set when the run stopped early; it names the cause.
	Aborted string `json:"aborted,omitempty"`

	Quota      governor.Summary `json:"quota"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

func newReport(runID string) *Report {
	return &Report{
		RunID:     runID,
		Completed: []int64{},
		Failed:    []int64{},
		Skipped:   []int64{},
		Artifacts: make(map[int64]*tracker.ArtifactRef),
		Commits:   make(map[int64]string),
		Branches:  make(map[int64]string),
		Reasons:   make(map[int64]string),
		Errors:    make(map[int64]error),
		StartedAt: time.Now().UTC(),
	}
}

// Outcome returns the recorded outcome of id, or "" if the run never
// reached it.
func (r *Report) Outcome(id int64) Outcome {
	switch {
	case slices.Contains(r.Completed, id):
		return OutcomeCompleted
	case slices.Contains(r.Failed, id):
		return OutcomeFailed
	case slices.Contains(r.Skipped, id):
		return OutcomeSkipped
	case slices.Contains(r.Invalid, id):
		return OutcomeInvalid
	case slices.Contains(r.Deferred, id):
		return OutcomeDeferred
	}
	return ""
}

// Success reports whether every planned task completed and nothing was left
// behind.
func (r *Report) Success() bool {
	return r.Aborted == "" &&
		len(r.Failed) == 0 &&
		len(r.Skipped) == 0 &&
		len(r.Invalid) == 0 &&
		len(r.Deferred) == 0
}

// Summary is a one-line count of outcomes.
func (r *Report) Summary() string {
	parts := []string{
		fmt.Sprintf("%d completed", len(r.Completed)),
		fmt.Sprintf("%d failed", len(r.Failed)),
		fmt.Sprintf("%d skipped", len(r.Skipped)),
	}
	if len(r.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("%d invalid", len(r.Invalid)))
	}
	if len(r.Deferred) > 0 {
		parts = append(parts, fmt.Sprintf("%d deferred", len(r.Deferred)))
	}
	s := strings.Join(parts, ", ")
	if r.Aborted != "" {
		s += " (aborted: " + r.Aborted + ")"
	}
	return s
}

func (r *Report) add(id int64, outcome Outcome, err error) {
	switch outcome {
	case OutcomeCompleted:
		r.Completed = append(r.Completed, id)
	case OutcomeFailed:
		r.Failed = append(r.Failed, id)
	case OutcomeSkipped:
		r.Skipped = append(r.Skipped, id)
	case OutcomeInvalid:
		r.Invalid = append(r.Invalid, id)
	case OutcomeDeferred:
		r.Deferred = append(r.Deferred, id)
	}
	if err != nil {
		r.Errors[id] = err
		r.Reasons[id] = err.Error()
	}
}

func (r *Report) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
