// Package task holds the data model shared by the tracker client, the
// resolver, the state machine and the coordinator.
package task

import (
	"fmt"
	"strings"
)

// Status is a task's tracked lifecycle state.
type Status string

const (
	StatusUnknown        Status = ""
	StatusBacklog        Status = "backlog"
	StatusTodo           Status = "todo"
	StatusInProgress     Status = "in-progress"
	StatusInReview       Status = "in-review"
	StatusDone           Status = "done"
	StatusNeedsHumanHelp Status = "needs-human-help"
)

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusBacklog,
		StatusTodo,
		StatusInProgress,
		StatusInReview,
		StatusDone,
		StatusNeedsHumanHelp,
	}
}

// ParseStatus converts a status name into a Status.
func ParseStatus(s string) (Status, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.NewReplacer("_", "-", " ", "-").Replace(normalized)
	for _, st := range AllStatuses() {
		if string(st) == normalized {
			return st, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown status %q", s)
}

// Settled reports whether the status counts as "done-equivalent" for the
// purpose of unblocking dependents.
func (s Status) Settled() bool {
	return s == StatusInReview || s == StatusDone
}

func (s Status) String() string {
	if s == StatusUnknown {
		return "unknown"
	}
	return string(s)
}

// LabelNeedsHumanHelp is attached to any task that stalled and needs a person.
const LabelNeedsHumanHelp = "needs-human-help"

// Task is a unit of trackable work.
type Task struct {
	ID                 int64    `json:"id"`
	Title              string   `json:"title"`
	Labels             []string `json:"labels,omitempty"`
	Milestone          string   `json:"milestone,omitempty"`
	Status             Status   `json:"status"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	RequiredDocs       []string `json:"required_docs,omitempty"`
	URL                string   `json:"url,omitempty"`
}

// HasLabel reports whether the task carries the given label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Edge is a directed blocking relationship: Blocker must finish before
// Blocked may start.
type Edge struct {
	Blocker int64 `json:"blocker"`
	Blocked int64 `json:"blocked"`
}

func (e Edge) String() string {
	return fmt.Sprintf("#%d -> #%d", e.Blocker, e.Blocked)
}

// ForeignBlocker is a blocker that lives in another repository. It never
// takes part in ordering; it only has to be settled before the task runs.
type ForeignBlocker struct {
	Ref    string `json:"ref"` // owner/repo#number
	Status Status `json:"status"`
}
