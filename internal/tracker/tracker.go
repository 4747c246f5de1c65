// Package tracker is the work-item client: the only path by which tasks,
// their blocking edges and their tracked status are read or written.
package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/imkarma/issueflow/internal/task"
)

// ErrNotFound is returned when the requested task or object does not exist.
var ErrNotFound = errors.New("not found")

// Client is the remote store of tasks.
type Client interface {
	// GetTask reads one task, including its current status.
	GetTask(ctx context.Context, id int64) (*task.Task, error)
	// GetBlockedBy returns the IDs of tasks that block id. Pagination is
	// handled by the implementation.
	GetBlockedBy(ctx context.Context, id int64) ([]int64, error)
	// SetStatus writes the tracked status. Callers must go through the
	// workflow machine rather than calling this directly.
	SetStatus(ctx context.Context, id int64, status task.Status) error
	AddLabel(ctx context.Context, id int64, label string) error
	AddComment(ctx context.Context, id int64, body string) error
	// CreateLinkedArtifact opens a reviewable artifact (a pull request) for
	// the branch, linked to the task. An artifact already open for the
	// branch is returned instead of creating a second one.
	CreateLinkedArtifact(ctx context.Context, req ArtifactRequest) (*ArtifactRef, error)
	// BranchExists reports whether the remote already has the branch.
	BranchExists(ctx context.Context, branch string) (bool, error)
}

// ForeignBlockerSource is implemented by clients that can see blockers in
// other repositories. GetBlockedBy leaves those out of its result; they are
// reported here, with their status, once GetBlockedBy(id) has run.
type ForeignBlockerSource interface {
	ForeignBlockers(id int64) []task.ForeignBlocker
}

// ArtifactRequest describes the artifact to open for a finished task.
type ArtifactRequest struct {
	TaskID    int64
	Title     string
	Branch    string
	Base      string
	CommitRef string
	Body      string
}

// ArtifactRef identifies an opened artifact.
type ArtifactRef struct {
	Number    int    `json:"number"`
	URL       string `json:"url"`
	Branch    string `json:"branch"`
	CommitRef string `json:"commit_ref,omitempty"`
	Reused    bool   `json:"reused,omitempty"`
}

func (a *ArtifactRef) String() string {
	if a == nil {
		return ""
	}
	if a.URL != "" {
		return fmt.Sprintf("#%d (%s)", a.Number, a.URL)
	}
	return fmt.Sprintf("#%d", a.Number)
}
