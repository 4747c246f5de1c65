// Package worker performs the work of a task. The coordinator hands a
// Worker a payload and gets back a result; the worker never touches
// tracked state.
package worker

import (
	"context"
)

// Status is the outcome a worker reports.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Payload is everything a worker gets for one task.
type Payload struct {
	TaskID             int64    `json:"task_id"`
	Title              string   `json:"title"`
	BranchName         string   `json:"branch_name"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	RequiredDocs       []string `json:"required_docs,omitempty"`
}

// Result is what a worker returns. CommitRef is set on success.
type Result struct {
	Status       Status   `json:"status"`
	CommitRef    string   `json:"commit_ref,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// Failed builds a failed result.
func Failed(reason string) Result {
	return Result{Status: StatusFailed, ErrorMessage: reason}
}

// Worker executes one task. A returned error and a StatusFailed result are
// both treated as a failed task.
type Worker interface {
	Execute(ctx context.Context, p Payload) (Result, error)
}

// Func adapts a function to the Worker interface.
type Func func(ctx context.Context, p Payload) (Result, error)

func (f Func) Execute(ctx context.Context, p Payload) (Result, error) { return f(ctx, p) }
