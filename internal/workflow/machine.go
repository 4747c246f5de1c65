// Package workflow advances a task's tracked status through the fixed
// lifecycle and verifies that every write actually took effect.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/imkarma/issueflow/internal/metrics"
	"github.com/imkarma/issueflow/internal/task"
)

var (
	// ErrInvalidTransition means from -> to is not in the transition table.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrVerificationFailed means the write was accepted but a re-read did
	// not show the new status.
	ErrVerificationFailed = errors.New("transition not verified")
	// ErrStatusMismatch means the task was not in the expected from status.
	ErrStatusMismatch = errors.New("status mismatch")
	// ErrEscalated means the task was handed to a human earlier in this run.
	ErrEscalated = errors.New("task escalated to human")
)

// ErrorKind classifies a TransitionError.
type ErrorKind string

const (
	KindInvalid      ErrorKind = "invalid"
	KindEscalated    ErrorKind = "escalated"
	KindMismatch     ErrorKind = "mismatch"
	KindRemote       ErrorKind = "remote_error"
	KindVerification ErrorKind = "unverified"
)

// TransitionError describes a failed transition. Err is one of the package
// sentinels, or the underlying remote error for KindRemote.
type TransitionError struct {
	TaskID   int64
	From     task.Status
	To       task.Status
	Observed task.Status
	Kind     ErrorKind
	Err      error
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("transition #%d %s -> %s", e.TaskID, e.From, e.To)
	switch e.Kind {
	case KindMismatch, KindVerification:
		return fmt.Sprintf("%s: %v (observed %s)", msg, e.Err, e.Observed)
	default:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
}

func (e *TransitionError) Unwrap() error { return e.Err }

// StatusStore is the part of the tracker the machine needs.
type StatusStore interface {
	GetTask(ctx context.Context, id int64) (*task.Task, error)
	SetStatus(ctx context.Context, id int64, status task.Status) error
}

// Machine owns every status write of a run.
type Machine struct {
	store  StatusStore
	settle time.Duration
	log    *zap.Logger

	mu        sync.Mutex
	escalated map[int64]bool
}

// NewMachine creates a machine that waits settle between a write and its
// verifying read.
func NewMachine(store StatusStore, settle time.Duration, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		store:     store,
		settle:    settle,
		log:       log.Named("workflow"),
		escalated: make(map[int64]bool),
	}
}

// Transition moves task id from -> to. Illegal transitions and tasks already
// escalated in this run fail without any remote call. The write and its
// verification run to completion even if ctx is cancelled meanwhile.
func (m *Machine) Transition(ctx context.Context, id int64, from, to task.Status) error {
	if !IsValidTransition(from, to) {
		return m.fail(&TransitionError{TaskID: id, From: from, To: to, Kind: KindInvalid, Err: ErrInvalidTransition})
	}
	if m.Escalated(id) {
		return m.fail(&TransitionError{TaskID: id, From: from, To: to, Kind: KindEscalated, Err: ErrEscalated})
	}

	current, err := m.store.GetTask(ctx, id)
	if err != nil {
		return m.fail(&TransitionError{TaskID: id, From: from, To: to, Kind: KindRemote, Err: err})
	}
	if current.Status == to {
		m.log.Debug("already in target status", zap.Int64("task", id), zap.String("status", string(to)))
		metrics.Transitions.WithLabelValues(string(to), "noop").Inc()
		m.markDone(id, to)
		return nil
	}
	if current.Status != from {
		return m.fail(&TransitionError{TaskID: id, From: from, To: to, Observed: current.Status, Kind: KindMismatch, Err: ErrStatusMismatch})
	}

	wctx := context.WithoutCancel(ctx)
	if err := m.store.SetStatus(wctx, id, to); err != nil {
		return m.fail(&TransitionError{TaskID: id, From: from, To: to, Kind: KindRemote, Err: err})
	}

	if m.settle > 0 {
		time.Sleep(m.settle)
	}

	after, err := m.store.GetTask(wctx, id)
	if err != nil {
		return m.fail(&TransitionError{TaskID: id, From: from, To: to, Kind: KindRemote, Err: fmt.Errorf("verify: %w", err)})
	}
	if after.Status != to {
		return m.fail(&TransitionError{TaskID: id, From: from, To: to, Observed: after.Status, Kind: KindVerification, Err: ErrVerificationFailed})
	}

	m.markDone(id, to)
	metrics.Transitions.WithLabelValues(string(to), "ok").Inc()
	m.log.Info("status transitioned",
		zap.Int64("task", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// Escalated reports whether id was moved to NeedsHumanHelp in this run.
func (m *Machine) Escalated(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escalated[id]
}

func (m *Machine) markDone(id int64, to task.Status) {
	if to != task.StatusNeedsHumanHelp {
		return
	}
	m.mu.Lock()
	m.escalated[id] = true
	m.mu.Unlock()
}

func (m *Machine) fail(err *TransitionError) error {
	metrics.Transitions.WithLabelValues(string(err.To), string(err.Kind)).Inc()
	m.log.Warn("transition failed",
		zap.Int64("task", err.TaskID),
		zap.String("from", string(err.From)),
		zap.String("to", string(err.To)),
		zap.String("kind", string(err.Kind)),
		zap.Error(err.Err),
	)
	return err
}
