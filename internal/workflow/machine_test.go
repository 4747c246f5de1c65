package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/imkarma/issueflow/internal/task"
	"github.com/imkarma/issueflow/internal/tracker/trackertest"
)

func newFake(status task.Status) *trackertest.Fake {
	f := trackertest.New()
	f.AddTask(task.Task{ID: 1, Title: "one", Status: status})
	return f
}

func TestTransitionTable(t *testing.T) {
	all := append(task.AllStatuses(), task.StatusUnknown)
	allowed := map[[2]task.Status]bool{
		{task.StatusTodo, task.StatusInProgress}:           true,
		{task.StatusInProgress, task.StatusInReview}:       true,
		{task.StatusInProgress, task.StatusNeedsHumanHelp}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]task.Status{from, to}]
			assert.Equal(t, want, IsValidTransition(from, to), "%s -> %s", from, to)
			if want {
				assert.NoError(t, ValidateTransition(from, to))
			} else {
				assert.ErrorIs(t, ValidateTransition(from, to), ErrInvalidTransition)
			}
		}
	}
	assert.Equal(t, []task.Status{task.StatusInReview, task.StatusNeedsHumanHelp}, AllowedTargets(task.StatusInProgress))
	assert.Empty(t, AllowedTargets(task.StatusDone))
}

func TestTransition_InvalidMakesNoRemoteCalls(t *testing.T) {
	f := newFake(task.StatusTodo)
	m := NewMachine(f, 0, nil)

	err := m.Transition(context.Background(), 1, task.StatusTodo, task.StatusDone)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindInvalid, te.Kind)
	assert.Zero(t, f.CountCalls())
}

func TestTransition_Success(t *testing.T) {
	f := newFake(task.StatusTodo)
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewMachine(f, 0, zap.New(core))

	require.NoError(t, m.Transition(context.Background(), 1, task.StatusTodo, task.StatusInProgress))
	assert.Equal(t, task.StatusInProgress, f.Status(1))
	assert.Equal(t, 3, f.CountCalls(), "precondition read, write, verifying read")
	assert.Equal(t, 1, logs.FilterMessage("status transitioned").Len())
}

func TestTransition_AlreadyInTarget(t *testing.T) {
	f := newFake(task.StatusInProgress)
	m := NewMachine(f, 0, nil)
	before := transitionCount(t, task.StatusInProgress, "noop")

	require.NoError(t, m.Transition(context.Background(), 1, task.StatusTodo, task.StatusInProgress))
	assert.Zero(t, f.Mutations())
	assert.Equal(t, before+1, transitionCount(t, task.StatusInProgress, "noop"))
}

// transitionCount reads the transitions counter for one label pair from the
// default registry.
func transitionCount(t *testing.T, to task.Status, result string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "issueflow_workflow_transitions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["to"] == string(to) && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestTransition_StatusMismatch(t *testing.T) {
	f := newFake(task.StatusBacklog)
	m := NewMachine(f, 0, nil)

	err := m.Transition(context.Background(), 1, task.StatusTodo, task.StatusInProgress)
	assert.ErrorIs(t, err, ErrStatusMismatch)
	assert.False(t, errors.Is(err, ErrInvalidTransition))

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, task.StatusBacklog, te.Observed)
	assert.Zero(t, f.Mutations())
}

func TestTransition_VerificationFailed(t *testing.T) {
	f := newFake(task.StatusTodo)
	f.DropStatusWrites = true
	m := NewMachine(f, 0, nil)

	err := m.Transition(context.Background(), 1, task.StatusTodo, task.StatusInProgress)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.False(t, errors.Is(err, ErrInvalidTransition))

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindVerification, te.Kind)
	assert.Equal(t, task.StatusTodo, te.Observed)
}

func TestTransition_SettleIntervalCoversLag(t *testing.T) {
	t.Run("lag longer than settle", func(t *testing.T) {
		f := newFake(task.StatusTodo)
		f.StatusLag = time.Hour
		m := NewMachine(f, 0, nil)
		err := m.Transition(context.Background(), 1, task.StatusTodo, task.StatusInProgress)
		assert.ErrorIs(t, err, ErrVerificationFailed)
	})

	t.Run("settle waits out lag", func(t *testing.T) {
		f := newFake(task.StatusTodo)
		f.StatusLag = 10 * time.Millisecond
		m := NewMachine(f, 40*time.Millisecond, nil)
		require.NoError(t, m.Transition(context.Background(), 1, task.StatusTodo, task.StatusInProgress))
	})
}

func TestTransition_RemoteError(t *testing.T) {
	f := newFake(task.StatusTodo)
	boom := errors.New("502 bad gateway")
	f.Fail = func(method string, id int64) error {
		if method == trackertest.MethodSetStatus {
			return boom
		}
		return nil
	}
	m := NewMachine(f, 0, nil)

	err := m.Transition(context.Background(), 1, task.StatusTodo, task.StatusInProgress)
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrVerificationFailed))

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindRemote, te.Kind)
}

func TestTransition_EscalatedTaskIsFrozen(t *testing.T) {
	f := newFake(task.StatusInProgress)
	m := NewMachine(f, 0, nil)
	ctx := context.Background()

	require.NoError(t, m.Transition(ctx, 1, task.StatusInProgress, task.StatusNeedsHumanHelp))
	assert.True(t, m.Escalated(1))
	f.ResetCalls()

	err := m.Transition(ctx, 1, task.StatusInProgress, task.StatusInReview)
	assert.ErrorIs(t, err, ErrEscalated)
	assert.Zero(t, f.CountCalls())
}

func TestTransition_WriteSurvivesCancellation(t *testing.T) {
	f := newFake(task.StatusTodo)
	f.StatusLag = 10 * time.Millisecond
	m := NewMachine(f, 30*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.Fail = func(method string, id int64) error {
		if method == trackertest.MethodSetStatus {
			cancel()
		}
		return nil
	}

	require.NoError(t, m.Transition(ctx, 1, task.StatusTodo, task.StatusInProgress))
	assert.Equal(t, task.StatusInProgress, f.Status(1))
}
