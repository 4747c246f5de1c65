package workflow

import (
	"fmt"
	"sort"

	"github.com/imkarma/issueflow/internal/task"
)

// allowedTransitions is the complete set of status changes the orchestrator
// may make. Anything else, including a same-status write, is rejected.
var allowedTransitions = map[task.Status]map[task.Status]struct{}{
	task.StatusTodo: {
		task.StatusInProgress: {},
	},
	task.StatusInProgress: {
		task.StatusInReview:       {},
		task.StatusNeedsHumanHelp: {},
	},
}

// IsValidTransition reports whether from -> to is in the transition table.
func IsValidTransition(from, to task.Status) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// ValidateTransition returns an ErrInvalidTransition-wrapping error when
// from -> to is not allowed.
func ValidateTransition(from, to task.Status) error {
	if IsValidTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// AllowedTargets lists the statuses reachable from from, sorted.
func AllowedTargets(from task.Status) []task.Status {
	var out []task.Status
	for to := range allowedTransitions[from] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
