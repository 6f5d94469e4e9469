package scheduler

import (
	"fmt"

	"github.com/basket/taskrelay/internal/persistence"
)

const (
	statusPending    = persistence.TaskStatusPending
	statusInProgress = persistence.TaskStatusInProgress
	statusCompleted  = persistence.TaskStatusCompleted
)

// pending -> in_progress is an assignment; completion is accepted from either
// open state. Nothing leaves completed.
var allowedTransitions = map[persistence.TaskStatus]map[persistence.TaskStatus]struct{}{
	statusPending: {
		statusInProgress: {},
		statusCompleted:  {},
	},
	statusInProgress: {
		statusCompleted: {},
	},
}

func canTransition(from, to persistence.TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func transition(t *persistence.Task, to persistence.TaskStatus) error {
	if !canTransition(t.Status, to) {
		return fmt.Errorf("task %s: illegal transition %s -> %s: %w", t.ID, t.Status, to, persistence.ErrConflict)
	}
	t.Status = to
	return nil
}
