package scheduler

import (
	"strings"

	"github.com/basket/taskrelay/internal/persistence"
)

// DependencyResolver decides which of a task's dependency entries still block
// it, given the other tasks of its collection.
type DependencyResolver interface {
	Blockers(task persistence.Task, siblings []persistence.Task) []string
}

// noneMarkers are dependency entries that mean "no dependency".
var noneMarkers = map[string]bool{
	"none": true,
	"无":    true,
	"-":    true,
	"n/a":  true,
}

// SiblingResolver matches each entry against sibling ids exactly and sibling
// titles case-insensitively. Entries that match nothing do not block.
type SiblingResolver struct{}

func (SiblingResolver) Blockers(task persistence.Task, siblings []persistence.Task) []string {
	var blockers []string
	for _, raw := range task.Dependencies {
		ref := strings.TrimSpace(raw)
		if ref == "" || noneMarkers[strings.ToLower(ref)] {
			continue
		}
		for i := range siblings {
			sib := &siblings[i]
			if sib.ID == task.ID {
				continue
			}
			if sib.ID != ref && !strings.EqualFold(strings.TrimSpace(sib.Title), ref) {
				continue
			}
			if sib.Status != persistence.TaskStatusCompleted {
				blockers = append(blockers, sib.ID)
			}
		}
	}
	return blockers
}
