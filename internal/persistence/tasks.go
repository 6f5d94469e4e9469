package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

// statusRank orders statuses along the only legal direction of travel.
var statusRank = map[TaskStatus]int{
	TaskStatusPending:    0,
	TaskStatusInProgress: 1,
	TaskStatusCompleted:  2,
}

// ParseTaskStatus accepts the canonical lower-case names.
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := statusRank[st]; !ok {
		return "", Invalid("status", fmt.Sprintf("unknown status %q (want pending, in_progress or completed)", s))
	}
	return st, nil
}

func (s TaskStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Dependencies is a list of free-text references to sibling tasks. On input
// it also accepts a single comma-separated string.
type Dependencies []string

func (d *Dependencies) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*d = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = SplitDependencies(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("dependencies must be a string or an array of strings: %w", err)
	}
	out := make(Dependencies, 0, len(list))
	for _, item := range list {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*d = out
	return nil
}

// SplitDependencies splits on ASCII and full-width commas and drops blanks.
func SplitDependencies(s string) Dependencies {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '，' })
	out := make(Dependencies, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

type Task struct {
	ID                 string       `json:"id"`
	Title              string       `json:"task_title"`
	TargetFile         string       `json:"target_file"`
	Operation          string       `json:"operation"`
	SpecificOperations string       `json:"specific_operations"`
	Related            string       `json:"related"`
	Dependencies       Dependencies `json:"dependencies"`
	ConversationID     string       `json:"conversation_id"`
	RequestID          string       `json:"request_id"`
	Status             TaskStatus   `json:"status"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// TaskSpec is the planner's description of one task to create.
type TaskSpec struct {
	// ID optionally fixes the task id; it must be unique store-wide.
	ID                 string       `json:"task_id,omitempty"`
	Title              string       `json:"task_title"`
	TargetFile         string       `json:"target_file"`
	Operation          string       `json:"operation"`
	SpecificOperations string       `json:"specific_operations,omitempty"`
	Related            string       `json:"related,omitempty"`
	Dependencies       Dependencies `json:"dependencies,omitempty"`
}

// Collection is the persisted unit: every task of one conversation/request pair.
type Collection struct {
	ConversationID string    `json:"conversation_id"`
	RequestID      string    `json:"request_id"`
	Tasks          []Task    `json:"tasks"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CollectionKey identifies a collection.
type CollectionKey struct {
	ConversationID string `json:"conversation_id"`
	RequestID      string `json:"request_id"`
}

func (k CollectionKey) fileName() string {
	return k.ConversationID + "_" + k.RequestID + ".json"
}

func (c *Collection) Key() CollectionKey {
	return CollectionKey{ConversationID: c.ConversationID, RequestID: c.RequestID}
}

// TaskIndex returns the position of id in c.Tasks, or -1.
func (c *Collection) TaskIndex(id string) int {
	for i := range c.Tasks {
		if c.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (t Task) clone() Task {
	if t.Dependencies != nil {
		t.Dependencies = append(Dependencies(nil), t.Dependencies...)
	}
	return t
}

func (c *Collection) clone() *Collection {
	if c == nil {
		return nil
	}
	out := *c
	out.Tasks = make([]Task, len(c.Tasks))
	for i := range c.Tasks {
		out.Tasks[i] = c.Tasks[i].clone()
	}
	return &out
}

// sameIdentity reports whether every field other than status and updated_at
// is unchanged.
func sameIdentity(a, b Task) bool {
	if a.ID != b.ID || a.Title != b.Title || a.TargetFile != b.TargetFile ||
		a.Operation != b.Operation || a.SpecificOperations != b.SpecificOperations ||
		a.Related != b.Related || a.ConversationID != b.ConversationID ||
		a.RequestID != b.RequestID || !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	if len(a.Dependencies) != len(b.Dependencies) {
		return false
	}
	for i := range a.Dependencies {
		if a.Dependencies[i] != b.Dependencies[i] {
			return false
		}
	}
	return true
}

// StatusCounts tallies tasks per status.
type StatusCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
}

func (s *StatusCounts) Add(st TaskStatus) {
	switch st {
	case TaskStatusPending:
		s.Pending++
	case TaskStatusInProgress:
		s.InProgress++
	case TaskStatusCompleted:
		s.Completed++
	}
}

func (s StatusCounts) Total() int { return s.Pending + s.InProgress + s.Completed }

func (s StatusCounts) Of(st TaskStatus) int {
	switch st {
	case TaskStatusPending:
		return s.Pending
	case TaskStatusInProgress:
		return s.InProgress
	case TaskStatusCompleted:
		return s.Completed
	}
	return 0
}

func countStatuses(tasks []Task) StatusCounts {
	var c StatusCounts
	for i := range tasks {
		c.Add(tasks[i].Status)
	}
	return c
}
