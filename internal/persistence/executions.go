package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/taskrelay/internal/bus"
)

const executionSaveRetries = 3

// Execution is the narrative of how a task was carried out.
type Execution struct {
	TaskID           string    `json:"task_id"`
	ExecutionProcess string    `json:"execution_process"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ExecutionSummary is returned with every save so callers can confirm what
// was stored.
type ExecutionSummary struct {
	Characters int  `json:"characters"`
	Lines      int  `json:"lines"`
	Bytes      int  `json:"bytes"`
	Created    bool `json:"created"`
}

func summarize(text string, created bool) ExecutionSummary {
	lines := 0
	if text != "" {
		lines = strings.Count(text, "\n") + 1
		if strings.HasSuffix(text, "\n") {
			lines--
		}
	}
	return ExecutionSummary{
		Characters: utf8.RuneCountInString(text),
		Lines:      lines,
		Bytes:      len(text),
		Created:    created,
	}
}

// TaskLookup is the part of the task store the execution log needs.
type TaskLookup interface {
	HasTask(taskID string) bool
	Now() time.Time
}

// ExecutionStore keeps one file per task id under dir.
type ExecutionStore struct {
	dir   string
	tasks TaskLookup
	bus   *bus.Bus
	locks *keyedMutex

	// write is swapped in tests to inject transient failures.
	write func(path string, data []byte) error
}

// NewExecutionStore stores narratives in dir, validating task ids against tasks.
func NewExecutionStore(dir string, tasks TaskLookup, eventBus *bus.Bus) *ExecutionStore {
	return &ExecutionStore{
		dir:   dir,
		tasks: tasks,
		bus:   eventBus,
		locks: newKeyedMutex(),
		write: func(path string, data []byte) error { return atomicWrite(path, data, 0o644) },
	}
}

func (e *ExecutionStore) path(taskID string) string {
	return filepath.Join(e.dir, taskID+"_execution.json")
}

// Save upserts the narrative for taskID. created_at is kept from an existing
// record and updated_at always moves forward. Transient write failures are
// retried with backoff.
func (e *ExecutionStore) Save(ctx context.Context, taskID, text string) (*Execution, ExecutionSummary, error) {
	if err := ValidateID("task_id", taskID); err != nil {
		return nil, ExecutionSummary{}, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ExecutionSummary{}, Invalid("execution_process", "must not be empty")
	}
	if !e.tasks.HasTask(taskID) {
		return nil, ExecutionSummary{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}

	unlock := e.locks.Lock(taskID)
	defer unlock()

	prev, err := e.read(taskID)
	if err != nil {
		return nil, ExecutionSummary{}, err
	}

	now := e.tasks.Now()
	rec := &Execution{TaskID: taskID, ExecutionProcess: text, CreatedAt: now, UpdatedAt: now}
	if prev != nil {
		rec.CreatedAt = prev.CreatedAt
		if !now.After(prev.UpdatedAt) {
			rec.UpdatedAt = prev.UpdatedAt.Add(time.Microsecond)
		}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, ExecutionSummary{}, fmt.Errorf("encode execution: %w", err)
	}
	data = append(data, '\n')
	path := e.path(taskID)
	err = retryWithBackoff(ctx, executionSaveRetries, isTransientIO, func() error {
		return e.write(path, data)
	})
	if err != nil {
		return nil, ExecutionSummary{}, storageErr("write execution", err)
	}

	summary := summarize(text, prev == nil)
	e.bus.Publish(bus.TopicExecutionSaved, bus.ExecutionSavedEvent{
		TaskID:  taskID,
		Created: summary.Created,
		Chars:   summary.Characters,
	})
	return rec, summary, nil
}

// Load returns the narrative for taskID. A missing record is reported as
// (nil, false, nil).
func (e *ExecutionStore) Load(ctx context.Context, taskID string) (*Execution, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := ValidateID("task_id", taskID); err != nil {
		return nil, false, err
	}
	rec, err := e.read(taskID)
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

func (e *ExecutionStore) read(taskID string) (*Execution, error) {
	data, err := os.ReadFile(e.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storageErr("read execution", err)
	}
	var rec Execution
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, storageErr("decode execution "+taskID, err)
	}
	return &rec, nil
}
