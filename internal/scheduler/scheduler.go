// Package scheduler claims and completes tasks on top of the task store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/shared"
	"github.com/basket/taskrelay/internal/stream"
)

// ExecutionStatus values reported by Current.
const (
	ExecutionRecorded = "recorded"
	ExecutionNone     = "none"
)

// HistorySource supplies journalled transitions.
type HistorySource interface {
	History(ctx context.Context, taskID string) ([]persistence.TransitionEvent, error)
}

type Scheduler struct {
	store    *persistence.Store
	execs    *persistence.ExecutionStore
	resolver DependencyResolver
	history  HistorySource
	logger   *slog.Logger
	metrics  *otel.Metrics

	// claimed maps task id to the created_at of the task instance handed out.
	// A re-created task with the same custom id has a different created_at.
	claimed sync.Map
}

type Option func(*Scheduler)

func WithResolver(r DependencyResolver) Option { return func(s *Scheduler) { s.resolver = r } }

func WithHistory(h HistorySource) Option { return func(s *Scheduler) { s.history = h } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *otel.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

func New(store *persistence.Store, execs *persistence.ExecutionStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		execs:    execs,
		resolver: SiblingResolver{},
		logger:   slog.Default(),
		metrics:  otel.DiscardMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type NextResult struct {
	Available bool              `json:"available"`
	Task      *persistence.Task `json:"task,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Next claims the first executable pending task. Collections are visited in
// file-name order (restricted to conversationID when set) and locked one at a
// time; tasks are visited in creation order. The read, decision and write for
// a collection all happen under its lock.
//
// A repeated hand-out in one collection is logged and the scan moves on; the
// Conflict is returned only when no other collection yields a task.
func (s *Scheduler) Next(ctx context.Context, conversationID string) (NextResult, error) {
	var conflict error
	for _, info := range s.store.Collections(conversationID) {
		if err := ctx.Err(); err != nil {
			return NextResult{}, err
		}
		if info.Counts.Pending == 0 {
			continue
		}
		stream.Report(ctx, "scanning %s/%s (%d pending)", info.ConversationID, info.RequestID, info.Counts.Pending)

		task, err := s.claimIn(ctx, info.CollectionKey)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if errors.Is(err, persistence.ErrConflict) {
			s.logger.Warn("skipping collection after repeated hand-out", "component", "scheduler",
				"conversation_id", info.ConversationID, "request_id", info.RequestID, "error", err,
				"trace_id", shared.TraceID(ctx))
			if conflict == nil {
				conflict = err
			}
			continue
		}
		if err != nil {
			return NextResult{}, err
		}
		if task != nil {
			s.metrics.TasksClaimed.Add(ctx, 1)
			s.logger.Info("task claimed", "component", "scheduler",
				"task_id", task.ID, "conversation_id", task.ConversationID, "request_id", task.RequestID,
				"trace_id", shared.TraceID(ctx))
			return NextResult{Available: true, Task: task}, nil
		}
	}
	if conflict != nil {
		return NextResult{}, conflict
	}
	return NextResult{Available: false, Message: "no task available"}, nil
}

func (s *Scheduler) claimIn(ctx context.Context, key persistence.CollectionKey) (*persistence.Task, error) {
	var picked *persistence.Task
	_, err := s.store.Update(ctx, key.ConversationID, key.RequestID, func(c *persistence.Collection) error {
		for i := range c.Tasks {
			t := &c.Tasks[i]
			if t.Status != statusPending {
				continue
			}
			if blockers := s.resolver.Blockers(*t, c.Tasks); len(blockers) > 0 {
				continue
			}
			if prev, dup := s.claimed.Load(t.ID); dup && prev.(time.Time).Equal(t.CreatedAt) {
				s.metrics.ClaimConflicts.Add(ctx, 1)
				s.logger.Error("task already handed out but pending on disk", "component", "scheduler",
					"task_id", t.ID, "conversation_id", t.ConversationID, "request_id", t.RequestID)
				return fmt.Errorf("task %s claimed twice: %w", t.ID, persistence.ErrConflict)
			}
			if err := transition(t, statusInProgress); err != nil {
				return err
			}
			t.UpdatedAt = s.store.Now()
			claimed := *t
			picked = &claimed
			return nil
		}
		return persistence.ErrNoChange
	})
	if err != nil {
		return nil, err
	}
	if picked != nil {
		s.claimed.Store(picked.ID, picked.CreatedAt)
	}
	return picked, nil
}

// Reconcile drops remembered hand-outs that no longer describe a live claim:
// the task is gone, was re-created under the same id, or has left in_progress
// by a path other than Complete. Entries whose task is pending again with the
// same created_at stay, so Next keeps reporting them. It returns the number of
// entries dropped.
func (s *Scheduler) Reconcile(ctx context.Context) int {
	dropped := 0
	s.claimed.Range(func(k, v any) bool {
		if ctx.Err() != nil {
			return false
		}
		id := k.(string)
		t, _, err := s.store.FindTask(ctx, id)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
		case err != nil:
			return true
		case !t.CreatedAt.Equal(v.(time.Time)):
		case t.Status == statusInProgress || t.Status == statusPending:
			return true
		}
		s.claimed.CompareAndDelete(id, v)
		dropped++
		return true
	})
	if dropped > 0 {
		s.logger.Debug("claim memory reconciled", "component", "scheduler", "dropped", dropped)
	}
	return dropped
}

type CompleteResult struct {
	Task             persistence.Task `json:"task"`
	AlreadyCompleted bool             `json:"already_completed"`
}

// Complete marks taskID completed regardless of its current state. Completing
// a completed task succeeds and reports AlreadyCompleted.
func (s *Scheduler) Complete(ctx context.Context, taskID string) (CompleteResult, error) {
	if taskID == "" {
		return CompleteResult{}, persistence.Invalid("task_id", "is required")
	}
	_, key, err := s.store.FindTask(ctx, taskID)
	if err != nil {
		return CompleteResult{}, err
	}
	stream.Report(ctx, "resolved task %s in %s/%s", taskID, key.ConversationID, key.RequestID)

	var res CompleteResult
	_, err = s.store.Update(ctx, key.ConversationID, key.RequestID, func(c *persistence.Collection) error {
		i := c.TaskIndex(taskID)
		if i < 0 {
			return fmt.Errorf("task %s: %w", taskID, persistence.ErrNotFound)
		}
		t := &c.Tasks[i]
		if t.Status == statusCompleted {
			res = CompleteResult{Task: *t, AlreadyCompleted: true}
			return persistence.ErrNoChange
		}
		if err := transition(t, statusCompleted); err != nil {
			return err
		}
		t.UpdatedAt = s.store.Now()
		res = CompleteResult{Task: *t}
		return nil
	})
	if err != nil {
		return CompleteResult{}, err
	}
	if !res.AlreadyCompleted {
		s.claimed.Delete(taskID)
		s.metrics.TasksCompleted.Add(ctx, 1)
		s.logger.Info("task completed", "component", "scheduler", "task_id", taskID, "trace_id", shared.TraceID(ctx))
	}
	return res, nil
}

type CurrentResult struct {
	Executing       bool                   `json:"executing"`
	Task            *persistence.Task      `json:"task,omitempty"`
	Execution       *persistence.Execution `json:"execution,omitempty"`
	ExecutionStatus string                 `json:"execution_status,omitempty"`
	Message         string                 `json:"message,omitempty"`
}

// Current returns the most recently updated in_progress task, joined with its
// execution narrative when one exists. Ties keep store order.
func (s *Scheduler) Current(ctx context.Context) (CurrentResult, error) {
	running, err := s.store.Query(ctx, persistence.Filter{Status: statusInProgress})
	if err != nil {
		return CurrentResult{}, err
	}
	if len(running) == 0 {
		return CurrentResult{Executing: false, Message: "no task executing"}, nil
	}
	best := 0
	for i := 1; i < len(running); i++ {
		if running[i].UpdatedAt.After(running[best].UpdatedAt) {
			best = i
		}
	}
	task := running[best]
	stream.Report(ctx, "%d task(s) in progress; latest is %s", len(running), task.ID)

	res := CurrentResult{Executing: true, Task: &task, ExecutionStatus: ExecutionNone}
	if s.execs == nil {
		return res, nil
	}
	exec, ok, err := s.execs.Load(ctx, task.ID)
	if err != nil {
		return CurrentResult{}, err
	}
	if ok {
		res.Execution = exec
		res.ExecutionStatus = ExecutionRecorded
	} else {
		res.Message = "no execution recorded yet"
	}
	return res, nil
}

type Stats struct {
	Scope      string             `json:"scope"`
	Total      int                `json:"total"`
	Pending    int                `json:"pending"`
	InProgress int                `json:"in_progress"`
	Completed  int                `json:"completed"`
	Tasks      []persistence.Task `json:"tasks"`
}

// Stats counts tasks per status in one pass over the query result, reporting
// the scope filter and each collection counted.
func (s *Scheduler) Stats(ctx context.Context, conversationID string) (Stats, error) {
	if conversationID != "" {
		stream.Report(ctx, "filter conversation_id=%s", conversationID)
	}
	tasks, err := s.store.QueryVisit(ctx, persistence.Filter{ConversationID: conversationID},
		func(info persistence.CollectionInfo, n int) {
			stream.Report(ctx, "counted %s/%s: %d task(s)", info.ConversationID, info.RequestID, n)
		})
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Scope: "all", Tasks: tasks}
	if conversationID != "" {
		st.Scope = conversationID
	}
	var counts persistence.StatusCounts
	for i := range tasks {
		counts.Add(tasks[i].Status)
	}
	st.Total = len(tasks)
	st.Pending, st.InProgress, st.Completed = counts.Pending, counts.InProgress, counts.Completed
	return st, nil
}

// History lists journalled transitions of taskID, oldest first. Without a
// journal it returns an empty list.
func (s *Scheduler) History(ctx context.Context, taskID string) ([]persistence.TransitionEvent, error) {
	if taskID == "" {
		return nil, persistence.Invalid("task_id", "is required")
	}
	if s.history == nil {
		return []persistence.TransitionEvent{}, nil
	}
	events, err := s.history.History(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 && !s.store.HasTask(taskID) {
		return nil, fmt.Errorf("task %s: %w", taskID, persistence.ErrNotFound)
	}
	return events, nil
}
