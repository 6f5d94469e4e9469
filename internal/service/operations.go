package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/shared"
	"github.com/basket/taskrelay/internal/stream"
)

// Operation names.
const (
	OpCreateTasks   = "create_tasks"
	OpNextTask      = "get_next_executable_task"
	OpCompleteTask  = "complete_task"
	OpSaveExecution = "save_task_execution"
	OpCurrentTask   = "get_current_executing_task"
	OpTaskStats     = "get_task_stats"
	OpQueryTasks    = "query_tasks"
	OpTaskHistory   = "get_task_history"
)

type CreateTasksParams struct {
	ConversationID string                 `json:"conversation_id"`
	RequestID      string                 `json:"request_id"`
	Tasks          []persistence.TaskSpec `json:"tasks"`
}

type CreateTasksResult struct {
	Tasks []persistence.Task `json:"tasks"`
	File  string             `json:"file"`
}

type ConversationParams struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

type TaskParams struct {
	TaskID string `json:"task_id"`
}

type SaveExecutionParams struct {
	TaskID           string `json:"task_id"`
	ExecutionProcess string `json:"execution_process"`
}

type SaveExecutionResult struct {
	Execution *persistence.Execution       `json:"execution"`
	Summary   persistence.ExecutionSummary `json:"summary"`
}

type QueryParams struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Title          string `json:"task_title,omitempty"`
}

type QueryResult struct {
	Count int                `json:"count"`
	Tasks []persistence.Task `json:"tasks"`
}

type HistoryResult struct {
	TaskID string                        `json:"task_id"`
	Events []persistence.TransitionEvent `json:"events"`
}

func (s *Service) register() {
	s.ops = map[string]*operation{}
	add := func(name, desc string, run handler) {
		s.ops[name] = &operation{name: name, description: desc, run: run}
	}
	add(OpCreateTasks, "Create the task collection for a conversation/request pair", s.createTasksOp)
	add(OpNextTask, "Claim the next executable pending task", s.nextTaskOp)
	add(OpCompleteTask, "Mark a task completed", s.completeTaskOp)
	add(OpSaveExecution, "Record how a task was carried out", s.saveExecutionOp)
	add(OpCurrentTask, "Show the most recently claimed in-progress task and its execution record", s.currentTaskOp)
	add(OpTaskStats, "Count tasks per status", s.statsOp)
	add(OpQueryTasks, "List tasks by conversation, status or title", s.queryOp)
	add(OpTaskHistory, "List journalled status transitions of a task", s.historyOp)
}

func annotate(ctx context.Context, attrs ...string) {
	span := trace.SpanFromContext(ctx)
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i+1] == "" {
			continue
		}
		switch attrs[i] {
		case "task_id":
			span.SetAttributes(otel.AttrTaskID.String(attrs[i+1]))
		case "conversation_id":
			span.SetAttributes(otel.AttrConversationID.String(attrs[i+1]))
		case "request_id":
			span.SetAttributes(otel.AttrRequestID.String(attrs[i+1]))
		}
	}
}

func (s *Service) createTasksOp(ctx context.Context, em *stream.Emitter, raw json.RawMessage) (any, error) {
	if err := s.createTasks.Validate(raw); err != nil {
		return nil, err
	}
	var p CreateTasksParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	annotate(ctx, "conversation_id", p.ConversationID, "request_id", p.RequestID)
	ctx = shared.WithConversationID(ctx, p.ConversationID)
	_ = em.Progress(ctx, "validating "+plural(len(p.Tasks), "task"))

	tasks, file, err := s.store.Create(ctx, p.ConversationID, p.RequestID, p.Tasks)
	if err != nil {
		return nil, err
	}
	s.metrics.TasksCreated.Add(ctx, int64(len(tasks)))
	for i, t := range tasks {
		_ = em.Progress(ctx, fmt.Sprintf("[%d/%d] %s (%s)", i+1, len(tasks), t.Title, t.ID))
	}
	_ = em.Progress(ctx, "stored "+plural(len(tasks), "task")+" in "+file)
	return CreateTasksResult{Tasks: tasks, File: file}, nil
}

func (s *Service) nextTaskOp(ctx context.Context, _ *stream.Emitter, raw json.RawMessage) (any, error) {
	var p ConversationParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	annotate(ctx, "conversation_id", p.ConversationID)
	res, err := s.sched.Next(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}
	if res.Task != nil {
		annotate(ctx, "task_id", res.Task.ID)
	}
	return res, nil
}

func (s *Service) completeTaskOp(ctx context.Context, _ *stream.Emitter, raw json.RawMessage) (any, error) {
	var p TaskParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	annotate(ctx, "task_id", p.TaskID)
	return s.sched.Complete(shared.WithTaskID(ctx, p.TaskID), p.TaskID)
}

func (s *Service) saveExecutionOp(ctx context.Context, em *stream.Emitter, raw json.RawMessage) (any, error) {
	var p SaveExecutionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	annotate(ctx, "task_id", p.TaskID)
	ctx = shared.WithTaskID(ctx, p.TaskID)
	rec, summary, err := s.execs.Save(ctx, p.TaskID, p.ExecutionProcess)
	if err != nil {
		return nil, err
	}
	s.metrics.ExecutionsSaved.Add(ctx, 1)
	verb := "updated"
	if summary.Created {
		verb = "created"
	}
	_ = em.Progress(ctx, verb+" execution record ("+plural(summary.Lines, "line")+")")
	return SaveExecutionResult{Execution: rec, Summary: summary}, nil
}

func (s *Service) currentTaskOp(ctx context.Context, _ *stream.Emitter, _ json.RawMessage) (any, error) {
	res, err := s.sched.Current(ctx)
	if err != nil {
		return nil, err
	}
	if res.Task != nil {
		annotate(ctx, "task_id", res.Task.ID)
	}
	return res, nil
}

func (s *Service) statsOp(ctx context.Context, _ *stream.Emitter, raw json.RawMessage) (any, error) {
	var p ConversationParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	annotate(ctx, "conversation_id", p.ConversationID)
	return s.sched.Stats(ctx, p.ConversationID)
}

func (s *Service) queryOp(ctx context.Context, em *stream.Emitter, raw json.RawMessage) (any, error) {
	var p QueryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	f := persistence.Filter{ConversationID: p.ConversationID, TitleContains: strings.TrimSpace(p.Title)}
	if p.Status != "" {
		st, err := persistence.ParseTaskStatus(p.Status)
		if err != nil {
			return nil, err
		}
		f.Status = st
	}
	reportFilter(ctx, em, f)
	tasks, err := s.store.QueryVisit(ctx, f, func(info persistence.CollectionInfo, n int) {
		_ = em.Progress(ctx, fmt.Sprintf("scanned %s/%s: %d matching", info.ConversationID, info.RequestID, n))
	})
	if err != nil {
		return nil, err
	}
	return QueryResult{Count: len(tasks), Tasks: tasks}, nil
}

func (s *Service) historyOp(ctx context.Context, em *stream.Emitter, raw json.RawMessage) (any, error) {
	var p TaskParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	annotate(ctx, "task_id", p.TaskID)
	events, err := s.sched.History(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	for i, ev := range events {
		from := string(ev.From)
		if from == "" {
			from = "none"
		}
		_ = em.Progress(ctx, fmt.Sprintf("[%d/%d] %s -> %s at %s", i+1, len(events), from, ev.To,
			ev.CreatedAt.UTC().Format(time.RFC3339)))
	}
	return HistoryResult{TaskID: p.TaskID, Events: events}, nil
}

// reportFilter emits one progress event per filter in f.
func reportFilter(ctx context.Context, em *stream.Emitter, f persistence.Filter) {
	if f == (persistence.Filter{}) {
		_ = em.Progress(ctx, "no filters; scanning every collection")
		return
	}
	if f.ConversationID != "" {
		_ = em.Progress(ctx, "filter conversation_id="+f.ConversationID)
	}
	if f.Status != "" {
		_ = em.Progress(ctx, "filter status="+string(f.Status))
	}
	if f.TitleContains != "" {
		_ = em.Progress(ctx, "filter title~"+f.TitleContains)
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return strconv.Itoa(n) + " " + word + "s"
}
