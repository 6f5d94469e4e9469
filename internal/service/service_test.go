package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/policy"
	"github.com/basket/taskrelay/internal/scheduler"
	"github.com/basket/taskrelay/internal/shared"
	"github.com/basket/taskrelay/internal/stream"
)

type harness struct {
	svc     *Service
	store   *persistence.Store
	journal *persistence.Journal
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()
	journal, err := persistence.OpenJournal(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	store, err := persistence.Open(context.Background(), filepath.Join(dir, "data"), persistence.WithRecorder(journal))
	require.NoError(t, err)
	execs := persistence.NewExecutionStore(store.ExecutionsDir(), store, nil)
	sched := scheduler.New(store, execs, scheduler.WithHistory(journal))
	svc, err := New(store, execs, sched, opts...)
	require.NoError(t, err)
	return &harness{svc: svc, store: store, journal: journal}
}

type recorder struct {
	events []stream.Event
}

func (r *recorder) Send(_ context.Context, ev stream.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) terminal(t *testing.T) stream.Event {
	t.Helper()
	require.NotEmpty(t, r.events)
	last := r.events[len(r.events)-1]
	require.True(t, last.Kind.Terminal())
	return last
}

func as(role string) context.Context {
	return shared.WithRole(context.Background(), role)
}

func (r *recorder) progress() []string {
	var out []string
	for _, ev := range r.events {
		if ev.Kind == stream.KindProgress {
			out = append(out, ev.Message)
		}
	}
	return out
}

func (h *harness) call(t *testing.T, role, op string, params any) (*recorder, any, error) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	rec := &recorder{}
	res, err := h.svc.Invoke(as(role), op, raw, rec)
	return rec, res, err
}

func createParams(conv, req string, titles ...string) map[string]any {
	tasks := make([]map[string]any, 0, len(titles))
	for _, title := range titles {
		tasks = append(tasks, map[string]any{"task_title": title, "target_file": title + ".go", "operation": "edit"})
	}
	return map[string]any{"conversation_id": conv, "request_id": req, "tasks": tasks}
}

func TestOperations_Registered(t *testing.T) {
	h := newHarness(t)
	names := []string{}
	for _, op := range h.svc.Operations() {
		names = append(names, op.Name)
		assert.NotEmpty(t, op.Description)
		assert.True(t, policy.KnownOperation(op.Name), op.Name)
	}
	assert.Equal(t, []string{
		OpCompleteTask, OpCreateTasks, OpCurrentTask, OpNextTask,
		OpTaskHistory, OpTaskStats, OpQueryTasks, OpSaveExecution,
	}, names)
	assert.True(t, h.svc.Has(OpCreateTasks))
	assert.False(t, h.svc.Has("drop_everything"))
}

func TestCreateTasks_StreamsAndStores(t *testing.T) {
	h := newHarness(t)
	rec, res, err := h.call(t, "planner", OpCreateTasks, createParams("conv", "req", "A", "B"))
	require.NoError(t, err)

	created := res.(CreateTasksResult)
	require.Len(t, created.Tasks, 2)
	assert.FileExists(t, created.File)

	require.GreaterOrEqual(t, len(rec.events), 3)
	assert.Equal(t, stream.KindStart, rec.events[0].Kind)
	for i, ev := range rec.events {
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, OpCreateTasks, ev.Operation)
		assert.Equal(t, rec.events[0].InvocationID, ev.InvocationID)
	}
	assert.Equal(t, stream.KindResult, rec.terminal(t).Kind)

	progress := rec.progress()
	require.Len(t, progress, 4, "validating, one per task, stored")
	assert.Equal(t, "validating 2 tasks", progress[0])
	assert.Equal(t, fmt.Sprintf("[1/2] A (%s)", created.Tasks[0].ID), progress[1])
	assert.Equal(t, fmt.Sprintf("[2/2] B (%s)", created.Tasks[1].ID), progress[2])
	assert.Equal(t, "stored 2 tasks in "+created.File, progress[3])
}

func TestReadOperations_ReportProgress(t *testing.T) {
	h := newHarness(t)
	for _, p := range []map[string]any{
		createParams("conv", "r1", "Alpha", "Beta"),
		createParams("conv", "r2", "Gamma"),
		createParams("other", "r3", "Delta"),
	} {
		_, _, err := h.call(t, "planner", OpCreateTasks, p)
		require.NoError(t, err)
	}

	rec, res, err := h.call(t, "worker", OpQueryTasks, map[string]string{"conversation_id": "conv", "task_title": "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.(QueryResult).Count)
	assert.Equal(t, []string{
		"filter conversation_id=conv",
		"filter title~alpha",
		"scanned conv/r1: 1 matching",
		"scanned conv/r2: 0 matching",
	}, rec.progress())

	rec, _, err = h.call(t, "worker", OpQueryTasks, map[string]string{})
	require.NoError(t, err)
	assert.Len(t, rec.progress(), 4, "no-filter notice plus three collections")

	rec, res, err = h.call(t, "worker", OpQueryTasks, map[string]string{"status": "in_progress"})
	require.NoError(t, err)
	assert.Zero(t, res.(QueryResult).Count)
	assert.Equal(t, []string{"filter status=in_progress"}, rec.progress(), "index rules out every collection")

	rec, _, err = h.call(t, "planner", OpTaskStats, map[string]string{"conversation_id": "conv"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"filter conversation_id=conv",
		"counted conv/r1: 2 task(s)",
		"counted conv/r2: 1 task(s)",
	}, rec.progress())

	rec, _, err = h.call(t, "planner", OpTaskStats, nil)
	require.NoError(t, err)
	assert.Len(t, rec.progress(), 3)

	_, res, err = h.call(t, "worker", OpNextTask, map[string]string{"conversation_id": "other"})
	require.NoError(t, err)
	id := res.(scheduler.NextResult).Task.ID

	rec, res, err = h.call(t, "inspector", OpTaskHistory, map[string]string{"task_id": id})
	require.NoError(t, err)
	hist := res.(HistoryResult)
	require.Len(t, hist.Events, 2)
	progress := rec.progress()
	require.Len(t, progress, len(hist.Events))
	assert.True(t, strings.HasPrefix(progress[0], "[1/2] none -> pending at "), progress[0])
	assert.True(t, strings.HasPrefix(progress[1], "[2/2] pending -> in_progress at "), progress[1])
}

func TestCreateTasks_DependenciesAsString(t *testing.T) {
	h := newHarness(t)
	raw := json.RawMessage(`{"conversation_id":"c","request_id":"r","tasks":[
		{"task_title":"A","target_file":"a.go","operation":"edit"},
		{"task_title":"B","target_file":"b.go","operation":"edit","dependencies":"A, C"}
	]}`)
	res, err := h.svc.Invoke(as("planner"), OpCreateTasks, raw, nil)
	require.NoError(t, err)
	tasks := res.(CreateTasksResult).Tasks
	assert.Equal(t, persistence.Dependencies{"A", "C"}, tasks[1].Dependencies)
}

func TestCreateTasks_SchemaRejectsWrongShape(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	raw := json.RawMessage(`{"conversation_id":"c","request_id":"r","tasks":[
		{"task_title":"A","target_file":"a.go","operation":"edit"},
		{"task_title":42,"target_file":"b.go","operation":"edit","dependencies":7}
	]}`)
	_, err := h.svc.Invoke(as("planner"), OpCreateTasks, raw, rec)
	require.ErrorIs(t, err, persistence.ErrValidation)

	var verr *persistence.ValidationError
	require.True(t, errors.As(err, &verr))
	fields := map[string]bool{}
	for _, p := range verr.Problems {
		assert.Equal(t, 1, p.Item)
		fields[p.Field] = true
	}
	assert.True(t, fields["task_title"])
	assert.True(t, fields["dependencies"])

	term := rec.terminal(t)
	assert.Equal(t, stream.KindError, term.Kind)
	assert.Equal(t, stream.FailValidation, term.Error.Kind)
	assert.NotNil(t, term.Error.Details)

	_, err = h.svc.Invoke(as("planner"), OpCreateTasks, json.RawMessage(`{"tasks":[]}`), nil)
	require.ErrorIs(t, err, persistence.ErrValidation)

	tasks, err := h.store.Query(context.Background(), persistence.Filter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreateTasks_MissingFieldsReportedPerItem(t *testing.T) {
	h := newHarness(t)
	params := createParams("c", "r", "A")
	params["tasks"] = append(params["tasks"].([]map[string]any), map[string]any{"task_title": "B"})
	_, _, err := h.call(t, "planner", OpCreateTasks, params)

	var verr *persistence.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Problems, 2)
	for _, p := range verr.Problems {
		assert.Equal(t, 1, p.Item)
	}
}

func TestInvoke_ForbiddenRole(t *testing.T) {
	h := newHarness(t)
	rec, _, err := h.call(t, "worker", OpCreateTasks, createParams("c", "r", "A"))
	require.ErrorIs(t, err, stream.ErrForbidden)

	term := rec.terminal(t)
	assert.Equal(t, stream.KindError, term.Kind)
	assert.Equal(t, stream.FailForbidden, term.Error.Kind)
	assert.Equal(t, stream.KindStart, rec.events[0].Kind)

	_, _, err = h.call(t, "", OpTaskStats, nil)
	require.ErrorIs(t, err, stream.ErrForbidden)

	_, _, err = h.call(t, "admin", OpCreateTasks, createParams("c", "r", "A"))
	require.NoError(t, err)
}

func TestInvoke_PolicyOverride(t *testing.T) {
	p := policy.Default()
	p.Roles["inspector"] = []string{OpCompleteTask}
	h := newHarness(t, WithPolicy(p))

	_, _, err := h.call(t, "inspector", OpTaskStats, nil)
	require.ErrorIs(t, err, stream.ErrForbidden)
	_, _, err = h.call(t, "inspector", OpCompleteTask, map[string]string{"task_id": "nope"})
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestInvoke_UnknownOperation(t *testing.T) {
	h := newHarness(t)
	rec, _, err := h.call(t, "admin", "drop_everything", nil)
	require.ErrorIs(t, err, persistence.ErrValidation)
	assert.Equal(t, stream.FailValidation, rec.terminal(t).Error.Kind)
}

func TestInvoke_BadParams(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Invoke(as("worker"), OpCompleteTask, json.RawMessage(`{"task_id": [1]}`), nil)
	require.ErrorIs(t, err, persistence.ErrValidation)
}

func TestWorkflow_EndToEnd(t *testing.T) {
	h := newHarness(t)
	_, res, err := h.call(t, "planner", OpCreateTasks, createParams("conv", "req", "A", "B"))
	require.NoError(t, err)
	tasks := res.(CreateTasksResult).Tasks

	_, res, err = h.call(t, "worker", OpNextTask, map[string]string{"conversation_id": "conv"})
	require.NoError(t, err)
	next := res.(scheduler.NextResult)
	require.True(t, next.Available)
	assert.Equal(t, tasks[0].ID, next.Task.ID)

	_, res, err = h.call(t, "inspector", OpCurrentTask, nil)
	require.NoError(t, err)
	cur := res.(scheduler.CurrentResult)
	require.True(t, cur.Executing)
	assert.Equal(t, scheduler.ExecutionNone, cur.ExecutionStatus)

	rec, res, err := h.call(t, "worker", OpSaveExecution, map[string]string{
		"task_id": tasks[0].ID, "execution_process": "edited A.go\nran tests",
	})
	require.NoError(t, err)
	saved := res.(SaveExecutionResult)
	assert.True(t, saved.Summary.Created)
	assert.Equal(t, 2, saved.Summary.Lines)
	assert.GreaterOrEqual(t, len(rec.events), 3, "start, progress, result")

	_, res, err = h.call(t, "inspector", OpCurrentTask, nil)
	require.NoError(t, err)
	assert.Equal(t, scheduler.ExecutionRecorded, res.(scheduler.CurrentResult).ExecutionStatus)

	_, res, err = h.call(t, "worker", OpCompleteTask, map[string]string{"task_id": tasks[0].ID})
	require.NoError(t, err)
	assert.False(t, res.(scheduler.CompleteResult).AlreadyCompleted)

	_, res, err = h.call(t, "planner", OpTaskStats, map[string]string{"conversation_id": "conv"})
	require.NoError(t, err)
	st := res.(scheduler.Stats)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Pending)

	_, res, err = h.call(t, "worker", OpQueryTasks, map[string]string{"status": "completed"})
	require.NoError(t, err)
	q := res.(QueryResult)
	require.Equal(t, 1, q.Count)
	assert.Equal(t, tasks[0].ID, q.Tasks[0].ID)

	_, _, err = h.call(t, "worker", OpQueryTasks, map[string]string{"status": "done"})
	require.ErrorIs(t, err, persistence.ErrValidation)

	_, res, err = h.call(t, "inspector", OpTaskHistory, map[string]string{"task_id": tasks[0].ID})
	require.NoError(t, err)
	hist := res.(HistoryResult)
	require.Len(t, hist.Events, 3)
	assert.Equal(t, persistence.TaskStatusPending, hist.Events[0].To)
	assert.Equal(t, persistence.TaskStatusInProgress, hist.Events[1].To)
	assert.Equal(t, persistence.TaskStatusCompleted, hist.Events[2].To)
	assert.Equal(t, persistence.TaskStatusInProgress, hist.Events[2].From)
}

func TestSinkFailureKeepsCommittedWrites(t *testing.T) {
	h := newHarness(t)
	sends := 0
	// start, "validating" progress, then the post-write progress fails.
	sink := stream.SinkFunc(func(context.Context, stream.Event) error {
		sends++
		if sends > 2 {
			return errors.New("client went away")
		}
		return nil
	})
	_, err := h.svc.Invoke(as("planner"), OpCreateTasks, mustJSON(t, createParams("c", "r", "A")), sink)
	require.ErrorIs(t, err, stream.ErrSinkClosed)

	tasks, qerr := h.store.Query(context.Background(), persistence.Filter{})
	require.NoError(t, qerr)
	assert.Len(t, tasks, 1)
}

func TestSinkFailureBeforeWriteCancels(t *testing.T) {
	h := newHarness(t)
	sends := 0
	sink := stream.SinkFunc(func(context.Context, stream.Event) error {
		sends++
		if sends > 1 {
			return errors.New("client went away")
		}
		return nil
	})
	_, err := h.svc.Invoke(as("planner"), OpCreateTasks, mustJSON(t, createParams("c", "r", "A")), sink)
	require.ErrorIs(t, err, context.Canceled)

	tasks, qerr := h.store.Query(context.Background(), persistence.Filter{})
	require.NoError(t, qerr)
	assert.Empty(t, tasks)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
