package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/client"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/gateway"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/scheduler"
	"github.com/basket/taskrelay/internal/service"
	"github.com/basket/taskrelay/internal/stream"
)

func startGateway(t *testing.T, auth config.AuthConfig) string {
	t.Helper()
	ctx := context.Background()
	b := bus.New()
	store, err := persistence.Open(ctx, filepath.Join(t.TempDir(), "data"), persistence.WithBus(b))
	require.NoError(t, err)
	execs := persistence.NewExecutionStore(store.ExecutionsDir(), store, b)
	svc, err := service.New(store, execs, scheduler.New(store, execs))
	require.NoError(t, err)

	srv := httptest.NewServer(gateway.New(gateway.Config{
		Service: svc, Store: store, Bus: b, Auth: auth,
	}).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func dial(t *testing.T, url string, opts client.Options) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDial_Handshake(t *testing.T) {
	url := startGateway(t, config.AuthConfig{})
	c := dial(t, url, client.Options{Role: "worker", Name: "test"})

	hello := c.Hello()
	assert.Equal(t, gateway.Protocol, hello.Protocol)
	assert.Equal(t, "worker", hello.Role)
	assert.Len(t, hello.Operations, 8)
}

func TestDial_UnknownRoleFails(t *testing.T) {
	url := startGateway(t, config.AuthConfig{})
	_, err := client.Dial(context.Background(), url, client.Options{Role: "overlord"})
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrForbidden)
}

func TestDial_AuthRequired(t *testing.T) {
	url := startGateway(t, config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{
		{Name: "planner", Key: "planner-key-0000", Role: "planner"},
	}})
	_, err := client.Dial(context.Background(), url, client.Options{})
	require.Error(t, err)

	c := dial(t, url, client.Options{APIKey: "planner-key-0000", Role: "admin"})
	assert.Equal(t, "planner", c.Hello().Role)
}

func TestInvoke_WorkflowWithEvents(t *testing.T) {
	url := startGateway(t, config.AuthConfig{})
	ctx := context.Background()
	planner := dial(t, url, client.Options{Role: "planner"})
	worker := dial(t, url, client.Options{Role: "worker"})

	var events []stream.Event
	var created service.CreateTasksResult
	err := planner.Invoke(ctx, service.OpCreateTasks, map[string]any{
		"conversation_id": "c", "request_id": "r",
		"tasks": []map[string]any{
			{"task_title": "A", "target_file": "a.go", "operation": "edit"},
			{"task_title": "B", "target_file": "b.go", "operation": "edit", "dependencies": "A"},
		},
	}, &created, func(ev stream.Event) { events = append(events, ev) })
	require.NoError(t, err)
	require.Len(t, created.Tasks, 2)
	require.NotEmpty(t, events)
	assert.Equal(t, stream.KindStart, events[0].Kind)
	assert.Equal(t, stream.KindResult, events[len(events)-1].Kind)

	var next scheduler.NextResult
	require.NoError(t, worker.Invoke(ctx, service.OpNextTask, map[string]string{"conversation_id": "c"}, &next, nil))
	require.True(t, next.Available)
	assert.Equal(t, "A", next.Task.Title)

	// B waits on A.
	require.NoError(t, worker.Invoke(ctx, service.OpNextTask, nil, &next, nil))
	assert.False(t, next.Available)

	var done scheduler.CompleteResult
	require.NoError(t, worker.Invoke(ctx, service.OpCompleteTask, map[string]string{"task_id": created.Tasks[0].ID}, &done, nil))
	assert.False(t, done.AlreadyCompleted)
}

func TestInvoke_ErrorKinds(t *testing.T) {
	url := startGateway(t, config.AuthConfig{})
	ctx := context.Background()
	c := dial(t, url, client.Options{Role: "worker"})

	err := c.Invoke(ctx, service.OpCompleteTask, map[string]string{"task_id": "nope"}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	var rerr *client.RPCError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, gateway.ErrCodeNotFound, rerr.Code)
	assert.NotEmpty(t, rerr.InvocationID)

	err = c.Invoke(ctx, service.OpCreateTasks, map[string]any{"conversation_id": "c", "request_id": "r", "tasks": []any{}}, nil, nil)
	assert.ErrorIs(t, err, stream.ErrForbidden)

	_, err = c.Call(ctx, "drop_everything", nil, nil)
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, gateway.ErrCodeMethodNotFound, rerr.Code)
	assert.Empty(t, rerr.Kind)
}

func TestWatch_ReceivesLifecycleEvents(t *testing.T) {
	url := startGateway(t, config.AuthConfig{})
	planner := dial(t, url, client.Options{Role: "planner"})
	watcher := dial(t, url, client.Options{Role: "inspector"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := make(chan client.TaskEvent, 4)
	go func() {
		_ = watcher.Watch(ctx, "c", func(ev client.TaskEvent) { got <- ev })
	}()

	// Retry until the subscription is live.
	deadline := time.After(4 * time.Second)
	for i := 0; ; i++ {
		err := planner.Invoke(context.Background(), service.OpCreateTasks, map[string]any{
			"conversation_id": "c", "request_id": "r" + string(rune('a'+i)),
			"tasks": []map[string]any{{"task_title": "A", "target_file": "a.go", "operation": "edit"}},
		}, nil, nil)
		require.NoError(t, err)
		select {
		case ev := <-got:
			assert.Equal(t, bus.TopicTaskCreated, ev.Topic)
			assert.Contains(t, string(ev.Payload), `"conversation_id":"c"`)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no lifecycle event received")
		}
	}
}
