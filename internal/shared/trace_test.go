package shared

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTraceID_Placeholder(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "-", TraceID(ctx))
	assert.Equal(t, "abc", TraceID(WithTraceID(ctx, "abc")))
	assert.Equal(t, "-", TraceID(WithTraceID(ctx, "")))
}

func TestContextValues_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, Role(ctx))
	assert.Empty(t, TaskID(ctx))

	ctx = WithRole(ctx, RoleWorker)
	ctx = WithConversationID(ctx, "conv-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithInvocationID(ctx, "inv-1")
	assert.Equal(t, RoleWorker, Role(ctx))
	assert.Equal(t, "conv-1", ConversationID(ctx))
	assert.Equal(t, "task-1", TaskID(ctx))
	assert.Equal(t, "inv-1", InvocationID(ctx))
}

func TestContextValues_DoNotCollide(t *testing.T) {
	ctx := WithTaskID(context.Background(), "same")
	assert.Empty(t, ConversationID(ctx))
	assert.Empty(t, InvocationID(ctx))
	assert.Equal(t, "-", TraceID(ctx))
}

func TestLogAttrs(t *testing.T) {
	assert.Equal(t, []any{"trace_id", "-"}, LogAttrs(context.Background()))

	ctx := WithTraceID(context.Background(), "t-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithInvocationID(ctx, "inv-1")
	assert.Equal(t, []any{"trace_id", "t-1", "invocation_id", "inv-1", "task_id", "task-1"}, LogAttrs(ctx))
}

func TestNewIDs_AreUUIDs(t *testing.T) {
	for _, id := range []string{NewTraceID(), NewInvocationID()} {
		_, err := uuid.Parse(id)
		assert.NoError(t, err, id)
	}
	assert.NotEqual(t, NewTraceID(), NewTraceID())
}

func TestIsKnownRole(t *testing.T) {
	for _, role := range []string{RolePlanner, RoleWorker, RoleInspector, RoleAdmin} {
		assert.True(t, IsKnownRole(role), role)
	}
	for _, role := range []string{"", "any", "Planner", "root"} {
		assert.False(t, IsKnownRole(role), role)
	}
}
