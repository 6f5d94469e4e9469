package shared

import (
	"context"

	"github.com/google/uuid"
)

// Caller roles recognised by the role policy.
const (
	RolePlanner   = "planner"
	RoleWorker    = "worker"
	RoleInspector = "inspector"
	RoleAdmin     = "admin"
)

func IsKnownRole(role string) bool {
	switch role {
	case RolePlanner, RoleWorker, RoleInspector, RoleAdmin:
		return true
	}
	return false
}

// ctxKey namespaces the request-scoped values below.
type ctxKey uint8

const (
	keyTrace ctxKey = iota
	keyRole
	keyTask
	keyConversation
	keyInvocation
)

func with(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func get(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context { return with(ctx, keyTrace, id) }

// TraceID is "-" when ctx carries none, matching the logger's base attribute.
func TraceID(ctx context.Context) string {
	if v := get(ctx, keyTrace); v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string { return uuid.NewString() }

func WithRole(ctx context.Context, role string) context.Context { return with(ctx, keyRole, role) }
func Role(ctx context.Context) string                           { return get(ctx, keyRole) }

func WithTaskID(ctx context.Context, id string) context.Context { return with(ctx, keyTask, id) }
func TaskID(ctx context.Context) string                         { return get(ctx, keyTask) }

func WithConversationID(ctx context.Context, id string) context.Context {
	return with(ctx, keyConversation, id)
}
func ConversationID(ctx context.Context) string { return get(ctx, keyConversation) }

// WithInvocationID tags ctx with the id of the streaming invocation it serves.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return with(ctx, keyInvocation, id)
}
func InvocationID(ctx context.Context) string { return get(ctx, keyInvocation) }

func NewInvocationID() string { return uuid.NewString() }

// LogAttrs returns the ids carried by ctx as slog key/value pairs. trace_id is
// always present; the others only when set.
func LogAttrs(ctx context.Context) []any {
	out := []any{"trace_id", TraceID(ctx)}
	for _, kv := range []struct {
		name string
		key  ctxKey
	}{
		{"invocation_id", keyInvocation},
		{"conversation_id", keyConversation},
		{"task_id", keyTask},
	} {
		if v := get(ctx, kv.key); v != "" {
			out = append(out, kv.name, v)
		}
	}
	return out
}
