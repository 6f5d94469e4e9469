// Package service exposes the task coordination operations by name. Every call
// is a streaming invocation gated by the caller's role.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/policy"
	"github.com/basket/taskrelay/internal/scheduler"
	"github.com/basket/taskrelay/internal/shared"
	"github.com/basket/taskrelay/internal/stream"
	"github.com/basket/taskrelay/internal/telemetry"
)

// ErrUnknownOperation is returned for names not in the registry.
var ErrUnknownOperation = errors.New("unknown operation")

type handler func(ctx context.Context, em *stream.Emitter, params json.RawMessage) (any, error)

type operation struct {
	name        string
	description string
	run         handler
}

// OperationInfo describes a registered operation.
type OperationInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Service struct {
	store   *persistence.Store
	execs   *persistence.ExecutionStore
	sched   *scheduler.Scheduler
	policy  policy.Checker
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics

	createTasks *paramsValidator
	ops         map[string]*operation
}

type Option func(*Service)

func WithPolicy(p policy.Checker) Option { return func(s *Service) { s.policy = p } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = telemetry.Component(l, "service")
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithMetrics(m *otel.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New registers every operation over the given stores and scheduler. Without
// WithPolicy the default role grants apply.
func New(store *persistence.Store, execs *persistence.ExecutionStore, sched *scheduler.Scheduler, opts ...Option) (*Service, error) {
	s := &Service{
		store:   store,
		execs:   execs,
		sched:   sched,
		policy:  policy.Default(),
		logger:  slog.Default(),
		tracer:  nooptrace.NewTracerProvider().Tracer(otel.TracerName),
		metrics: otel.DiscardMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	v, err := compileSchema("create_tasks.json", createTasksSchema)
	if err != nil {
		return nil, fmt.Errorf("create_tasks schema: %w", err)
	}
	s.createTasks = v
	s.register()
	return s, nil
}

// Has reports whether name is a registered operation.
func (s *Service) Has(name string) bool {
	_, ok := s.ops[name]
	return ok
}

// Operations lists registered operations sorted by name.
func (s *Service) Operations() []OperationInfo {
	out := make([]OperationInfo, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, OperationInfo{Name: op.name, Description: op.description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs operation name with raw JSON params as a streaming invocation.
// The caller's role is read from ctx (shared.WithRole). Every failure,
// including an unknown name or a denied role, ends the stream with an error
// event and is also returned.
func (s *Service) Invoke(ctx context.Context, name string, params json.RawMessage, sink stream.Sink) (any, error) {
	role := shared.Role(ctx)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}

	ctx, span := otel.StartSpan(ctx, s.tracer, "operation."+name,
		otel.AttrOperation.String(name),
		otel.AttrRole.String(role),
	)
	opAttrs := metric.WithAttributes(attribute.String("operation", name))
	s.metrics.ActiveInvocations.Add(ctx, 1, opAttrs)
	start := time.Now()

	counted := stream.SinkFunc(func(ctx context.Context, ev stream.Event) error {
		if sink == nil {
			return nil
		}
		if err := sink.Send(ctx, ev); err != nil {
			return err
		}
		s.metrics.StreamEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
		return nil
	})

	result, err := stream.Invoke(ctx, counted, name, func(ctx context.Context, em *stream.Emitter) (any, error) {
		span.SetAttributes(otel.AttrInvocationID.String(em.InvocationID()))
		op, ok := s.ops[name]
		if !ok {
			return nil, persistence.Invalid("operation", fmt.Sprintf("%v %q", ErrUnknownOperation, name))
		}
		if err := s.authorize(ctx, role, name); err != nil {
			return nil, err
		}
		return op.run(ctx, em, params)
	})

	kind := stream.KindOf(err)
	s.metrics.ActiveInvocations.Add(ctx, -1, opAttrs)
	s.metrics.OperationDuration.Record(ctx, time.Since(start).Seconds(), opAttrs)
	if err != nil {
		s.metrics.OperationErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", name), attribute.String("kind", kind)))
		level := slog.LevelWarn
		if kind == stream.FailInternal || kind == stream.FailStorageIO || kind == stream.FailConflict {
			level = slog.LevelError
		}
		args := append([]any{"operation", name, "role", role, "kind", kind, "error", err}, shared.LogAttrs(ctx)...)
		s.logger.Log(ctx, level, "operation failed", args...)
	} else {
		args := append([]any{"operation", name, "role", role, "duration_ms", time.Since(start).Milliseconds()}, shared.LogAttrs(ctx)...)
		s.logger.Debug("operation done", args...)
	}
	otel.EndSpan(span, err, kind)
	return result, err
}

func (s *Service) authorize(ctx context.Context, role, name string) error {
	version := s.policy.PolicyVersion()
	subject := "role=" + role
	if !shared.IsKnownRole(role) {
		audit.RecordContext(ctx, "deny", name, "unknown_role", version, subject)
		return fmt.Errorf("%w: role %q is not recognised", stream.ErrForbidden, role)
	}
	if !s.policy.Allow(role, name) {
		audit.RecordContext(ctx, "deny", name, "role_not_allowed", version, subject)
		return fmt.Errorf("%w: role %q may not call %s", stream.ErrForbidden, role, name)
	}
	audit.RecordContext(ctx, "allow", name, "role_allowed", version, subject)
	return nil
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return persistence.Invalid("params", err.Error())
	}
	return nil
}
