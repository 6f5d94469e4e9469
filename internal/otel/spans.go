package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for taskrelay spans.
var (
	AttrOperation      = attribute.Key("taskrelay.operation")
	AttrInvocationID   = attribute.Key("taskrelay.invocation.id")
	AttrRole           = attribute.Key("taskrelay.role")
	AttrTaskID         = attribute.Key("taskrelay.task.id")
	AttrConversationID = attribute.Key("taskrelay.conversation.id")
	AttrRequestID      = attribute.Key("taskrelay.request.id")
	AttrErrorKind      = attribute.Key("taskrelay.error.kind")
	AttrTransport      = attribute.Key("taskrelay.transport")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndSpan records err (if any) with its failure kind and ends the span.
func EndSpan(span trace.Span, err error, kind string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind != "" {
			span.SetAttributes(AttrErrorKind.String(kind))
		}
	}
	span.End()
}
