package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all taskrelay metrics instruments.
type Metrics struct {
	OperationDuration metric.Float64Histogram
	OperationErrors   metric.Int64Counter
	ActiveInvocations metric.Int64UpDownCounter
	StreamEvents      metric.Int64Counter
	TasksCreated      metric.Int64Counter
	TasksClaimed      metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	ExecutionsSaved   metric.Int64Counter
	ClaimConflicts    metric.Int64Counter
	IndexRebuilds     metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OperationDuration, err = meter.Float64Histogram("taskrelay.operation.duration",
		metric.WithDescription("Operation invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.OperationErrors, "taskrelay.operation.errors", "Invocations that ended with an error event"},
		{&m.StreamEvents, "taskrelay.stream.events", "Stream events delivered to sinks"},
		{&m.TasksCreated, "taskrelay.tasks.created", "Tasks created by planners"},
		{&m.TasksClaimed, "taskrelay.tasks.claimed", "Tasks moved to in_progress"},
		{&m.TasksCompleted, "taskrelay.tasks.completed", "Tasks moved to completed"},
		{&m.ExecutionsSaved, "taskrelay.executions.saved", "Execution narratives written"},
		{&m.ClaimConflicts, "taskrelay.claim.conflicts", "Claims rejected because the task was already handed out"},
		{&m.IndexRebuilds, "taskrelay.index.rebuilds", "Store index rebuilds"},
		{&m.RateLimitRejects, "taskrelay.ratelimit.rejects", "Requests rejected by rate limiter"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.ActiveInvocations, err = meter.Int64UpDownCounter("taskrelay.invocations.active",
		metric.WithDescription("Invocations currently streaming"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DiscardMetrics returns instruments backed by a no-op meter.
func DiscardMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
