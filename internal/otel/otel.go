// Package otel wires OpenTelemetry for taskrelay. Traces go to the configured
// exporter; metrics are read by a Prometheus exporter on a private registry
// that the gateway serves at /metrics.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "taskrelay"
	MeterName  = "taskrelay"
	Version    = "v0.3.0"

	defaultEndpoint = "localhost:4318"
)

// Config mirrors the otel section of config.yaml.
type Config struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	SampleRate  float64
	// MetricsEnabled switches /metrics off only when explicitly false; it is
	// independent of tracing.
	MetricsEnabled *bool
}

type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	registry *prometheus.Registry
	closers  []func(context.Context) error
}

// Init builds the providers described by cfg. Call Shutdown on exit to flush
// buffered spans.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "taskrelay"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		attribute.String("taskrelay.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}
	if err := p.initTracing(ctx, cfg, res); err != nil {
		return nil, err
	}
	if cfg.MetricsEnabled != nil && !*cfg.MetricsEnabled {
		p.MeterProvider = noop.NewMeterProvider()
		p.Meter = p.MeterProvider.Meter(MeterName)
		return p, nil
	}
	if err := p.initMetrics(res); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTracing(ctx context.Context, cfg Config, res *resource.Resource) error {
	if !cfg.Enabled {
		p.Tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
		return nil
	}
	exp, err := spanExporter(ctx, cfg.Exporter, cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("create exporter: %w", err)
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)
	p.TracerProvider = tp
	p.Tracer = tp.Tracer(TracerName)
	p.closers = append(p.closers, tp.Shutdown)
	return nil
}

func (p *Provider) initMetrics(res *resource.Resource) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reader, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	p.registry = reg
	p.MeterProvider = mp
	p.Meter = mp.Meter(MeterName)
	p.closers = append(p.closers, mp.Shutdown)
	return nil
}

// MetricsHandler serves the Prometheus exposition, or 404 when metrics are off.
func (p *Provider) MetricsHandler() http.Handler {
	if p == nil || p.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Shutdown flushes and stops every provider, returning all failures joined.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, stop := range p.closers {
		errs = append(errs, stop(ctx))
	}
	p.closers = nil
	return errors.Join(errs...)
}

func spanExporter(ctx context.Context, kind, endpoint string) (sdktrace.SpanExporter, error) {
	switch kind {
	case "", "otlp-http":
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	}
	return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", kind)
}

// discardExporter drops spans; exporter "none" keeps sampling and span
// plumbing active without shipping anything.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
