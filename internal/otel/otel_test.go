package otel

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	assert.NotNil(t, p.Tracer, "expected noop tracer")
	assert.NotNil(t, p.Meter)
	assert.Nil(t, p.TracerProvider)
}

func TestInit_Disabled_ShutdownNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", SampleRate: 0.5})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	require.NotNil(t, p.TracerProvider)
	_, span := StartSpan(context.Background(), p.Tracer, "test.internal",
		AttrOperation.String("create_tasks"),
		AttrTaskID.String("task-1"),
	)
	EndSpan(span, errors.New("boom"), "internal")

	_, server := StartServerSpan(context.Background(), p.Tracer, "test.server", AttrTransport.String("ws"))
	EndSpan(server, nil, "")
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
}

func TestMetricsHandler_ExposesCounters(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	require.NoError(t, err)
	m.TasksCreated.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "taskrelay_tasks_created"), "exposition missing counter:\n%s", body)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetricsHandler_DisabledIs404(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{MetricsEnabled: &off})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiscardMetrics(t *testing.T) {
	m := DiscardMetrics()
	require.NotNil(t, m)
	m.ClaimConflicts.Add(context.Background(), 1)
	m.OperationDuration.Record(context.Background(), 0.1)
}
