package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerDisabledComponents(t *testing.T) {
	m, err := NewManager(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, m.Metrics())
	assert.Nil(t, m.Tracer().Exporter())
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestManagerRejectsBadConfig(t *testing.T) {
	_, err := NewManager(context.Background(), Config{LogLevel: "loud"})
	assert.Error(t, err)

	_, err = NewManager(context.Background(), Config{Tracing: TracingConfig{SamplingRate: 2}})
	assert.Error(t, err)
}

func TestTracerCapturesSpans(t *testing.T) {
	ctx := context.Background()
	tr, err := NewTracer(ctx, TracingConfig{Enabled: true, SamplingRate: 1})
	require.NoError(t, err)
	defer func() { _ = tr.Shutdown(ctx) }()

	_, span := tr.Tracer("test").Start(ctx, "agent.run")
	span.End()
	require.NoError(t, tr.Shutdown(ctx)) // flush the batcher

	spans := tr.Exporter().Spans()
	require.NotEmpty(t, spans)
	assert.Equal(t, "agent.run", spans[len(spans)-1].Name)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	require.NotNil(t, m)
	m.AgentRuns.WithLabelValues("a1", "completed").Inc()
	m.DispatchTotal.WithLabelValues("node.request").Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "fractalcore_agent_runs_total")
	assert.Contains(t, body, "fractalcore_dispatch_total")
}

func TestRingExporterStartsEmptyAndShutsDown(t *testing.T) {
	e := NewRingExporter(2)
	assert.Empty(t, e.Spans())
	assert.NoError(t, e.Shutdown(context.Background()))
}
