package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures Prometheus metric collection.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// SetDefaults fills zero-valued fields.
func (c *MetricsConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "fractalcore"
	}
}

// Metrics collects the core's Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	AgentRuns        *prometheus.CounterVec
	AgentIterations  *prometheus.HistogramVec
	AgentErrors      *prometheus.CounterVec
	LLMCalls         *prometheus.CounterVec
	LLMTokensInput   *prometheus.CounterVec
	LLMTokensOutput  *prometheus.CounterVec
	ToolCalls        *prometheus.CounterVec
	ToolErrors       *prometheus.CounterVec
	DispatchTotal    *prometheus.CounterVec
	DispatchBlocked  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	MemoryEvictions  *prometheus.CounterVec
	MemoryTokens     *prometheus.GaugeVec
	ChildrenSpawned  prometheus.Counter
}

// NewMetrics builds a Metrics instance; returns nil when disabled.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	cfg.SetDefaults()
	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		AgentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "agent_runs_total", Help: "Agent task executions by terminal status.",
		}, []string{"agent", "status"}),
		AgentIterations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "agent_iterations", Help: "Iterations consumed per agent run.",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
		}, []string{"agent"}),
		AgentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "agent_errors_total", Help: "Agent failures by error kind.",
		}, []string{"agent", "kind"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "llm_calls_total", Help: "Provider stream calls by outcome.",
		}, []string{"model", "outcome"}),
		LLMTokensInput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "llm_tokens_input_total", Help: "Prompt tokens consumed.",
		}, []string{"model"}),
		LLMTokensOutput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "llm_tokens_output_total", Help: "Completion tokens produced.",
		}, []string{"model"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tool_calls_total", Help: "Tool executions by tool name.",
		}, []string{"tool"}),
		ToolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tool_errors_total", Help: "Tool executions that returned an error observation.",
		}, []string{"tool"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "dispatch_total", Help: "Events dispatched by type.",
		}, []string{"type"}),
		DispatchBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "dispatch_blocked_total", Help: "Events blocked by an interceptor.",
		}, []string{"interceptor"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "dispatch_duration_seconds", Help: "End-to-end dispatch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		MemoryEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "memory_evictions_total", Help: "Tier evictions by tier.",
		}, []string{"tier"}),
		MemoryTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "memory_tokens", Help: "Current token occupancy by tier.",
		}, []string{"session", "tier"}),
		ChildrenSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "children_spawned_total", Help: "Child agents created by delegation.",
		}),
	}

	registry.MustRegister(
		m.AgentRuns, m.AgentIterations, m.AgentErrors,
		m.LLMCalls, m.LLMTokensInput, m.LLMTokensOutput,
		m.ToolCalls, m.ToolErrors,
		m.DispatchTotal, m.DispatchBlocked, m.DispatchDuration,
		m.MemoryEvictions, m.MemoryTokens,
		m.ChildrenSpawned,
	)
	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
