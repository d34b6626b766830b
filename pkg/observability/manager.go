// Package observability bundles the process-wide tracing and metrics
// lifecycle behind one Manager: initialize from config, hand out the tracer
// and metric handles, shut both down on exit.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// Config is the top-level observability configuration.
type Config struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// SetDefaults fills zero-valued fields.
func (c *Config) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability: unknown log level %q", c.LogLevel)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("observability: sampling_rate must be in [0,1], got %v", c.Tracing.SamplingRate)
	}
	return nil
}

// Manager owns the observability components' lifecycle.
type Manager struct {
	tracer  *Tracer
	metrics *Metrics
}

// NewManager initializes logging, tracing, and metrics from cfg and installs
// the structured logger as the process default.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})))

	tracer, err := NewTracer(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("observability: init tracing: %w", err)
	}

	m := &Manager{tracer: tracer, metrics: NewMetrics(cfg.Metrics)}
	if cfg.Tracing.Enabled {
		slog.Info("observability: tracing initialized", "service", cfg.Tracing.ServiceName, "sampling_rate", cfg.Tracing.SamplingRate)
	}
	if m.metrics != nil {
		slog.Info("observability: metrics initialized", "namespace", cfg.Metrics.Namespace)
	}
	return m, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Tracer returns the tracer, or nil when tracing is disabled.
func (m *Manager) Tracer() *Tracer {
	if m == nil {
		return nil
	}
	return m.tracer
}

// Metrics returns the metrics instance, or nil when metrics are disabled.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// MetricsHandler returns the HTTP handler for the metrics endpoint.
func (m *Manager) MetricsHandler() http.Handler {
	if m == nil || m.metrics == nil {
		return http.NotFoundHandler()
	}
	return m.metrics.Handler()
}

// Shutdown flushes and stops every component.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.tracer.Shutdown(ctx)
}
