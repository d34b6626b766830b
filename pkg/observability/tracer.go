package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures span collection.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`

	// MaxSpans bounds the in-process span exporter's retention.
	MaxSpans int `yaml:"max_spans"`
}

// SetDefaults fills zero-valued fields.
func (c *TracingConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "fractalcore"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.MaxSpans == 0 {
		c.MaxSpans = 1000
	}
}

// Tracer owns the process tracer provider. Spans are exported to an
// in-process ring exporter for diagnostic inspection; wiring an external
// OTLP endpoint is a deployment concern outside the core.
type Tracer struct {
	provider *sdktrace.TracerProvider
	exporter *RingExporter
}

// NewTracer initializes tracing and installs the provider globally. With
// tracing disabled it returns a Tracer whose provider is a no-op.
func NewTracer(ctx context.Context, cfg TracingConfig) (*Tracer, error) {
	cfg.SetDefaults()
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Tracer{}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	exporter := NewRingExporter(cfg.MaxSpans)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Tracer{provider: tp, exporter: exporter}, nil
}

// Tracer returns a named tracer from the installed provider.
func (t *Tracer) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Exporter returns the in-process span exporter, or nil when tracing is
// disabled.
func (t *Tracer) Exporter() *RingExporter {
	if t == nil {
		return nil
	}
	return t.exporter
}

// Shutdown flushes and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// CapturedSpan is the retained view of one ended span.
type CapturedSpan struct {
	TraceID    string
	SpanID     string
	ParentID   string
	Name       string
	DurationMs float64
	Status     string
}

// RingExporter retains the most recent spans in memory for diagnostic
// queries, bounded by maxSize.
type RingExporter struct {
	mu      sync.Mutex
	spans   []CapturedSpan
	maxSize int
}

// NewRingExporter builds a RingExporter retaining up to maxSize spans.
func NewRingExporter(maxSize int) *RingExporter {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &RingExporter{maxSize: maxSize}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *RingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range spans {
		sc := s.SpanContext()
		captured := CapturedSpan{
			TraceID:    sc.TraceID().String(),
			SpanID:     sc.SpanID().String(),
			Name:       s.Name(),
			DurationMs: float64(s.EndTime().Sub(s.StartTime()).Microseconds()) / 1000,
			Status:     s.Status().Code.String(),
		}
		if s.Parent().IsValid() {
			captured.ParentID = s.Parent().SpanID().String()
		}
		e.spans = append(e.spans, captured)
		if len(e.spans) > e.maxSize {
			e.spans = e.spans[len(e.spans)-e.maxSize:]
		}
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *RingExporter) Shutdown(context.Context) error { return nil }

// Spans returns a snapshot of the retained spans, oldest first.
func (e *RingExporter) Spans() []CapturedSpan {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CapturedSpan, len(e.spans))
	copy(out, e.spans)
	return out
}
