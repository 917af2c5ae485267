package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "solscan"

// Tracer wraps OpenTelemetry tracing for task execution.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("solscan.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for task tracing.
var (
	AttrRunID      = attribute.Key("solscan.run_id")
	AttrTool       = attribute.Key("solscan.tool")
	AttrMode       = attribute.Key("solscan.mode")
	AttrFile       = attribute.Key("solscan.file")
	AttrExitCode   = attribute.Key("solscan.exit_code")
	AttrDurationMS = attribute.Key("solscan.duration_ms")
)
