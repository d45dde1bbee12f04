package observability

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/xkilldash9x/pagepilot/internal/config"
)

const tracerName = "github.com/xkilldash9x/pagepilot"

// SetupTracing installs the tracer provider described by cfg and returns it
// together with its shutdown function. A disabled config yields a noop
// provider.
func SetupTracing(cfg config.TracingConfig) (trace.TracerProvider, func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case "noop", "":
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, noopShutdown, nil
	default:
		return nil, nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}

// Tracer returns the package tracer from a provider.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		return NoopTracer()
	}
	return tp.Tracer(tracerName)
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(tracerName)
}

// RecordError records an error on the span and sets error status.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK sets the span status to OK.
func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// TraceID returns the span's trace id, or a random id when the span is not
// being recorded so every step still carries a correlation handle.
func TraceID(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}
