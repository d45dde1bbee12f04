package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/xkilldash9x/pagepilot/internal/config"
)

func TestSetupTracing(t *testing.T) {
	t.Run("disabled yields noop", func(t *testing.T) {
		tp, shutdown, err := SetupTracing(config.TracingConfig{Enabled: false})
		require.NoError(t, err)
		require.NotNil(t, tp)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("unknown exporter", func(t *testing.T) {
		_, _, err := SetupTracing(config.TracingConfig{Enabled: true, Exporter: "zipkin"})
		assert.ErrorContains(t, err, "unsupported trace exporter")
	})
}

func TestTraceID(t *testing.T) {
	t.Run("recorded span reports its trace id", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		defer func() { _ = tp.Shutdown(context.Background()) }()

		_, span := Tracer(tp).Start(context.Background(), "step")
		defer span.End()
		assert.Equal(t, span.SpanContext().TraceID().String(), TraceID(span))
	})

	t.Run("noop span gets a random id", func(t *testing.T) {
		_, span := NoopTracer().Start(context.Background(), "step")
		a, b := TraceID(span), TraceID(span)
		assert.NotEmpty(t, a)
		assert.NotEqual(t, a, b)
	})
}
