package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestNewProvider_RecordsSpans(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp, err := NewProvider(context.Background(), Config{Enabled: true, ServiceName: "labelscan-test"},
		sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	defer func() { require.NoError(t, tp.Shutdown(context.Background())) }()

	_, span := tp.Tracer("test").Start(context.Background(), "unit")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "unit", spans[0].Name())
	require.Contains(t, spans[0].Resource().Attributes(), attribute.String("service.name", "labelscan-test"))
}

func TestNewProvider_SampleRatio(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp, err := NewProvider(context.Background(), Config{Enabled: true, SampleRatio: 0.0000001},
		sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	defer func() { require.NoError(t, tp.Shutdown(context.Background())) }()

	for i := 0; i < 20; i++ {
		_, span := tp.Tracer("test").Start(context.Background(), "unit")
		span.End()
	}
	require.Less(t, len(rec.Ended()), 20)
}
