package observability

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitOTelDisabled(t *testing.T) {
	logger, hook := test.NewNullLogger()

	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, logger)

	require.NoError(t, err)
	assert.Nil(t, providers)
	assert.Equal(t, "OpenTelemetry is disabled", hook.LastEntry().Message)
}

func TestShutdownOTelNilProviders(t *testing.T) {
	logger, _ := test.NewNullLogger()
	assert.NoError(t, ShutdownOTel(context.Background(), nil, logger))
}

func TestWithTraceContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	entry := logrus.NewEntry(logger)

	t.Run("no span", func(t *testing.T) {
		got := WithTraceContext(context.Background(), entry)
		assert.NotContains(t, got.Data, "trace_id")
	})

	t.Run("recording span", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		defer tp.Shutdown(context.Background())

		ctx, span := tp.Tracer("test").Start(context.Background(), "resolve")
		defer span.End()

		got := WithTraceContext(ctx, entry)
		assert.Equal(t, span.SpanContext().TraceID().String(), got.Data["trace_id"])
		assert.Equal(t, span.SpanContext().SpanID().String(), got.Data["span_id"])
	})
}

func TestTracerIsUsableWithoutProvider(t *testing.T) {
	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
	assert.False(t, span.IsRecording())
}
