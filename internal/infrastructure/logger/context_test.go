package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextRoundTrip(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithContext(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
}

func TestFromContextWithoutLogger(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger, "missing logger yields a nop, never nil")
	assert.NotPanics(t, func() {
		logger.Info("discarded")
	})
}

func TestRequestIDRoundTrip(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))

	ctx := ContextWithRequestID(context.Background(), "req-7")
	assert.Equal(t, "req-7", GetRequestID(ctx))
}

func TestWithTraceContextWithoutSpan(t *testing.T) {
	logger := zap.NewNop()
	assert.Same(t, logger, WithTraceContext(context.Background(), logger),
		"no active span leaves the logger untouched")
}

func TestWithTraceContextAttachesIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "book")
	defer span.End()

	core, recorded := observer.New(zapcore.InfoLevel)
	WithTraceContext(ctx, zap.New(core)).Info("layer dispatched")

	require.Equal(t, 1, recorded.Len())
	fields := recorded.All()[0].ContextMap()
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])
}
