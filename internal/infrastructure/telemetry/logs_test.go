package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func disabledLogsProvider(t *testing.T) *LoggerProvider {
	t.Helper()
	lp, err := NewLoggerProvider(context.Background(), LogsConfig{
		Enabled:     false,
		ServiceName: "reserva",
	}, zap.NewNop())
	require.NoError(t, err)
	return lp
}

func TestNewLoggerProviderDisabled(t *testing.T) {
	lp := disabledLogsProvider(t)

	assert.False(t, lp.IsEnabled())
	assert.Nil(t, lp.GetLoggerProvider())
	assert.NoError(t, lp.Shutdown(context.Background()), "shutting down a disabled provider is a no-op")
	assert.NoError(t, lp.ForceFlush(context.Background()))
}

func TestLoggerProviderShutdownIsIdempotent(t *testing.T) {
	lp := disabledLogsProvider(t)
	assert.NoError(t, lp.Shutdown(context.Background()))
	assert.NoError(t, lp.Shutdown(context.Background()))
}

func TestNewZapOTELCoreWithoutProvider(t *testing.T) {
	core := NewZapOTELCore(ZapBridgeConfig{
		ServiceName: "reserva",
		Level:       zapcore.InfoLevel,
	})
	require.NotNil(t, core)
	assert.False(t, core.Enabled(zapcore.ErrorLevel), "a nil provider yields a nop core")

	core = NewZapOTELCore(ZapBridgeConfig{
		ServiceName:    "reserva",
		LoggerProvider: disabledLogsProvider(t),
		Level:          zapcore.InfoLevel,
	})
	assert.False(t, core.Enabled(zapcore.ErrorLevel), "a disabled provider yields a nop core")
}

func TestBridgeZapLoggerPassthroughWhenDisabled(t *testing.T) {
	base := zap.NewNop()
	assert.Same(t, base, BridgeZapLogger(base, nil, "reserva", zapcore.InfoLevel))
	assert.Same(t, base, BridgeZapLogger(base, disabledLogsProvider(t), "reserva", zapcore.InfoLevel))
}

func TestLevelFilterCore(t *testing.T) {
	inner, recorded := observer.New(zapcore.DebugLevel)
	filtered := &levelFilterCore{Core: inner, minLevel: zapcore.WarnLevel}
	logger := zap.New(filtered)

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")
	logger.Error("kept as well")

	require.Equal(t, 2, recorded.Len())
	assert.Equal(t, "kept", recorded.All()[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, recorded.All()[1].Level)
}

func TestLevelFilterCoreWithPreservesFilter(t *testing.T) {
	inner, recorded := observer.New(zapcore.DebugLevel)
	filtered := &levelFilterCore{Core: inner, minLevel: zapcore.WarnLevel}

	child := zap.New(filtered).With(zap.String("platform", "resy"))
	child.Info("still dropped")
	child.Warn("kept with field")

	require.Equal(t, 1, recorded.Len())
	entry := recorded.All()[0]
	assert.Equal(t, "kept with field", entry.Message)
	assert.Equal(t, "resy", entry.ContextMap()["platform"])
}

func TestTeeKeepsBaseCoreFlowing(t *testing.T) {
	baseCore, recorded := observer.New(zapcore.InfoLevel)
	logger := zap.New(zapcore.NewTee(baseCore, zapcore.NewNopCore()))

	logger.Info("cascade finished")

	require.Equal(t, 1, recorded.Len())
	assert.Equal(t, "cascade finished", recorded.All()[0].Message)
}
