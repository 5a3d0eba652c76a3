package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"dpanic":  zapcore.DPanicLevel,
		"fatal":   zapcore.FatalLevel,
		"Panic":   zapcore.PanicLevel,
		"warn\n":  zapcore.WarnLevel,
		"\tdebug": zapcore.DebugLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok, s)
		require.Equal(t, lvl, got)
	}

	got, ok := ParseLogLevel("verbose")
	require.False(t, ok)
	require.Equal(t, zapcore.InfoLevel, got)
}

// TestFromContext_FallsBackToGlobal checks that an empty context yields the global logger.
func TestFromContext_FallsBackToGlobal(t *testing.T) {
	t.Parallel()

	require.Same(t, Logger(), FromContext(context.Background()))
}

// TestWithKV_AttachesFields ensures fields attached to a context reach every entry.
func TestWithKV_AttachesFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	ctx := ToContext(context.Background(), zap.New(core).Sugar())

	ctx = WithName(ctx, "monitor")
	ctx = WithKV(ctx, "session_id", "s-1")
	ctx = WithFields(ctx, map[string]any{"zone": "near"})

	InfoKV(ctx, "Proximity update", "remaining_m", 120.5)

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "monitor", entries[0].LoggerName)

	fields := entries[0].ContextMap()
	require.Equal(t, "s-1", fields["session_id"])
	require.Equal(t, "near", fields["zone"])
	require.InEpsilon(t, 120.5, fields["remaining_m"], 1e-9)
}

// TestWithLevel_FiltersBelowThreshold verifies the per-logger level option.
func TestWithLevel_FiltersBelowThreshold(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	l := zap.New(core, WithLevel(zapcore.WarnLevel)).Sugar()

	l.Info("dropped")
	l.Warn("kept")

	require.Equal(t, 1, logs.Len())
	require.Equal(t, "kept", logs.All()[0].Message)
}

// TestWithService_StampsEntries verifies service and version fields on every entry.
func TestWithService_StampsEntries(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	l := zap.New(core, WithService("arrival-daemon", "1.2.3")).Sugar()

	l.Infow("started", "grpc_addr", "127.0.0.1:50071")

	require.Equal(t, 1, logs.Len())

	fields := logs.All()[0].ContextMap()
	require.Equal(t, "arrival-daemon", fields["service"])
	require.Equal(t, "1.2.3", fields["version"])
	require.Equal(t, "127.0.0.1:50071", fields["grpc_addr"])
}
