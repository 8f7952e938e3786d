package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/tock/sym"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
	}{
		{name: "JSON output mode", jsonOutput: true},
		{name: "Console output mode", jsonOutput: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = nil
			JSONOutput = false

			require.NoError(t, Initialize(tt.jsonOutput))
			assert.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)

			Logger = zap.NewNop().Sugar()
		})
	}
}

func TestSetLevelName(t *testing.T) {
	original := Level()
	t.Cleanup(func() { SetLevel(original) })

	require.NoError(t, SetLevelName("debug"))
	assert.Equal(t, zapcore.DebugLevel, Level())

	require.NoError(t, SetLevelName("warn"))
	assert.Equal(t, zapcore.WarnLevel, Level())

	assert.Error(t, SetLevelName("loud"))
	assert.Equal(t, zapcore.WarnLevel, Level(), "invalid names leave the level alone")
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(0, zapcore.InfoLevel))
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0, zapcore.WarnLevel))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(1, zapcore.InfoLevel))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(3, zapcore.InfoLevel))

	assert.False(t, ShouldLogTrace(1))
	assert.True(t, ShouldLogTrace(2))
}

func TestSymbolHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Logger
	Logger = zap.New(core).Sugar()
	t.Cleanup(func() { Logger = prev })

	TockInfow("Tick", FieldMinute, "12:00")
	WorkerInfow("Spawned", FieldPID, 42)
	AddSymbol(nil, sym.Wire).Infow("Connected")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, sym.Tock, entries[0].ContextMap()[FieldSymbol])
	assert.Equal(t, "12:00", entries[0].ContextMap()[FieldMinute])
	assert.Equal(t, sym.Worker, entries[1].ContextMap()[FieldSymbol])
	assert.Equal(t, sym.Wire, entries[2].ContextMap()[FieldSymbol])
}

func TestFieldsFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, FieldsFromContext(ctx))

	ctx = WithJobID(ctx, "job-1")
	ctx = WithWorkerID(ctx, "host:1")
	ctx = WithComponent(ctx, "master")

	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{
		FieldJobID, "job-1",
		FieldWorkerID, "host:1",
		FieldComponent, "master",
	}, fields)

	core, logs := observer.New(zapcore.InfoLevel)
	FromContext(ctx, zap.New(core).Sugar()).Infow("hello")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "job-1", logs.All()[0].ContextMap()[FieldJobID])
}
