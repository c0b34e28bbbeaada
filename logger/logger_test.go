package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/scribe/sym"
)

func TestInitialize(t *testing.T) {
	for _, jsonOutput := range []bool{true, false} {
		Logger = nil
		require.NoError(t, Initialize(jsonOutput))
		assert.NotNil(t, Logger)
		assert.Equal(t, jsonOutput, JSONOutput)
		Cleanup()
	}
	Logger = zap.NewNop().Sugar()
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
	assert.True(t, ShouldLogTrace(3))
	assert.False(t, ShouldLogTrace(2))
}

func TestFromContextAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	ctx := WithJobID(context.Background(), "01JOB")
	ctx = WithComponent(ctx, "pulse.worker")
	FromContext(ctx, base).Infow("claimed")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "01JOB", fields[FieldJobID])
	assert.Equal(t, "pulse.worker", fields[FieldComponent])
}

func TestFromContextWithoutFieldsReturnsBase(t *testing.T) {
	base := zap.NewNop().Sugar()
	assert.Same(t, base, FromContext(context.Background(), base))
}

func TestPulseSymbolField(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	AddPulseSymbol(zap.New(core).Sugar()).Infow("tick")
	PulseCloseInfow(zap.New(core).Sugar(), "stopping")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, sym.Pulse, logs.All()[0].ContextMap()[FieldSymbol])
	assert.Equal(t, sym.PulseClose, logs.All()[1].ContextMap()[FieldSymbol])
}
