package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()
	for _, dev := range []bool{true, false} {
		logger, err := New(Options{Development: dev})
		require.NoError(t, err)
		require.NotNil(t, logger)
	}
}

func TestNew_LevelOverride(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{Level: "warn"})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNew_BadLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Level: "loud"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "loud")
}
