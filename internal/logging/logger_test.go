package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		development bool
		level       string
		enabled     zapcore.Level
		disabled    []zapcore.Level
	}{
		{name: "development default", development: true, enabled: zapcore.DebugLevel},
		{name: "production default", development: false, enabled: zapcore.InfoLevel, disabled: []zapcore.Level{zapcore.DebugLevel}},
		{name: "production warn", development: false, level: "warn", enabled: zapcore.WarnLevel, disabled: []zapcore.Level{zapcore.InfoLevel}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			logger, err := New(tt.development, tt.level)
			require.NoError(t, err)
			require.True(t, logger.Core().Enabled(tt.enabled))
			for _, lvl := range tt.disabled {
				require.False(t, logger.Core().Enabled(lvl))
			}
			require.NoError(t, Sync(logger))
		})
	}
}

func TestNewInvalidLevel(t *testing.T) {
	t.Parallel()

	_, err := New(false, "loud")
	require.ErrorContains(t, err, "parse log level")
}

func TestSyncNop(t *testing.T) {
	t.Parallel()

	require.NoError(t, Sync(zap.NewNop()))
}
