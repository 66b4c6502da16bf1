package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"dev", zapcore.DebugLevel},
		{"warning", zapcore.WarnLevel},
		{"prod", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetupReplacesGlobals(t *testing.T) {
	logger, restore, err := Setup(Config{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.Same(t, logger, zap.L())

	restore()
	assert.NotSame(t, logger, zap.L())
}
