package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level  string
		format string
		want   zapcore.Level
	}{
		{"debug", FormatJSON, zapcore.DebugLevel},
		{"error", FormatConsole, zapcore.ErrorLevel},
		{"loud", FormatJSON, zapcore.InfoLevel},
		{"", "xml", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			log, err := New(tt.level, tt.format)
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, log.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestNop(t *testing.T) {
	log := Nop().WithConversation("c1").WithRequest("corr", "alice")
	assert.False(t, log.Core().Enabled(zapcore.ErrorLevel))
}
