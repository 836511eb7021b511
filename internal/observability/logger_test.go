package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		profile string
		want    zapcore.Level
		wantErr bool
	}{
		{"structured info", "info", "structured", zapcore.InfoLevel, false},
		{"default profile", "debug", "", zapcore.DebugLevel, false},
		{"console warn", "warn", "console", zapcore.WarnLevel, false},
		{"bad level", "loud", "structured", 0, true},
		{"bad profile", "info", "fancy", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLogger(tt.level, tt.profile)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(tt.want))
			assert.False(t, l.Core().Enabled(tt.want-1))
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	require.NoError(t, InitCLILogger("error", "console"))
	assert.NotSame(t, orig, CLILogger)
	assert.False(t, CLILogger.Core().Enabled(zap.WarnLevel))

	assert.Error(t, InitCLILogger("nope", "console"))
}
