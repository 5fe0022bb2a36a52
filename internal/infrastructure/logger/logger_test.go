package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfigForEnvironment(t *testing.T) {
	assert.Equal(t, "console", ConfigForEnvironment("development", "debug").Format)
	assert.Equal(t, "console", ConfigForEnvironment("", "info").Format)
	prod := ConfigForEnvironment("production", "warn")
	assert.Equal(t, "json", prod.Format)
	assert.Equal(t, "warn", prod.Level)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		level   zapcore.Level
		wantErr bool
	}{
		{"console debug", &Config{Level: "debug", Format: "console"}, zapcore.DebugLevel, false},
		{"json upper-case level", &Config{Level: "WARN", Format: "json", Output: "stderr"}, zapcore.WarnLevel, false},
		{"empty level defaults to info", &Config{Format: "json"}, zapcore.InfoLevel, false},
		{"unknown level", &Config{Level: "verbose"}, 0, true},
		{"unwritable file", &Config{Level: "info", Output: filepath.Join(t.TempDir(), "missing", "app.log")}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.level))
			assert.False(t, logger.Core().Enabled(tt.level-1))
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platformsync.log")
	logger, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("Connection stored")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Connection stored"`)
}
