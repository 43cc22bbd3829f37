package logging

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestResolveLevel(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want zapcore.Level
	}{
		{"dev", Config{RunMode: "dev"}, zapcore.DebugLevel},
		{"beta", Config{RunMode: "beta"}, zapcore.DebugLevel},
		{"production", Config{RunMode: "production"}, zapcore.WarnLevel},
		{"default", Config{}, zapcore.InfoLevel},
		{"explicit wins", Config{RunMode: "production", Level: "debug"}, zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lvl, err := resolveLevel(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, lvl)
		})
	}
}

func TestResolveLevel_Invalid(t *testing.T) {
	_, err := resolveLevel(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(zapcore.AddSync(&buf), zapcore.InfoLevel)

	logger.Debug("hidden")
	logger.Info("visible", zap.String("jobId", "j1"))
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "j1")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runsh.log")

	logger, err := New(Config{Path: path})
	require.NoError(t, err)
	logger.Info("to file")
	_ = logger.Sync()

	assert.FileExists(t, path)
}
