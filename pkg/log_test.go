package pkg

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	tests := []struct {
		name  string
		level zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLogLevel(tt.level)
			assert.Equal(t, tt.level, GetLogLevel())
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{" warning ", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"chatty", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, zapcore.InfoLevel)
	require.NotNil(t, logger)

	logger.Info("test message")
	assert.Contains(t, buf.String(), "test message")
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, zapcore.InfoLevel)
	require.NotNil(t, logger)

	logger.Info("test message")
	assert.Contains(t, buf.String(), `"msg":"test message"`)
}

func TestLogDebug(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer SetLogger(original)

	SetLogger(NewLogger(&buf, zapcore.DebugLevel))

	LogDebug(ComponentBus, "debug message", "key", "value")
	output := buf.String()
	assert.Contains(t, output, "debug message")
	assert.Contains(t, output, "component")
	assert.Contains(t, output, "bus")
}

func TestLogInfo(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer SetLogger(original)

	SetLogger(NewJSONLogger(&buf, zapcore.InfoLevel))

	LogInfo(ComponentHost, "info message")
	output := buf.String()
	assert.Contains(t, output, "info message")
	assert.Contains(t, output, `"component":"host"`)
}

func TestLogWarn(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer SetLogger(original)

	SetLogger(NewLogger(&buf, zapcore.InfoLevel))

	LogWarn(ComponentDispatch, "warn message")
	assert.Contains(t, buf.String(), "warn message")
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer SetLogger(original)

	SetLogger(NewLogger(&buf, zapcore.InfoLevel))

	LogError(ComponentTransport, "error message")
	assert.Contains(t, buf.String(), "error message")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer SetLogger(original)

	SetLogger(NewLogger(&buf, zapcore.WarnLevel))

	LogDebug(ComponentBus, "hidden")
	LogWarn(ComponentBus, "shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestConfigureLogging(t *testing.T) {
	original := DefaultLogger
	originalLevel := GetLogLevel()
	defer func() {
		SetLogger(original)
		SetLogLevel(originalLevel)
	}()

	path := filepath.Join(t.TempDir(), "logs", "heci.log")
	logger, err := ConfigureLogging(LogOptions{
		Level:   "info",
		Format:  "json",
		Outputs: []string{path},
		Rotation: RotationOptions{
			Enable:    true,
			MaxSizeMB: 1,
		},
	})
	require.NoError(t, err)

	LogInfo(ComponentConfig, "written to file")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Equal(t, zapcore.InfoLevel, GetLogLevel())
}

func TestConfigureLogging_BadLevel(t *testing.T) {
	_, err := ConfigureLogging(LogOptions{Level: "loud"})
	assert.Error(t, err)
}
