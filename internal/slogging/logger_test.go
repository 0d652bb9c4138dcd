package slogging

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", LogLevelDebug},
		{"DEBUG", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"nonsense", LogLevelInfo},
		{"", LogLevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ParseLogLevel(tt.input), tt.input)
	}
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LogLevelDebug.String())
	assert.Equal(t, "INFO", LogLevelInfo.String())
	assert.Equal(t, "WARN", LogLevelWarn.String())
	assert.Equal(t, "ERROR", LogLevelError.String())
	assert.Equal(t, "UNKNOWN", LogLevel(99).String())
}

func TestSanitizeLogMessage(t *testing.T) {
	t.Run("EscapesNewlines", func(t *testing.T) {
		got := SanitizeLogMessage("line1\nFORGED ENTRY\r\nline2")
		assert.NotContains(t, got, "\n")
		assert.NotContains(t, got, "\r")
		assert.Contains(t, got, "\\n")
	})

	t.Run("PlainTextUntouched", func(t *testing.T) {
		assert.Equal(t, "user u1 joined lesson-1", SanitizeLogMessage("user u1 joined lesson-1"))
	})
}

func TestNewLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(Config{
		Level:            LogLevelDebug,
		IsDev:            true,
		LogDir:           dir,
		AlsoLogToConsole: false,
	})
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.Info("session %s created", "lesson-1")

	assert.FileExists(t, filepath.Join(dir, "collab.log"))
}

func TestLoggerLevelFiltering(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(Config{
		Level:  LogLevelWarn,
		IsDev:  true,
		LogDir: dir,
	})
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	// Below-threshold calls return before formatting; a bad format verb
	// must not reach the handler.
	badFormat := strings.Join([]string{"dropped", "%s"}, " ")
	logger.Debug(badFormat)
	logger.Info(badFormat)
	logger.Warn("kept")
	logger.Error("kept")
}
