package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreGlobalLogger(t *testing.T) {
	original := log.Logger
	originalLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = original
		zerolog.SetGlobalLevel(originalLevel)
	})
}

func TestLevelForVerbosity(t *testing.T) {
	tests := []struct {
		verbosity int
		want      zerolog.Level
	}{
		{-1, zerolog.WarnLevel},
		{0, zerolog.WarnLevel},
		{1, zerolog.InfoLevel},
		{2, zerolog.DebugLevel},
		{3, zerolog.TraceLevel},
		{7, zerolog.TraceLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelForVerbosity(tt.verbosity), "verbosity %d", tt.verbosity)
	}
}

func TestSetupLoggerWritesLogFile(t *testing.T) {
	restoreGlobalLogger(t)

	logFile := filepath.Join(t.TempDir(), "nested", "deployd.log")
	SetupLogger(1, logFile)

	logger := GetLogger("test")
	logger.Info().Msg("hello from the test")

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello from the test")
	assert.Contains(t, string(content), `"component":"test"`)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestSetupLoggerWithoutFile(t *testing.T) {
	restoreGlobalLogger(t)

	assert.NotPanics(t, func() { SetupLogger(0, "-") })
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestLogOperationStart(t *testing.T) {
	restoreGlobalLogger(t)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	done := LogOperationStart(logger, "load-state")
	done()

	output := buf.String()
	assert.Contains(t, output, "Operation started")
	assert.Contains(t, output, "Operation completed")
	assert.Contains(t, output, "load-state")
	assert.Contains(t, output, "duration")
}
