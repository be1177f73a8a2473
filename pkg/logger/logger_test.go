package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"":       zapcore.InfoLevel,
		"debug":  zapcore.DebugLevel,
		"TRACE":  zapcore.DebugLevel,
		"WARN":   zapcore.WarnLevel,
		"error":  zapcore.ErrorLevel,
		"bogus":  zapcore.InfoLevel,
		" warn ": zapcore.WarnLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), "input %q", in)
	}
}

func TestFindWritableLogPathHonoursOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "forge.log")
	t.Setenv("RUNNERFORGE_LOG_FILE", path)

	got, err := FindWritableLogPath()
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.FileExists(t, path)
}

func TestInitializeWithFallbackInstallsLogger(t *testing.T) {
	t.Setenv("RUNNERFORGE_LOG_FILE", filepath.Join(t.TempDir(), "forge.log"))

	InitializeWithFallback()
	require.NotNil(t, L())
	L().Info("hello")
	_ = Sync()
}
