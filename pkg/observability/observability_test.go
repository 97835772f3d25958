package observability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"jammesh/pkg/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("chatty"))
}

func TestSetupLoggerWritesFileWithNodeField(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	path := filepath.Join(t.TempDir(), "logs", "node.log")
	logger, err := SetupLogger(config.LogConfig{Level: "info", Format: "json", Outputs: []string{path}}, "alice")
	require.NoError(t, err)
	logger.Info("peer added", zap.String("peer", "bob"))
	logger.Debug("hidden")
	require.NoError(t, logger.Sync())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"node":"alice"`)
	assert.Contains(t, string(b), `"peer":"bob"`)
	assert.NotContains(t, string(b), "hidden")
}

func TestTracingDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TracingConfig{}, "alice")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
