package observability

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  LogConfig
		wantErr bool
	}{
		{
			name:   "default config",
			config: DefaultLogConfig(),
		},
		{
			name:   "console format",
			config: LogConfig{Level: "debug", Format: "console", Output: "stdout"},
		},
		{
			name:   "stderr output",
			config: LogConfig{Level: "info", Format: "json", Output: "stderr"},
		},
		{
			name:   "empty level defaults to info",
			config: LogConfig{Format: "json"},
		},
		{
			name:    "invalid level",
			config:  LogConfig{Level: "invalid", Format: "json", Output: "stdout"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tt.config)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestNewLogger_FileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pool.log")
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	ctx := ContextWithActor(ContextWithRequestID(context.Background(), "req-1"), "alice")
	logger.WithContext(ctx).Info("server added", String("server_id", "s1"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, `"message":"server added"`)
	assert.Contains(t, line, `"server_id":"s1"`)
	assert.Contains(t, line, `"request_id":"req-1"`)
	assert.Contains(t, line, `"actor":"alice"`)
}

func TestNewLogger_FileOutputError(t *testing.T) {
	t.Parallel()

	_, err := NewLogger(LogConfig{Output: filepath.Join(t.TempDir(), "missing", "pool.log")})
	require.Error(t, err)
}

func TestZapLogger_SetLevel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pool.log")
	logger, err := NewLogger(LogConfig{Level: "info", Output: path})
	require.NoError(t, err)

	child := logger.With(String("component", "monitor"))
	child.Debug("hidden")
	require.NoError(t, logger.SetLevel("debug"))
	child.Debug("visible")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Equal(t, 1, strings.Count(string(data), "visible"))

	assert.Error(t, logger.SetLevel("loud"))
}

func TestZapLogger_WithContext_EmptyContext(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)

	assert.Same(t, logger, logger.WithContext(context.Background()))
}

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))
	assert.Equal(t, "system", ActorFromContext(ctx))

	ctx = ContextWithRequestID(ctx, "req-123")
	ctx = ContextWithActor(ctx, "bob")
	assert.Equal(t, "req-123", RequestIDFromContext(ctx))
	assert.Equal(t, "bob", ActorFromContext(ctx))

	assert.Equal(t, "system", ActorFromContext(ContextWithActor(context.Background(), "")))
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NopLogger()
	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
	assert.NotNil(t, logger.With(String("k", "v")))
	assert.NoError(t, logger.SetLevel("debug"))
	assert.NoError(t, logger.Sync())
}
