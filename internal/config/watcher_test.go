package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avapool/internal/observability"
)

func TestNewWatcher(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, sampleConfigYAML)

	w, err := NewWatcher(path, func(_, _ *Config, _ []string) {},
		WithDebounceDelay(200*time.Millisecond),
		WithLogger(observability.NopLogger()),
		WithErrorCallback(func(error) {}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	assert.Equal(t, path, w.path)
	assert.Equal(t, 200*time.Millisecond, w.debounceDelay)
	assert.NotNil(t, w.errorCallback)
}

func TestWatcher_StartLoadsInitialConfig(t *testing.T) {
	t.Parallel()

	w, err := NewWatcher(writeConfig(t, sampleConfigYAML), nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))

	cfg := w.LastConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, StrategyWeightedRoundRobin, cfg.Pool.Strategy)

	require.NoError(t, w.Stop())
}

func TestWatcher_StartRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	w, err := NewWatcher(writeConfig(t, "pool:\n  failureThreshold: -1\n"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	assert.Error(t, w.Start(context.Background()))
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, sampleConfigYAML)

	var reloaded atomic.Value
	w, err := NewWatcher(path, func(_, next *Config, _ []string) { reloaded.Store(next) },
		WithDebounceDelay(10*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	updated := "pool:\n  strategy: least_failures\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		cfg, ok := reloaded.Load().(*Config)
		return ok && cfg.Pool.Strategy == StrategyLeastFailures
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, StrategyLeastFailures, w.LastConfig().Pool.Strategy)
}

func TestWatcher_InvalidReloadKeepsLastConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, sampleConfigYAML)

	var errCount atomic.Int32
	var calls atomic.Int32
	w, err := NewWatcher(path, func(_, _ *Config, _ []string) { calls.Add(1) },
		WithDebounceDelay(10*time.Millisecond),
		WithErrorCallback(func(error) { errCount.Add(1) }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("pool:\n  strategy: fastest\n"), 0o600))

	require.Eventually(t, func() bool { return errCount.Load() > 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, StrategyWeightedRoundRobin, w.LastConfig().Pool.Strategy)
}

func TestWatcher_SkipsUnchangedConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, sampleConfigYAML)

	var calls atomic.Int32
	var sections atomic.Value
	w, err := NewWatcher(path, func(_, _ *Config, changed []string) {
		calls.Add(1)
		sections.Store(changed)
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	// Only a comment differs.
	require.NoError(t, os.WriteFile(path, []byte(sampleConfigYAML+"# touched\n"), 0o600))
	assert.Never(t, func() bool { return calls.Load() > 0 }, 300*time.Millisecond, 20*time.Millisecond)

	updated := strings.Replace(sampleConfigYAML, "weighted_round_robin", "least_failures", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{SectionPool}, sections.Load())
}

func TestWatcher_ForceReload(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, sampleConfigYAML)

	var calls atomic.Int32
	var last struct {
		prev    *Config
		changed []string
	}
	w, err := NewWatcher(path, func(prev, _ *Config, changed []string) {
		calls.Add(1)
		last.prev, last.changed = prev, changed
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, w.ForceReload())
	assert.Equal(t, int32(1), calls.Load())
	assert.Nil(t, last.prev)
	assert.Contains(t, last.changed, SectionServers)

	first := w.LastConfig()
	require.NoError(t, w.ForceReload())
	assert.Equal(t, int32(2), calls.Load(), "forced reload runs even when nothing changed")
	assert.Same(t, first, last.prev)
	assert.Empty(t, last.changed)

	require.NoError(t, os.Remove(path))
	assert.Error(t, w.ForceReload())
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, StrategyWeightedRoundRobin, w.LastConfig().Pool.Strategy)
}

func TestWatcher_StopNotRunning(t *testing.T) {
	t.Parallel()

	w, err := NewWatcher(filepath.Join(t.TempDir(), "x.yaml"), nil)
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
}
