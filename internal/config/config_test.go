package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Strategy
		wantErr bool
	}{
		{name: "round robin", input: "round_robin", want: StrategyRoundRobin},
		{name: "hyphenated", input: "least-connections", want: StrategyLeastConnections},
		{name: "upper case", input: "WEIGHTED_ROUND_ROBIN", want: StrategyWeightedRoundRobin},
		{name: "consistent hash", input: " consistent_hash ", want: StrategyConsistentHash},
		{name: "unknown", input: "fastest", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStrategy(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.NoError(t, ValidateConfig(cfg))
	assert.Equal(t, StrategyRoundRobin, cfg.Pool.Strategy)
	assert.Equal(t, DefaultHashReplicas, cfg.Pool.HashReplicas)
}

func TestPoolSettings_EffectiveResetTimeout(t *testing.T) {
	t.Parallel()

	p := DefaultPoolSettings()
	assert.Equal(t, DefaultHealthCheckInterval, p.EffectiveResetTimeout())

	p.CircuitResetTimeout = Duration(3 * time.Second)
	assert.Equal(t, 3*time.Second, p.EffectiveResetTimeout())
}

func TestPoolSettingsPatch_Apply(t *testing.T) {
	t.Parallel()

	base := DefaultPoolSettings()
	strategy := StrategyLeastFailures
	interval := 2 * time.Second
	threshold := 5

	patch := PoolSettingsPatch{
		Strategy:            &strategy,
		HealthCheckInterval: &interval,
		FailureThreshold:    &threshold,
	}
	assert.False(t, patch.IsEmpty())

	got := patch.Apply(base)
	assert.Equal(t, StrategyLeastFailures, got.Strategy)
	assert.Equal(t, Duration(interval), got.HealthCheckInterval)
	assert.Equal(t, 5, got.FailureThreshold)
	assert.Equal(t, base.RecoveryThreshold, got.RecoveryThreshold)

	// Apply works on a copy.
	assert.Equal(t, StrategyRoundRobin, base.Strategy)
}

func TestDiff(t *testing.T) {
	t.Parallel()

	from := DefaultPoolSettings()
	assert.True(t, Diff(from, from).IsEmpty())

	to := from
	to.MaxRetries = 7
	to.RetryBackoff = Duration(time.Second)

	d := Diff(from, to)
	require.NotNil(t, d.MaxRetries)
	require.NotNil(t, d.RetryBackoff)
	assert.Equal(t, 7, *d.MaxRetries)
	assert.Equal(t, time.Second, *d.RetryBackoff)
	assert.Nil(t, d.Strategy)
	assert.Equal(t, to, d.Apply(from))
}

func TestServerSpec_IsActive(t *testing.T) {
	t.Parallel()

	inactive := false
	assert.True(t, ServerSpec{}.IsActive())
	assert.False(t, ServerSpec{Active: &inactive}.IsActive())
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1.5s"`), &d))
	assert.Equal(t, 1500*time.Millisecond, d.Duration())

	require.NoError(t, json.Unmarshal([]byte(`250`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Duration())
	assert.Equal(t, int64(250), d.Milliseconds())

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))

	out, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"2s"`, string(out))
}
