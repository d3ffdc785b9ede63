package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSectionChanged(t *testing.T) {
	t.Parallel()

	a := AuditConfig{Enabled: true, Output: "stdout"}
	b := a
	assert.False(t, SectionChanged(a, b))

	b.Output = "stderr"
	assert.True(t, SectionChanged(a, b))

	assert.True(t, SectionChanged(func() {}, func() {}))
}

func TestChangedSections(t *testing.T) {
	t.Parallel()

	prev := &Config{
		Pool:    PoolSettings{Strategy: StrategyRoundRobin, FailureThreshold: 3},
		Servers: []ServerSpec{{ID: "a", Address: "10.0.0.1:80", Weight: 1}},
	}

	tests := []struct {
		name     string
		prev     *Config
		mutate   func(c *Config)
		expected []string
	}{
		{name: "identical", prev: prev, mutate: func(*Config) {}},
		{
			name:     "pool strategy",
			prev:     prev,
			mutate:   func(c *Config) { c.Pool.Strategy = StrategyRandom },
			expected: []string{SectionPool},
		},
		{
			name: "server weight and log level",
			prev: prev,
			mutate: func(c *Config) {
				c.Servers = []ServerSpec{{ID: "a", Address: "10.0.0.1:80", Weight: 5}}
				c.Logging.Level = "debug"
			},
			expected: []string{SectionLogging, SectionServers},
		},
		{
			name:     "no previous config",
			mutate:   func(*Config) {},
			expected: []string{SectionPool, SectionServers},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			next := *prev
			next.Servers = append([]ServerSpec(nil), prev.Servers...)
			tt.mutate(&next)
			assert.Equal(t, tt.expected, ChangedSections(tt.prev, &next))
		})
	}

	assert.Nil(t, ChangedSections(prev, nil))
}
