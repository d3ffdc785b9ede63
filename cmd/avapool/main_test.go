package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avapool/internal/audit"
	"github.com/vyrodovalexey/avapool/internal/config"
)

func TestParseFlags_Defaults(t *testing.T) {
	t.Setenv("AVAPOOL_CONFIG_PATH", "")
	t.Setenv("AVAPOOL_LOG_LEVEL", "")
	t.Setenv("AVAPOOL_LOG_FORMAT", "")

	flags, err := parseFlags(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, cliFlags{configPath: "configs/avapool.yaml"}, flags)
}

func TestParseFlags_EnvFallback(t *testing.T) {
	t.Setenv("AVAPOOL_CONFIG_PATH", "/etc/avapool.yaml")
	t.Setenv("AVAPOOL_LOG_LEVEL", "debug")
	t.Setenv("AVAPOOL_LOG_FORMAT", "console")

	flags, err := parseFlags(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "/etc/avapool.yaml", flags.configPath)
	assert.Equal(t, "debug", flags.logLevel)
	assert.Equal(t, "console", flags.logFormat)

	flags, err = parseFlags([]string{"-config", "local.yaml", "-log-level", "warn", "-version"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "local.yaml", flags.configPath)
	assert.Equal(t, "warn", flags.logLevel)
	assert.True(t, flags.showVersion)
}

func TestParseFlags_Unknown(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	_, err := parseFlags([]string{"-nope"}, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "nope")
}

func TestPrintVersion(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printVersion(&out)
	assert.Contains(t, out.String(), "avapool version "+version)
	assert.Contains(t, out.String(), "Git commit: "+gitCommit)
}

func TestLogConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		flags cliFlags
		cfg   config.LoggingConfig
		want  string
		form  string
	}{
		{name: "defaults", want: "info", form: "json"},
		{name: "from config", cfg: config.LoggingConfig{Level: "warn", Format: "console"}, want: "warn", form: "console"},
		{
			name:  "flags win",
			flags: cliFlags{logLevel: "debug", logFormat: "json"},
			cfg:   config.LoggingConfig{Level: "warn", Format: "console"},
			want:  "debug",
			form:  "json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			lc := logConfig(tt.flags, tt.cfg)
			assert.Equal(t, tt.want, lc.Level)
			assert.Equal(t, tt.form, lc.Format)
		})
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("AVAPOOL_TEST_VALUE", "set")
	assert.Equal(t, "set", getEnvOrDefault("AVAPOOL_TEST_VALUE", "default"))
	assert.Equal(t, "default", getEnvOrDefault("AVAPOOL_TEST_UNSET", "default"))
}

func TestOutcomeFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, audit.OutcomeSuccess, outcomeFor("success"))
	assert.Equal(t, audit.OutcomeFailure, outcomeFor("error"))
}

func TestSampleConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadAndValidate("../../configs/avapool.yaml")
	require.NoError(t, err)
	assert.Equal(t, config.StrategyWeightedRoundRobin, cfg.Pool.Strategy)
	assert.Len(t, cfg.Servers, 3)
	assert.Equal(t, 2, cfg.Servers[0].Weight)
}
