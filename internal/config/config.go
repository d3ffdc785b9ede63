// Package config provides configuration types, loading, validation and
// hot reload for the pool daemon.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Strategy is a load-balancing strategy name.
type Strategy string

// Supported load-balancing strategies.
const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyLeastFailures      Strategy = "least_failures"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyRandom             Strategy = "random"
	StrategyConsistentHash     Strategy = "consistent_hash"
)

// Strategies lists every supported strategy in display order.
var Strategies = []Strategy{
	StrategyRoundRobin,
	StrategyLeastConnections,
	StrategyLeastFailures,
	StrategyWeightedRoundRobin,
	StrategyRandom,
	StrategyConsistentHash,
}

// Valid reports whether s is one of the supported strategies.
func (s Strategy) Valid() bool {
	for _, known := range Strategies {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStrategy converts a user-supplied name into a Strategy. Hyphens
// are accepted in place of underscores.
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_"))
	if !s.Valid() {
		return "", fmt.Errorf("unknown load-balancing strategy %q", name)
	}
	return s, nil
}

// Probe types.
const (
	ProbeTCP  = "tcp"
	ProbeHTTP = "http"
	ProbeGRPC = "grpc"
)

// Source types.
const (
	SourceStatic = "static"
	SourceRedis  = "redis"
)

// Default values.
const (
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultHealthCheckTimeout  = 2 * time.Second
	DefaultFailureThreshold    = 3
	DefaultRecoveryThreshold   = 2
	DefaultMaxConnections      = 100
	DefaultRetryBackoff        = 500 * time.Millisecond
	DefaultMaxRetries          = 2
	DefaultHashReplicas        = 100
	DefaultAdminAddress        = ":8080"
	DefaultMetricsPath         = "/metrics"
	DefaultRedisKeyPrefix      = "avapool:"
	DefaultHTTPProbePath       = "/health"
	DefaultAdminRateLimitRPS   = 50
	DefaultAdminRateLimitBurst = 100
	DefaultServiceName         = "avapool"
)

// Upper bounds. The consistent-hash ring holds hashReplicas*weight points
// per server.
const (
	MaxWeight       = 10000
	MaxHashReplicas = 1000
)

// Config is the root configuration document.
type Config struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Admin   AdminConfig   `yaml:"admin" json:"admin"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Audit   AuditConfig   `yaml:"audit" json:"audit"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Pool    PoolSettings  `yaml:"pool" json:"pool"`
	Probe   ProbeConfig   `yaml:"probe" json:"probe"`
	Source  SourceConfig  `yaml:"source" json:"source"`
	Servers []ServerSpec  `yaml:"servers,omitempty" json:"servers,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// AdminConfig configures the management API listener.
type AdminConfig struct {
	Address      string          `yaml:"address,omitempty" json:"address,omitempty"`
	ReadTimeout  Duration        `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout Duration        `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	RateLimit    RateLimitConfig `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
}

// RateLimitConfig configures the admin API token bucket.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond,omitempty" json:"requestsPerSecond,omitempty"`
	Burst             int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// MetricsConfig configures Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Output  string `yaml:"output,omitempty" json:"output,omitempty"`
	Format  string `yaml:"format,omitempty" json:"format,omitempty"`

	// RedactFields lists detail keys whose values are masked.
	RedactFields []string `yaml:"redactFields,omitempty" json:"redactFields,omitempty"`

	// SkipActions lists audit actions that are not written.
	SkipActions []string `yaml:"skipActions,omitempty" json:"skipActions,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
}

// PoolSettings holds the runtime-mutable pool configuration.
type PoolSettings struct {
	Strategy              Strategy `yaml:"strategy" json:"strategy"`
	HealthCheckInterval   Duration `yaml:"healthCheckInterval" json:"healthCheckInterval"`
	HealthCheckTimeout    Duration `yaml:"healthCheckTimeout" json:"healthCheckTimeout"`
	FailureThreshold      int      `yaml:"failureThreshold" json:"failureThreshold"`
	RecoveryThreshold     int      `yaml:"recoveryThreshold" json:"recoveryThreshold"`
	DefaultMaxConnections int      `yaml:"defaultMaxConnections" json:"defaultMaxConnections"`
	RetryBackoff          Duration `yaml:"retryBackoff" json:"retryBackoff"`
	MaxRetries            int      `yaml:"maxRetries" json:"maxRetries"`

	// CircuitResetTimeout is how long a breaker stays open before it
	// admits trial traffic. Zero means HealthCheckInterval.
	CircuitResetTimeout Duration `yaml:"circuitResetTimeout,omitempty" json:"circuitResetTimeout,omitempty"`

	// MaxConcurrentProbes bounds the sweep fan-out. Zero means unbounded.
	MaxConcurrentProbes int `yaml:"maxConcurrentProbes,omitempty" json:"maxConcurrentProbes,omitempty"`

	// HashReplicas is the number of ring points per unit of weight for
	// the consistent_hash strategy.
	HashReplicas int `yaml:"hashReplicas,omitempty" json:"hashReplicas,omitempty"`
}

// EffectiveResetTimeout returns the breaker reset timeout.
func (p PoolSettings) EffectiveResetTimeout() time.Duration {
	if p.CircuitResetTimeout > 0 {
		return p.CircuitResetTimeout.Duration()
	}
	return p.HealthCheckInterval.Duration()
}

// EffectiveHashReplicas returns the ring point count per weight unit.
func (p PoolSettings) EffectiveHashReplicas() int {
	if p.HashReplicas > 0 {
		return p.HashReplicas
	}
	return DefaultHashReplicas
}

// PoolSettingsPatch is a partial update of PoolSettings. Nil fields are
// left unchanged.
type PoolSettingsPatch struct {
	Strategy              *Strategy
	HealthCheckInterval   *time.Duration
	HealthCheckTimeout    *time.Duration
	FailureThreshold      *int
	RecoveryThreshold     *int
	DefaultMaxConnections *int
	RetryBackoff          *time.Duration
	MaxRetries            *int
	CircuitResetTimeout   *time.Duration
	MaxConcurrentProbes   *int
	HashReplicas          *int
}

// IsEmpty reports whether the patch changes nothing.
func (p PoolSettingsPatch) IsEmpty() bool {
	return p.Strategy == nil && p.HealthCheckInterval == nil && p.HealthCheckTimeout == nil &&
		p.FailureThreshold == nil && p.RecoveryThreshold == nil && p.DefaultMaxConnections == nil &&
		p.RetryBackoff == nil && p.MaxRetries == nil && p.CircuitResetTimeout == nil &&
		p.MaxConcurrentProbes == nil && p.HashReplicas == nil
}

// Apply returns a copy of s with the patch applied. The result is not
// validated.
func (p PoolSettingsPatch) Apply(s PoolSettings) PoolSettings {
	if p.Strategy != nil {
		s.Strategy = *p.Strategy
	}
	if p.HealthCheckInterval != nil {
		s.HealthCheckInterval = Duration(*p.HealthCheckInterval)
	}
	if p.HealthCheckTimeout != nil {
		s.HealthCheckTimeout = Duration(*p.HealthCheckTimeout)
	}
	if p.FailureThreshold != nil {
		s.FailureThreshold = *p.FailureThreshold
	}
	if p.RecoveryThreshold != nil {
		s.RecoveryThreshold = *p.RecoveryThreshold
	}
	if p.DefaultMaxConnections != nil {
		s.DefaultMaxConnections = *p.DefaultMaxConnections
	}
	if p.RetryBackoff != nil {
		s.RetryBackoff = Duration(*p.RetryBackoff)
	}
	if p.MaxRetries != nil {
		s.MaxRetries = *p.MaxRetries
	}
	if p.CircuitResetTimeout != nil {
		s.CircuitResetTimeout = Duration(*p.CircuitResetTimeout)
	}
	if p.MaxConcurrentProbes != nil {
		s.MaxConcurrentProbes = *p.MaxConcurrentProbes
	}
	if p.HashReplicas != nil {
		s.HashReplicas = *p.HashReplicas
	}
	return s
}

// Diff returns a patch that turns from into to. Fields that are equal are
// left nil.
func Diff(from, to PoolSettings) PoolSettingsPatch {
	var p PoolSettingsPatch
	if from.Strategy != to.Strategy {
		v := to.Strategy
		p.Strategy = &v
	}
	durations := []struct {
		a, b Duration
		dst  **time.Duration
	}{
		{from.HealthCheckInterval, to.HealthCheckInterval, &p.HealthCheckInterval},
		{from.HealthCheckTimeout, to.HealthCheckTimeout, &p.HealthCheckTimeout},
		{from.RetryBackoff, to.RetryBackoff, &p.RetryBackoff},
		{from.CircuitResetTimeout, to.CircuitResetTimeout, &p.CircuitResetTimeout},
	}
	for _, d := range durations {
		if d.a != d.b {
			v := d.b.Duration()
			*d.dst = &v
		}
	}
	ints := []struct {
		a, b int
		dst  **int
	}{
		{from.FailureThreshold, to.FailureThreshold, &p.FailureThreshold},
		{from.RecoveryThreshold, to.RecoveryThreshold, &p.RecoveryThreshold},
		{from.DefaultMaxConnections, to.DefaultMaxConnections, &p.DefaultMaxConnections},
		{from.MaxRetries, to.MaxRetries, &p.MaxRetries},
		{from.MaxConcurrentProbes, to.MaxConcurrentProbes, &p.MaxConcurrentProbes},
		{from.HashReplicas, to.HashReplicas, &p.HashReplicas},
	}
	for _, i := range ints {
		if i.a != i.b {
			v := i.b
			*i.dst = &v
		}
	}
	return p
}

// ProbeConfig selects and configures the health probe adapter.
type ProbeConfig struct {
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
	Path        string `yaml:"path,omitempty" json:"path,omitempty"`
	Scheme      string `yaml:"scheme,omitempty" json:"scheme,omitempty"`
	GRPCService string `yaml:"grpcService,omitempty" json:"grpcService,omitempty"`
}

// SourceConfig selects where server definitions are read from.
type SourceConfig struct {
	Type  string       `yaml:"type,omitempty" json:"type,omitempty"`
	Redis *RedisSource `yaml:"redis,omitempty" json:"redis,omitempty"`

	// RefreshInterval is how often the source is re-read and reconciled
	// into the pool. Zero disables polling; the static source is
	// refreshed by config reload instead.
	RefreshInterval Duration `yaml:"refreshInterval,omitempty" json:"refreshInterval,omitempty"`
}

// RedisSource configures the Redis-backed server store.
type RedisSource struct {
	Address   string   `yaml:"address" json:"address"`
	Password  string   `yaml:"password,omitempty" json:"-"`
	DB        int      `yaml:"db,omitempty" json:"db,omitempty"`
	KeyPrefix string   `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ServerSpec describes one backend server as read from configuration, a
// server source or an administrative call.
type ServerSpec struct {
	ID             string `yaml:"id,omitempty" json:"id,omitempty"`
	Name           string `yaml:"name" json:"name"`
	Address        string `yaml:"address" json:"address"`
	Weight         int    `yaml:"weight,omitempty" json:"weight,omitempty"`
	Active         *bool  `yaml:"active,omitempty" json:"isActive,omitempty"`
	MaxConnections int    `yaml:"maxConnections,omitempty" json:"maxConnections,omitempty"`
}

// IsActive returns the admission flag, defaulting to true.
func (s ServerSpec) IsActive() bool {
	return s.Active == nil || *s.Active
}

// EffectiveID is the id a configured server is registered under: ID, or
// Name when ID is empty.
func (s ServerSpec) EffectiveID() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Name
}

// DefaultPoolSettings returns PoolSettings with default values.
func DefaultPoolSettings() PoolSettings {
	return PoolSettings{
		Strategy:              StrategyRoundRobin,
		HealthCheckInterval:   Duration(DefaultHealthCheckInterval),
		HealthCheckTimeout:    Duration(DefaultHealthCheckTimeout),
		FailureThreshold:      DefaultFailureThreshold,
		RecoveryThreshold:     DefaultRecoveryThreshold,
		DefaultMaxConnections: DefaultMaxConnections,
		RetryBackoff:          Duration(DefaultRetryBackoff),
		MaxRetries:            DefaultMaxRetries,
		HashReplicas:          DefaultHashReplicas,
	}
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Admin: AdminConfig{
			Address:      DefaultAdminAddress,
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(15 * time.Second),
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: DefaultAdminRateLimitRPS,
				Burst:             DefaultAdminRateLimitBurst,
			},
		},
		Metrics: MetricsConfig{Enabled: true, Path: DefaultMetricsPath},
		Audit:   AuditConfig{Enabled: true, Output: "stdout", Format: "json"},
		Tracing: TracingConfig{ServiceName: DefaultServiceName, SamplingRate: 1.0},
		Pool:    DefaultPoolSettings(),
		Probe:   ProbeConfig{Type: ProbeTCP, Path: DefaultHTTPProbePath, Scheme: "http"},
		Source:  SourceConfig{Type: SourceStatic},
	}
}

// ApplyDefaults fills zero-valued fields with defaults. It is called after
// parsing so that a minimal YAML file is usable.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()

	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Logging.Output == "" {
		c.Logging.Output = d.Logging.Output
	}
	if c.Admin.Address == "" {
		c.Admin.Address = d.Admin.Address
	}
	if c.Admin.ReadTimeout == 0 {
		c.Admin.ReadTimeout = d.Admin.ReadTimeout
	}
	if c.Admin.WriteTimeout == 0 {
		c.Admin.WriteTimeout = d.Admin.WriteTimeout
	}
	if c.Admin.RateLimit.RequestsPerSecond == 0 {
		c.Admin.RateLimit.RequestsPerSecond = d.Admin.RateLimit.RequestsPerSecond
	}
	if c.Admin.RateLimit.Burst == 0 {
		c.Admin.RateLimit.Burst = d.Admin.RateLimit.Burst
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = d.Metrics.Path
	}
	if c.Audit.Output == "" {
		c.Audit.Output = d.Audit.Output
	}
	if c.Audit.Format == "" {
		c.Audit.Format = d.Audit.Format
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}

	c.applyPoolDefaults(d.Pool)

	if c.Probe.Type == "" {
		c.Probe.Type = d.Probe.Type
	}
	if c.Probe.Path == "" {
		c.Probe.Path = d.Probe.Path
	}
	if c.Probe.Scheme == "" {
		c.Probe.Scheme = d.Probe.Scheme
	}
	if c.Source.Type == "" {
		c.Source.Type = d.Source.Type
	}
	if c.Source.Redis != nil && c.Source.Redis.KeyPrefix == "" {
		c.Source.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
}

func (c *Config) applyPoolDefaults(d PoolSettings) {
	p := &c.Pool
	if p.Strategy == "" {
		p.Strategy = d.Strategy
	}
	if p.HealthCheckInterval == 0 {
		p.HealthCheckInterval = d.HealthCheckInterval
	}
	if p.HealthCheckTimeout == 0 {
		p.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if p.FailureThreshold == 0 {
		p.FailureThreshold = d.FailureThreshold
	}
	if p.RecoveryThreshold == 0 {
		p.RecoveryThreshold = d.RecoveryThreshold
	}
	if p.DefaultMaxConnections == 0 {
		p.DefaultMaxConnections = d.DefaultMaxConnections
	}
	if p.RetryBackoff == 0 {
		p.RetryBackoff = d.RetryBackoff
	}
	if p.HashReplicas == 0 {
		p.HashReplicas = d.HashReplicas
	}
}
