package config

import (
	"fmt"

	"github.com/vyrodovalexey/avapool/internal/util"
)

var (
	validLogLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats  = map[string]bool{"json": true, "console": true}
	validProbeTypes  = map[string]bool{ProbeTCP: true, ProbeHTTP: true, ProbeGRPC: true}
	validSourceTypes = map[string]bool{SourceStatic: true, SourceRedis: true}
	validAuditFormat = map[string]bool{"json": true, "text": true}
)

// Validator validates configuration and collects field-level errors keyed
// by their YAML path.
type Validator struct {
	errs *util.ValidationError
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errs: util.NewValidationError("invalid configuration")}
}

// ValidateConfig validates a complete configuration. It returns a
// *util.ValidationError listing every problem, or nil.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// ValidatePoolSettings validates runtime pool settings, as used by
// UpdateConfig before any mutation.
func ValidatePoolSettings(p PoolSettings) error {
	v := &Validator{errs: util.NewValidationError("invalid pool configuration")}
	v.validatePool(p, "")
	return v.result()
}

// ValidateServerSpec validates a single server definition.
func ValidateServerSpec(s ServerSpec) error {
	v := &Validator{errs: util.NewValidationError("invalid server")}
	v.validateServer(s, "")
	return v.result()
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errs = util.NewValidationError("invalid configuration")

	if cfg == nil {
		v.errs.Message = "configuration is nil"
		return v.errs
	}

	v.validateLogging(&cfg.Logging)
	v.validateAdmin(&cfg.Admin)
	v.validateAudit(&cfg.Audit)
	v.validateTracing(&cfg.Tracing)
	v.validatePool(cfg.Pool, "pool.")
	v.validateProbe(&cfg.Probe)
	v.validateSource(&cfg.Source)
	v.validateServers(cfg.Servers)

	return v.result()
}

func (v *Validator) result() error {
	if v.errs.HasFields() {
		return v.errs
	}
	return nil
}

func (v *Validator) addError(path, message string) {
	v.errs.AddField(path, message)
}

func (v *Validator) validateLogging(l *LoggingConfig) {
	if l.Level != "" && !validLogLevels[l.Level] {
		v.addError("logging.level", "must be one of debug, info, warn, error")
	}
	if l.Format != "" && !validLogFormats[l.Format] {
		v.addError("logging.format", "must be json or console")
	}
}

func (v *Validator) validateAdmin(a *AdminConfig) {
	if a.Address == "" {
		v.addError("admin.address", "address is required")
	}
	if a.ReadTimeout < 0 {
		v.addError("admin.readTimeout", "must not be negative")
	}
	if a.WriteTimeout < 0 {
		v.addError("admin.writeTimeout", "must not be negative")
	}
	if a.RateLimit.Enabled {
		if a.RateLimit.RequestsPerSecond <= 0 {
			v.addError("admin.rateLimit.requestsPerSecond", "must be positive")
		}
		if a.RateLimit.Burst < 1 {
			v.addError("admin.rateLimit.burst", "must be at least 1")
		}
	}
}

func (v *Validator) validateAudit(a *AuditConfig) {
	if a.Format != "" && !validAuditFormat[a.Format] {
		v.addError("audit.format", "must be json or text")
	}
}

func (v *Validator) validateTracing(t *TracingConfig) {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "must be between 0 and 1")
	}
}

func (v *Validator) validatePool(p PoolSettings, prefix string) {
	if !p.Strategy.Valid() {
		v.addError(prefix+"strategy", fmt.Sprintf("unknown strategy %q", p.Strategy))
	}
	if p.HealthCheckInterval <= 0 {
		v.addError(prefix+"healthCheckInterval", "must be positive")
	}
	if p.HealthCheckTimeout <= 0 {
		v.addError(prefix+"healthCheckTimeout", "must be positive")
	}
	if p.FailureThreshold < 1 {
		v.addError(prefix+"failureThreshold", "must be at least 1")
	}
	if p.RecoveryThreshold < 1 {
		v.addError(prefix+"recoveryThreshold", "must be at least 1")
	}
	if p.DefaultMaxConnections < 1 {
		v.addError(prefix+"defaultMaxConnections", "must be at least 1")
	}
	if p.RetryBackoff < 0 {
		v.addError(prefix+"retryBackoff", "must not be negative")
	}
	if p.MaxRetries < 0 {
		v.addError(prefix+"maxRetries", "must not be negative")
	}
	if p.CircuitResetTimeout < 0 {
		v.addError(prefix+"circuitResetTimeout", "must not be negative")
	}
	if p.MaxConcurrentProbes < 0 {
		v.addError(prefix+"maxConcurrentProbes", "must not be negative")
	}
	if p.HashReplicas < 0 {
		v.addError(prefix+"hashReplicas", "must not be negative")
	} else if p.HashReplicas > MaxHashReplicas {
		v.addError(prefix+"hashReplicas", fmt.Sprintf("must be at most %d", MaxHashReplicas))
	}
}

func (v *Validator) validateProbe(p *ProbeConfig) {
	if !validProbeTypes[p.Type] {
		v.addError("probe.type", "must be tcp, http or grpc")
	}
	if p.Type == ProbeHTTP && p.Scheme != "http" && p.Scheme != "https" {
		v.addError("probe.scheme", "must be http or https")
	}
}

func (v *Validator) validateSource(s *SourceConfig) {
	if s.RefreshInterval < 0 {
		v.addError("source.refreshInterval", "must not be negative")
	}
	if !validSourceTypes[s.Type] {
		v.addError("source.type", "must be static or redis")
		return
	}
	if s.Type != SourceRedis {
		return
	}
	if s.Redis == nil {
		v.addError("source.redis", "redis settings are required for the redis source")
		return
	}
	if s.Redis.Address == "" {
		v.addError("source.redis.address", "address is required")
	}
	if s.Redis.DB < 0 {
		v.addError("source.redis.db", "must not be negative")
	}
}

func (v *Validator) validateServers(servers []ServerSpec) {
	ids := make(map[string]int, len(servers))
	for i, s := range servers {
		prefix := fmt.Sprintf("servers[%d].", i)
		v.validateServer(s, prefix)
		id := s.EffectiveID()
		if id == "" {
			continue
		}
		if first, dup := ids[id]; dup {
			v.addError(prefix+"id", fmt.Sprintf("duplicate id %q (also servers[%d])", id, first))
			continue
		}
		ids[id] = i
	}
}

func (v *Validator) validateServer(s ServerSpec, prefix string) {
	if s.Name == "" {
		v.addError(prefix+"name", "name is required")
	}
	if s.Address == "" {
		v.addError(prefix+"address", "address is required")
	} else if err := util.ValidateAddress(s.Address); err != nil {
		v.addError(prefix+"address", err.Error())
	}
	if s.Weight < 0 {
		v.addError(prefix+"weight", "must be at least 1")
	} else if s.Weight > MaxWeight {
		v.addError(prefix+"weight", fmt.Sprintf("must be at most %d", MaxWeight))
	}
	if s.MaxConnections < 0 {
		v.addError(prefix+"maxConnections", "must not be negative")
	}
}
