package audit

import (
	"fmt"

	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/util"
)

// Config represents the audit logging configuration.
type Config struct {
	// Enabled enables audit logging.
	Enabled bool

	// Output is stdout, stderr or a file path.
	Output string

	// Format is json or text.
	Format string

	// RedactFields lists detail keys to mask. Matching is
	// case-insensitive and by substring.
	RedactFields []string

	// SkipActions lists actions that are not written.
	SkipActions []Action
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false,
		Output:       "stdout",
		Format:       formatJSON,
		RedactFields: []string{"password", "secret", "token"},
	}
}

// FromConfig converts the file configuration.
func FromConfig(c config.AuditConfig) *Config {
	cfg := DefaultConfig()
	cfg.Enabled = c.Enabled
	if c.Output != "" {
		cfg.Output = c.Output
	}
	if c.Format != "" {
		cfg.Format = c.Format
	}
	if len(c.RedactFields) > 0 {
		cfg.RedactFields = c.RedactFields
	}
	for _, a := range c.SkipActions {
		cfg.SkipActions = append(cfg.SkipActions, Action(a))
	}
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	switch c.Format {
	case "", formatJSON, formatText:
	default:
		return util.NewConfigError("audit.format", fmt.Sprintf("invalid format %q, must be json or text", c.Format))
	}
	return nil
}

// GetEffectiveOutput returns the output, defaulting to stdout.
func (c *Config) GetEffectiveOutput() string {
	if c.Output == "" {
		return "stdout"
	}
	return c.Output
}

// GetEffectiveFormat returns the format, defaulting to json.
func (c *Config) GetEffectiveFormat() string {
	if c.Format == "" {
		return formatJSON
	}
	return c.Format
}

// ShouldSkip reports whether events with action are suppressed.
func (c *Config) ShouldSkip(action Action) bool {
	for _, a := range c.SkipActions {
		if a == action {
			return true
		}
	}
	return false
}
