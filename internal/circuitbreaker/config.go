// Package circuitbreaker implements the per-server CLOSED / OPEN /
// HALF_OPEN breaker used by the pool to isolate failing backends.
//
// Thresholds are not copied into the breaker. They are read through a
// SettingsFunc on every transition decision, so a configuration change
// applies to all breakers on their next read without resetting counters.
package circuitbreaker

import (
	"time"

	"github.com/vyrodovalexey/avapool/internal/observability"
)

// Settings are the thresholds a breaker consults on each decision.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// closed breaker.
	FailureThreshold int

	// RecoveryThreshold is the number of consecutive half-open successes
	// that closes the breaker.
	RecoveryThreshold int

	// ResetTimeout is how long the breaker stays open before it moves to
	// half-open on the next read.
	ResetTimeout time.Duration
}

// SettingsFunc returns the current thresholds.
type SettingsFunc func() Settings

// StaticSettings returns a SettingsFunc that always yields s.
func StaticSettings(s Settings) SettingsFunc {
	return func() Settings { return s }
}

// DefaultSettings returns the thresholds used when none are supplied.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		ResetTimeout:      10 * time.Second,
	}
}

func (s Settings) normalized() Settings {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 1
	}
	if s.RecoveryThreshold < 1 {
		s.RecoveryThreshold = 1
	}
	if s.ResetTimeout < 0 {
		s.ResetTimeout = 0
	}
	return s
}

// StateChangeFunc observes state transitions. It is called synchronously
// after the breaker's lock is released.
type StateChangeFunc func(name string, from, to State)

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithLogger sets the logger used for transition logs.
func WithLogger(logger observability.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithOnStateChange registers a transition observer.
func WithOnStateChange(fn StateChangeFunc) Option {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}
