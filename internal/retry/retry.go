package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	// DefaultInitialBackoff is the default initial backoff duration.
	DefaultInitialBackoff = 100 * time.Millisecond

	// DefaultMaxBackoff is the default maximum backoff duration.
	DefaultMaxBackoff = 30 * time.Second

	// DefaultJitterFactor is the default jitter factor (25%).
	DefaultJitterFactor = 0.25

	// MaxJitterFactor is the maximum allowed jitter factor.
	MaxJitterFactor = 1.0
)

// Config contains retry configuration parameters.
type Config struct {
	// MaxRetries is the number of attempts after the first one. Zero
	// runs the function exactly once.
	MaxRetries int

	// InitialBackoff, MaxBackoff and JitterFactor shape the default
	// exponential backoff. They are ignored when Backoff is set.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64

	// Backoff overrides the exponential schedule.
	Backoff Backoff
}

// GetMaxRetries returns the effective max retries.
func (c *Config) GetMaxRetries() int {
	if c == nil || c.MaxRetries < 0 {
		return 0
	}
	return c.MaxRetries
}

// GetInitialBackoff returns the effective initial backoff.
func (c *Config) GetInitialBackoff() time.Duration {
	if c == nil || c.InitialBackoff <= 0 {
		return DefaultInitialBackoff
	}
	return c.InitialBackoff
}

// GetMaxBackoff returns the effective max backoff.
func (c *Config) GetMaxBackoff() time.Duration {
	if c == nil || c.MaxBackoff <= 0 {
		return DefaultMaxBackoff
	}
	return c.MaxBackoff
}

// GetJitterFactor returns the effective jitter factor.
func (c *Config) GetJitterFactor() float64 {
	if c == nil || c.JitterFactor < 0 {
		return DefaultJitterFactor
	}
	if c.JitterFactor > MaxJitterFactor {
		return MaxJitterFactor
	}
	return c.JitterFactor
}

func (c *Config) backoff(attempt int) time.Duration {
	if c != nil && c.Backoff != nil {
		return c.Backoff.Next(attempt)
	}
	return CalculateBackoff(attempt, c.GetInitialBackoff(), c.GetMaxBackoff(), c.GetJitterFactor())
}

// RetryableFunc is one attempt. attempt starts at 0.
type RetryableFunc func(attempt int) error

// ShouldRetryFunc determines if an error should trigger a retry.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before each retry attempt.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Options contains optional retry behavior configuration.
type Options struct {
	// ShouldRetry determines if an error should trigger a retry.
	// If nil, all errors are retried.
	ShouldRetry ShouldRetryFunc

	// OnRetry is called before each retry attempt.
	OnRetry OnRetryFunc
}

// Do runs fn until it succeeds, the retry budget is spent, ShouldRetry
// rejects the error, or ctx is done. It returns the last error seen.
func Do(ctx context.Context, cfg *Config, fn RetryableFunc, opts *Options) error {
	maxRetries := cfg.GetMaxRetries()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if opts != nil && opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			return lastErr
		}

		if attempt == maxRetries {
			break
		}

		backoff := cfg.backoff(attempt)
		if opts != nil && opts.OnRetry != nil {
			opts.OnRetry(attempt+1, lastErr, backoff)
		}

		if backoff <= 0 {
			continue
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// CalculateBackoff calculates the backoff duration for a given attempt.
func CalculateBackoff(attempt int, initialBackoff, maxBackoff time.Duration, jitterFactor float64) time.Duration {
	backoff := float64(initialBackoff) * math.Pow(2, float64(attempt))

	//nolint:gosec // G404: jitter for retry timing is not security-sensitive
	jitter := backoff * jitterFactor * rand.Float64()
	backoff += jitter

	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	return time.Duration(backoff)
}
