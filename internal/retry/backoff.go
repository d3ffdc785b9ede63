package retry

import (
	"time"
)

// Backoff defines the interface for backoff strategies.
type Backoff interface {
	// Next returns the duration to wait before the next retry attempt.
	Next(attempt int) time.Duration
}

// ConstantBackoff waits the same interval before every retry.
type ConstantBackoff struct {
	interval time.Duration
}

// NewConstantBackoff creates a new constant backoff.
func NewConstantBackoff(interval time.Duration) *ConstantBackoff {
	return &ConstantBackoff{
		interval: interval,
	}
}

// Next implements Backoff.
func (b *ConstantBackoff) Next(int) time.Duration {
	return b.interval
}
