package circuitbreaker

import (
	"sync"
	"time"

	"github.com/vyrodovalexey/avapool/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed admits traffic and counts consecutive failures.
	StateClosed State = iota

	// StateOpen excludes the server from selection.
	StateOpen

	// StateHalfOpen admits trial traffic until enough successes close it.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreaker is a consecutive-failure breaker. It is safe for
// concurrent use.
type CircuitBreaker struct {
	name          string
	settings      SettingsFunc
	logger        observability.Logger
	onStateChange StateChangeFunc
	now           func() time.Time

	mu                sync.Mutex
	state             State
	consecutiveFails  int
	halfOpenSuccesses int
	totalSuccesses    int64
	totalFailures     int64
	lastFailure       time.Time
	lastStateChange   time.Time
}

type transition struct {
	from, to State
}

// NewCircuitBreaker creates a closed breaker. A nil settings func uses
// DefaultSettings.
func NewCircuitBreaker(name string, settings SettingsFunc, opts ...Option) *CircuitBreaker {
	if settings == nil {
		settings = StaticSettings(DefaultSettings())
	}

	cb := &CircuitBreaker{
		name:     name,
		settings: settings,
		logger:   observability.NopLogger(),
		now:      time.Now,
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastStateChange = cb.now()

	return cb
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state. An open breaker whose reset timeout
// has elapsed moves to half-open here.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	t := cb.advanceLocked()
	state := cb.state
	cb.mu.Unlock()

	cb.notify(t...)
	return state
}

// Allow reports whether the breaker currently admits traffic.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != StateOpen
}

// RecordSuccess records a successful outcome. An open breaker is never
// closed directly; it must pass through half-open first.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	t := cb.advanceLocked()
	s := cb.settings().normalized()

	cb.totalSuccesses++

	switch cb.state {
	case StateClosed:
		cb.consecutiveFails = 0
	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= s.RecoveryThreshold {
			t = append(t, cb.transitionLocked(StateClosed))
		}
	}
	cb.mu.Unlock()

	cb.notify(t...)
}

// RecordFailure records a failed outcome.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	t := cb.advanceLocked()
	s := cb.settings().normalized()

	cb.totalFailures++
	cb.consecutiveFails++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFails >= s.FailureThreshold {
			t = append(t, cb.transitionLocked(StateOpen))
		}
	case StateHalfOpen:
		t = append(t, cb.transitionLocked(StateOpen))
	}
	cb.mu.Unlock()

	cb.notify(t...)
}

// ForceOpen opens the breaker regardless of its counters.
func (cb *CircuitBreaker) ForceOpen() {
	cb.force(StateOpen)
}

// ForceHalfOpen moves the breaker to half-open so the next outcomes decide
// whether it closes.
func (cb *CircuitBreaker) ForceHalfOpen() {
	cb.force(StateHalfOpen)
}

// Reset closes the breaker and clears its streak counters.
func (cb *CircuitBreaker) Reset() {
	cb.force(StateClosed)

	cb.mu.Lock()
	cb.consecutiveFails = 0
	cb.halfOpenSuccesses = 0
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) force(to State) {
	cb.mu.Lock()
	var t transition
	changed := cb.state != to
	if changed {
		t = cb.transitionLocked(to)
	} else if to == StateHalfOpen {
		cb.halfOpenSuccesses = 0
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(t)
	}
}

// advanceLocked applies the lazy OPEN -> HALF_OPEN transition.
func (cb *CircuitBreaker) advanceLocked() []transition {
	if cb.state != StateOpen {
		return nil
	}
	timeout := cb.settings().normalized().ResetTimeout
	if cb.now().Sub(cb.lastStateChange) < timeout {
		return nil
	}
	return []transition{cb.transitionLocked(StateHalfOpen)}
}

func (cb *CircuitBreaker) transitionLocked(to State) transition {
	from := cb.state
	cb.state = to
	cb.lastStateChange = cb.now()
	cb.halfOpenSuccesses = 0
	if to == StateClosed {
		cb.consecutiveFails = 0
	}
	return transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(transitions ...transition) {
	for _, t := range transitions {
		cb.logger.Info("circuit breaker state changed",
			observability.String("name", cb.name),
			observability.String("from", t.from.String()),
			observability.String("to", t.to.String()),
		)

		if cb.onStateChange != nil {
			cb.onStateChange(cb.name, t.from, t.to)
		}
	}
}

// Stats returns a point-in-time view of the breaker.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	t := cb.advanceLocked()
	stats := Stats{
		State:             cb.state,
		ConsecutiveFails:  cb.consecutiveFails,
		HalfOpenSuccesses: cb.halfOpenSuccesses,
		TotalSuccesses:    cb.totalSuccesses,
		TotalFailures:     cb.totalFailures,
		LastFailure:       cb.lastFailure,
		LastStateChange:   cb.lastStateChange,
	}
	cb.mu.Unlock()

	cb.notify(t...)
	return stats
}

// Stats holds circuit breaker statistics.
type Stats struct {
	State             State     `json:"state"`
	ConsecutiveFails  int       `json:"consecutiveFailures"`
	HalfOpenSuccesses int       `json:"halfOpenSuccesses"`
	TotalSuccesses    int64     `json:"totalSuccesses"`
	TotalFailures     int64     `json:"totalFailures"`
	LastFailure       time.Time `json:"lastFailure,omitempty"`
	LastStateChange   time.Time `json:"lastStateChange"`
}

// FailureRatio returns the lifetime failure ratio.
func (s Stats) FailureRatio() float64 {
	total := s.TotalSuccesses + s.TotalFailures
	if total == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(total)
}
