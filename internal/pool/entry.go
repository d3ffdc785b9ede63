package pool

import (
	"sync"
	"time"

	"github.com/vyrodovalexey/avapool/internal/circuitbreaker"
	"github.com/vyrodovalexey/avapool/internal/config"
)

// latencyAlpha is the EWMA smoothing factor for average latency.
const latencyAlpha = 0.2

// origin records who registered a server, so that reconciliation against
// a source only touches the servers that source owns.
type origin string

const (
	originSource origin = "source"
	originAPI    origin = "api"
)

// entry is the pool's mutable record of one server. All fields below mu
// are guarded by it. The breaker has its own lock and must never be
// called while mu is held, because its state-change callback records an
// event on the entry.
type entry struct {
	id        string
	origin    origin
	createdAt time.Time
	breaker   *circuitbreaker.CircuitBreaker

	mu                   sync.Mutex
	name                 string
	address              string
	weight               int
	active               bool
	maxConnections       int
	currentConnections   int
	status               HealthStatus
	lastHealthCheck      time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	totalRequests        int64
	successfulRequests   int64
	failedRequests       int64
	avgLatencyMs         float64
	latencySamples       int64
	lastError            string
	removed              bool
	events               *eventRing
	applied              sourceState
}

// sourceState is the last server definition a source applied to an entry.
// Reconcile only pushes fields the source changed since, so admin edits
// to the other fields survive refreshes.
type sourceState struct {
	name           string
	address        string
	weight         int
	maxConnections int
	active         bool
}

func newSourceState(spec config.ServerSpec) sourceState {
	return sourceState{
		name:           spec.Name,
		address:        spec.Address,
		weight:         spec.Weight,
		maxConnections: spec.MaxConnections,
		active:         spec.IsActive(),
	}
}

func (e *entry) lastApplied() sourceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied
}

func (e *entry) setApplied(st sourceState) {
	e.mu.Lock()
	e.applied = st
	e.mu.Unlock()
}

// candidate is the state of an eligible entry captured at selection time.
type candidate struct {
	e        *entry
	weight   int
	current  int
	failures int
}

func (e *entry) probeAddress() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.address
}

// eligibility returns the captured candidate if the entry passes every
// check that does not involve the breaker.
func (e *entry) eligibility() (candidate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || !e.active || e.status == StatusUnhealthy || e.currentConnections >= e.maxConnections {
		return candidate{}, false
	}
	return candidate{
		e:        e,
		weight:   max(e.weight, 1),
		current:  e.currentConnections,
		failures: e.consecutiveFailures,
	}, true
}

// tryAcquire increments the connection count iff a slot is free.
func (e *entry) tryAcquire(now time.Time) (current, limit int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentConnections >= e.maxConnections {
		e.recordLocked(now, EventCapacityReached, "", 0)
		return e.currentConnections, e.maxConnections, false
	}
	e.currentConnections++
	return e.currentConnections, e.maxConnections, true
}

// release decrements the connection count, floored at zero.
func (e *entry) release() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentConnections > 0 {
		e.currentConnections--
	}
	return e.currentConnections
}

func (e *entry) observeLatencyLocked(ms float64) {
	if e.latencySamples == 0 {
		e.avgLatencyMs = ms
	} else {
		e.avgLatencyMs = latencyAlpha*ms + (1-latencyAlpha)*e.avgLatencyMs
	}
	e.latencySamples++
}

func (e *entry) recordLocked(now time.Time, kind EventKind, msg string, latencyMs float64) {
	e.events.add(ServerEvent{Time: now, Kind: kind, Message: msg, LatencyMs: latencyMs})
}

func (e *entry) record(now time.Time, kind EventKind, msg string) {
	e.mu.Lock()
	e.recordLocked(now, kind, msg, 0)
	e.mu.Unlock()
}

func (e *entry) requestSucceeded(now time.Time, latency time.Duration) {
	ms := durationMs(latency)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalRequests++
	e.successfulRequests++
	e.observeLatencyLocked(ms)
	e.recordLocked(now, EventRequestSucceeded, "", ms)
}

func (e *entry) requestFailed(now time.Time, errText string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalRequests++
	e.failedRequests++
	if errText != "" {
		e.lastError = errText
	}
	e.recordLocked(now, EventRequestFailed, errText, 0)
}

// probeOutcome describes what applying a probe result changed.
type probeOutcome struct {
	from, to HealthStatus
}

func (o probeOutcome) changed() bool {
	return o.from != o.to
}

func (e *entry) probeSucceeded(now time.Time, latency time.Duration) probeOutcome {
	ms := durationMs(latency)

	e.mu.Lock()
	defer e.mu.Unlock()

	out := probeOutcome{from: e.status, to: StatusHealthy}
	e.lastHealthCheck = now
	e.consecutiveSuccesses++
	e.consecutiveFailures = 0
	e.observeLatencyLocked(ms)
	e.status = StatusHealthy
	e.recordLocked(now, EventProbeSucceeded, "", ms)
	if out.changed() {
		e.recordLocked(now, EventStatusChanged, string(out.from)+" -> "+string(out.to), 0)
	}
	return out
}

func (e *entry) probeFailed(now time.Time, errText string, failureThreshold int) probeOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := probeOutcome{from: e.status}
	e.lastHealthCheck = now
	e.consecutiveFailures++
	e.lastError = errText
	if e.consecutiveFailures < failureThreshold {
		e.status = StatusDegraded
	} else {
		e.status = StatusUnhealthy
	}
	out.to = e.status
	e.recordLocked(now, EventProbeFailed, errText, 0)
	if out.changed() {
		e.recordLocked(now, EventStatusChanged, string(out.from)+" -> "+string(out.to), 0)
	}
	return out
}

// setActive flips the admission flag. Activating an inactive server
// resets both probe streak counters.
func (e *entry) setActive(now time.Time, active bool) (changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == active {
		return false
	}
	e.active = active
	if active {
		e.consecutiveFailures = 0
		e.consecutiveSuccesses = 0
		e.recordLocked(now, EventActivated, "", 0)
	} else {
		e.recordLocked(now, EventDeactivated, "", 0)
	}
	return true
}

func (e *entry) setWeight(now time.Time, weight int) (previous int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous = e.weight
	e.weight = weight
	if previous != weight {
		e.recordLocked(now, EventWeightChanged, "", 0)
	}
	return previous
}

// applyUpdate applies a validated update and returns the changed fields
// as name -> new value. Lowering maxConnections below the live count is
// rejected by returning ok=false with nothing changed.
func (e *entry) applyUpdate(now time.Time, u ServerUpdate) (changes map[string]any, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if u.MaxConnections != nil && *u.MaxConnections < e.currentConnections {
		return nil, false
	}

	changes = make(map[string]any)
	if u.Name != nil && *u.Name != e.name {
		e.name = *u.Name
		changes["name"] = e.name
	}
	if u.Address != nil && *u.Address != e.address {
		e.address = *u.Address
		changes["address"] = e.address
	}
	if u.Weight != nil && *u.Weight != e.weight {
		e.weight = *u.Weight
		changes["weight"] = e.weight
	}
	if u.MaxConnections != nil && *u.MaxConnections != e.maxConnections {
		e.maxConnections = *u.MaxConnections
		changes["maxConnections"] = e.maxConnections
	}
	if u.IsActive != nil && *u.IsActive != e.active {
		e.active = *u.IsActive
		changes["isActive"] = e.active
		if e.active {
			e.consecutiveFailures = 0
			e.consecutiveSuccesses = 0
		}
	}
	if len(changes) > 0 {
		e.recordLocked(now, EventUpdated, "", 0)
	}
	return changes, true
}

func (e *entry) markRemoved() {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
}

func (e *entry) isRemoved() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed
}

// snapshot copies the entry. The breaker state is read after the entry
// lock is released.
func (e *entry) snapshot() ServerSnapshot {
	e.mu.Lock()
	s := ServerSnapshot{
		ID:                   e.id,
		Name:                 e.name,
		Address:              e.address,
		Weight:               e.weight,
		IsActive:             e.active,
		MaxConnections:       e.maxConnections,
		CurrentConnections:   e.currentConnections,
		HealthStatus:         e.status,
		ConsecutiveFailures:  e.consecutiveFailures,
		ConsecutiveSuccesses: e.consecutiveSuccesses,
		TotalRequests:        e.totalRequests,
		SuccessfulRequests:   e.successfulRequests,
		FailedRequests:       e.failedRequests,
		AverageLatencyMs:     e.avgLatencyMs,
		LastError:            e.lastError,
		RecentEvents:         e.events.list(),
		CreatedAt:            e.createdAt,
	}
	if !e.lastHealthCheck.IsZero() {
		t := e.lastHealthCheck
		s.LastHealthCheckAt = &t
	}
	e.mu.Unlock()

	s.CircuitState = e.breaker.State()
	return s
}

// latencySample returns the weight and average latency for the weighted
// pool average, or ok=false if no sample exists.
func (e *entry) latencySample() (weight int, avgMs float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return max(e.weight, 1), e.avgLatencyMs, e.latencySamples > 0
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
