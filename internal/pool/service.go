package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avapool/internal/circuitbreaker"
	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/observability"
	"github.com/vyrodovalexey/avapool/internal/util"
)

// breakerActor is recorded on circuit transitions, which have no caller.
const breakerActor = "circuit-breaker"

// maxSelectAttempts bounds re-selection when the chosen server is removed
// between filtering and return.
const maxSelectAttempts = 3

// Service is the pool façade. It is the only path through which pool
// state is mutated and is safe for concurrent use.
type Service struct {
	logger   observability.Logger
	probe    Probe
	source   ServerSource
	recorder Recorder
	notifier *Notifier
	now      func() time.Time
	newID    func() string

	settingsMu sync.RWMutex
	settings   config.PoolSettings

	registry *registry
	balancer *balancer
	monitor  *monitor

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithSource sets the store Initialize loads servers from.
func WithSource(src ServerSource) Option {
	return func(s *Service) {
		s.source = src
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithNotifier replaces the default notifier.
func WithNotifier(n *Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator replaces the uuid generator used for servers added
// without an id.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

// NewService creates a pool service. settings must be valid and probe
// must not be nil.
func NewService(settings config.PoolSettings, probe Probe, opts ...Option) (*Service, error) {
	if probe == nil {
		return nil, fmt.Errorf("%w: health probe is required", util.ErrInvalidInput)
	}
	if err := config.ValidatePoolSettings(settings); err != nil {
		return nil, err
	}

	s := &Service{
		logger:   observability.NopLogger(),
		probe:    probe,
		recorder: nopRecorder{},
		now:      time.Now,
		newID:    uuid.NewString,
		settings: settings,
		registry: newRegistry(),
		balancer: newBalancer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = NewNotifier(
			WithNotifierLogger(s.logger),
			WithDropHandler(s.recorder.NotificationDropped),
		)
	}
	s.monitor = newMonitor(s, s.logger)

	return s, nil
}

// Notifier returns the notifier observers subscribe to.
func (s *Service) Notifier() *Notifier {
	return s.notifier
}

// Initialize loads servers from the source, runs one synchronous health
// sweep and starts the monitor. Calling it again is a no-op.
func (s *Service) Initialize(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return nil
	}
	if s.stopped {
		return fmt.Errorf("pool service already shut down")
	}

	if s.source != nil {
		specs, err := s.source.ListServers(ctx)
		if err != nil {
			return fmt.Errorf("failed to load servers: %w", err)
		}
		if _, err := s.Reconcile(ctx, specs); err != nil {
			return err
		}
	}

	s.monitor.sweep(ctx)
	s.monitor.start(ctx, s.Config().HealthCheckInterval.Duration())
	s.started = true

	s.logger.Info("connection pool initialized",
		observability.Int("servers", s.registry.len()),
		observability.String("strategy", string(s.Config().Strategy)),
	)
	return nil
}

// Started reports whether Initialize completed and Shutdown has not run.
func (s *Service) Started() bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.started
}

// Shutdown stops the monitor and drains the notifier.
func (s *Service) Shutdown(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.stopped {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.stopped = true
	s.started = false
	s.lifecycleMu.Unlock()

	s.monitor.stop()
	err := s.notifier.Close(ctx)

	s.logger.Info("connection pool stopped")
	return err
}

// Config returns the current pool settings.
func (s *Service) Config() config.PoolSettings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

func (s *Service) breakerSettings() circuitbreaker.Settings {
	cfg := s.Config()
	return circuitbreaker.Settings{
		FailureThreshold:  cfg.FailureThreshold,
		RecoveryThreshold: cfg.RecoveryThreshold,
		ResetTimeout:      cfg.EffectiveResetTimeout(),
	}
}

// NextServer selects a server with the active strategy.
func (s *Service) NextServer(ctx context.Context) (ServerSnapshot, error) {
	return s.NextServerForKey(ctx, "")
}

// NextServerForKey selects a server, using key as the affinity key for
// the consistent_hash strategy. Other strategies ignore key. It returns a
// *util.NoAvailableServerError when no server is eligible.
func (s *Service) NextServerForKey(_ context.Context, key string) (ServerSnapshot, error) {
	e, err := s.selectEntry(key)
	if err != nil {
		return ServerSnapshot{}, err
	}
	return e.snapshot(), nil
}

func (s *Service) selectEntry(key string) (*entry, error) {
	cfg := s.Config()

	for attempt := 0; attempt < maxSelectAttempts; attempt++ {
		entries := s.registry.list()
		cands := eligible(entries)
		if len(cands) == 0 {
			s.recorder.Selection(cfg.Strategy, false)
			return nil, util.NewNoAvailableServerError(string(cfg.Strategy), len(entries))
		}

		e := s.balancer.pick(cfg.Strategy, cands, key, cfg.EffectiveHashReplicas())
		if e != nil && !e.isRemoved() {
			s.recorder.Selection(cfg.Strategy, true)
			return e, nil
		}
	}

	s.recorder.Selection(cfg.Strategy, false)
	return nil, util.NewNoAvailableServerError(string(cfg.Strategy), s.registry.len())
}

// Acquire takes a connection slot on server id. It returns a
// *util.CapacityExceededError when the server is at its limit.
func (s *Service) Acquire(ctx context.Context, id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	current, limit, ok := e.tryAcquire(s.now())
	if !ok {
		s.recorder.CapacityRejected(id)
		s.publish(ctx, NotifyConnectionLimitReached, id, map[string]any{
			"maxConnections": limit,
		})
		return util.NewCapacityExceededError(id, limit)
	}
	s.recorder.Connections(id, current)
	return nil
}

// Release returns a connection slot on server id. Releasing more than
// was acquired leaves the count at zero.
func (s *Service) Release(_ context.Context, id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.recorder.Connections(id, e.release())
	return nil
}

// ReportSuccess records a completed unit of work on server id.
func (s *Service) ReportSuccess(_ context.Context, id string, latency time.Duration) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.requestSucceeded(s.now(), latency)
	e.breaker.RecordSuccess()
	return nil
}

// ReportFailure records a failed unit of work on server id and advances
// its circuit breaker.
func (s *Service) ReportFailure(_ context.Context, id string, errText string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.requestFailed(s.now(), errText)
	e.breaker.RecordFailure()
	return nil
}

// SetStrategy changes the load-balancing strategy.
func (s *Service) SetStrategy(ctx context.Context, strategy config.Strategy) error {
	if !strategy.Valid() {
		verr := util.NewValidationError("invalid load-balancing strategy")
		verr.AddField("strategy", fmt.Sprintf("unknown strategy %q", strategy))
		return verr
	}

	s.settingsMu.Lock()
	previous := s.settings.Strategy
	s.settings.Strategy = strategy
	s.settingsMu.Unlock()

	s.logger.Info("load-balancing strategy changed",
		observability.String("from", string(previous)),
		observability.String("to", string(strategy)),
	)
	s.publish(ctx, NotifyStrategyChanged, "", map[string]any{
		"from": string(previous),
		"to":   string(strategy),
	})
	return nil
}

// UpdateConfig applies a partial settings update. The merged settings
// are validated before anything changes; on error nothing is applied.
func (s *Service) UpdateConfig(ctx context.Context, patch config.PoolSettingsPatch) (config.PoolSettings, error) {
	s.settingsMu.Lock()
	previous := s.settings
	next := patch.Apply(previous)
	if err := config.ValidatePoolSettings(next); err != nil {
		s.settingsMu.Unlock()
		return previous, err
	}
	s.settings = next
	s.settingsMu.Unlock()

	changed := configChanges(config.Diff(previous, next))
	if len(changed) == 0 {
		return next, nil
	}

	if next.HealthCheckInterval != previous.HealthCheckInterval {
		s.monitor.setInterval(next.HealthCheckInterval.Duration())
	}

	s.logger.Info("pool configuration updated",
		observability.Any("changes", changed),
	)
	s.publish(ctx, NotifyConfigUpdated, "", changed)
	if next.Strategy != previous.Strategy {
		s.publish(ctx, NotifyStrategyChanged, "", map[string]any{
			"from": string(previous.Strategy),
			"to":   string(next.Strategy),
		})
	}
	return next, nil
}

// configChanges renders a diff for notifications. Durations are given in
// milliseconds to match the management API.
func configChanges(d config.PoolSettingsPatch) map[string]any {
	out := make(map[string]any)
	if d.Strategy != nil {
		out["strategy"] = string(*d.Strategy)
	}
	durations := map[string]*time.Duration{
		"healthCheckInterval": d.HealthCheckInterval,
		"healthCheckTimeout":  d.HealthCheckTimeout,
		"retryBackoff":        d.RetryBackoff,
		"circuitResetTimeout": d.CircuitResetTimeout,
	}
	for k, v := range durations {
		if v != nil {
			out[k] = v.Milliseconds()
		}
	}
	ints := map[string]*int{
		"failureThreshold":      d.FailureThreshold,
		"recoveryThreshold":     d.RecoveryThreshold,
		"defaultMaxConnections": d.DefaultMaxConnections,
		"maxRetries":            d.MaxRetries,
		"maxConcurrentProbes":   d.MaxConcurrentProbes,
		"hashReplicas":          d.HashReplicas,
	}
	for k, v := range ints {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

// SetActive sets the operator admission flag of server id.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (ServerSnapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return ServerSnapshot{}, err
	}

	changed := e.setActive(s.now(), active)
	typ := NotifyServerDeactivated
	if active {
		typ = NotifyServerActivated
	}
	s.publish(ctx, typ, id, map[string]any{"changed": changed})
	return e.snapshot(), nil
}

// SetWeight sets the weight of server id. weight must be at least 1.
func (s *Service) SetWeight(ctx context.Context, id string, weight int) (ServerSnapshot, error) {
	if msg := weightError(weight); msg != "" {
		verr := util.NewValidationError("invalid weight")
		verr.AddField("weight", msg)
		return ServerSnapshot{}, verr
	}
	e, err := s.lookup(id)
	if err != nil {
		return ServerSnapshot{}, err
	}

	previous := e.setWeight(s.now(), weight)
	s.publish(ctx, NotifyWeightChanged, id, map[string]any{
		"from": previous,
		"to":   weight,
	})
	return e.snapshot(), nil
}

// AttemptRecovery forces server id's breaker half-open and probes it
// once. It reports whether the server is healthy afterwards.
func (s *Service) AttemptRecovery(ctx context.Context, id string) (bool, error) {
	e, err := s.lookup(id)
	if err != nil {
		return false, err
	}

	ok := s.monitor.recover(ctx, e)
	s.publish(ctx, NotifyRecoveryAttempted, id, map[string]any{"success": ok})
	return ok, nil
}

// CheckServer runs one out-of-cycle probe of server id and returns the
// resulting state.
func (s *Service) CheckServer(ctx context.Context, id string) (ServerSnapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return ServerSnapshot{}, err
	}

	_ = s.monitor.check(ctx, e)
	snap := e.snapshot()
	s.publish(ctx, NotifyHealthCheckForced, id, map[string]any{
		"healthStatus": string(snap.HealthStatus),
	})
	return snap, nil
}

// AddServer registers a server. An empty id is replaced with a generated
// one; weight and maxConnections default to 1 and the configured default.
func (s *Service) AddServer(ctx context.Context, spec config.ServerSpec) (ServerSnapshot, error) {
	e, err := s.addServer(ctx, spec, originAPI)
	if err != nil {
		return ServerSnapshot{}, err
	}
	return e.snapshot(), nil
}

func (s *Service) addServer(ctx context.Context, spec config.ServerSpec, from origin) (*entry, error) {
	if err := config.ValidateServerSpec(spec); err != nil {
		return nil, err
	}

	id := spec.ID
	if id == "" {
		id = s.newID()
	}
	weight := spec.Weight
	if weight < 1 {
		weight = 1
	}
	maxConns := spec.MaxConnections
	if maxConns < 1 {
		maxConns = s.Config().DefaultMaxConnections
	}

	now := s.now()
	e := &entry{
		id:             id,
		origin:         from,
		createdAt:      now,
		name:           spec.Name,
		address:        spec.Address,
		weight:         weight,
		active:         spec.IsActive(),
		maxConnections: maxConns,
		status:         StatusHealthy,
		events:         newEventRing(maxRecentEvents),
	}
	if from == originSource {
		e.applied = newSourceState(spec)
	}
	e.breaker = circuitbreaker.NewCircuitBreaker(id, s.breakerSettings,
		circuitbreaker.WithLogger(s.logger),
		circuitbreaker.WithClock(s.now),
		circuitbreaker.WithOnStateChange(func(_ string, from, to circuitbreaker.State) {
			s.onCircuitChange(e, from, to)
		}),
	)

	if err := s.registry.add(e); err != nil {
		return nil, err
	}

	s.recorder.ServerStatus(id, StatusHealthy)
	s.recorder.CircuitState(id, circuitbreaker.StateClosed)
	s.recorder.Connections(id, 0)

	s.logger.Info("server added",
		observability.String("server_id", id),
		observability.String("address", spec.Address),
		observability.Int("weight", weight),
	)
	s.publish(ctx, NotifyServerAdded, id, map[string]any{
		"name":           spec.Name,
		"address":        spec.Address,
		"weight":         weight,
		"maxConnections": maxConns,
		"isActive":       spec.IsActive(),
	})
	return e, nil
}

func (s *Service) onCircuitChange(e *entry, from, to circuitbreaker.State) {
	e.record(s.now(), EventCircuitChanged, from.String()+" -> "+to.String())
	s.recorder.CircuitState(e.id, to)

	ctx := observability.ContextWithActor(context.Background(), breakerActor)
	s.publish(ctx, NotifyCircuitStateChanged, e.id, map[string]any{
		"from": from.String(),
		"to":   to.String(),
	})
}

// UpdateServer applies a partial update to server id.
func (s *Service) UpdateServer(ctx context.Context, id string, u ServerUpdate) (ServerSnapshot, error) {
	if err := validateServerUpdate(u); err != nil {
		return ServerSnapshot{}, err
	}
	e, err := s.lookup(id)
	if err != nil {
		return ServerSnapshot{}, err
	}
	if _, err := s.updateServer(ctx, e, u); err != nil {
		return ServerSnapshot{}, err
	}
	return e.snapshot(), nil
}

func (s *Service) updateServer(ctx context.Context, e *entry, u ServerUpdate) (map[string]any, error) {
	changes, ok := e.applyUpdate(s.now(), u)
	if !ok {
		verr := util.NewValidationError("invalid server update")
		verr.AddField("maxConnections", "must not be below the current connection count")
		return nil, verr
	}
	if len(changes) > 0 {
		s.publish(ctx, NotifyServerUpdated, e.id, changes)
	}
	return changes, nil
}

func validateServerUpdate(u ServerUpdate) error {
	verr := util.NewValidationError("invalid server update")
	if u.Name != nil && *u.Name == "" {
		verr.AddField("name", "name must not be empty")
	}
	if u.Address != nil {
		if *u.Address == "" {
			verr.AddField("address", "address must not be empty")
		} else if err := util.ValidateAddress(*u.Address); err != nil {
			verr.AddField("address", err.Error())
		}
	}
	if u.Weight != nil {
		if msg := weightError(*u.Weight); msg != "" {
			verr.AddField("weight", msg)
		}
	}
	if u.MaxConnections != nil && *u.MaxConnections < 1 {
		verr.AddField("maxConnections", "must be at least 1")
	}
	if verr.HasFields() {
		return verr
	}
	return nil
}

func weightError(weight int) string {
	switch {
	case weight < 1:
		return "must be at least 1"
	case weight > config.MaxWeight:
		return fmt.Sprintf("must be at most %d", config.MaxWeight)
	}
	return ""
}

// RemoveServer unregisters server id and discards its breaker.
func (s *Service) RemoveServer(ctx context.Context, id string) error {
	e, ok := s.registry.remove(id)
	if !ok {
		return util.NewServerNotFoundError(id)
	}

	s.recorder.ServerRemoved(id)
	s.logger.Info("server removed",
		observability.String("server_id", id),
	)
	s.publish(ctx, NotifyServerRemoved, id, map[string]any{
		"name":    e.snapshot().Name,
		"address": e.probeAddress(),
	})
	return nil
}

// GetServer returns a snapshot of server id.
func (s *Service) GetServer(_ context.Context, id string) (ServerSnapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return ServerSnapshot{}, err
	}
	return e.snapshot(), nil
}

// ListServers returns snapshots of every server in registration order.
func (s *Service) ListServers(_ context.Context) []ServerSnapshot {
	entries := s.registry.list()
	out := make([]ServerSnapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// Stats aggregates the pool.
func (s *Service) Stats() Stats {
	st := Stats{ActiveStrategy: s.Config().Strategy}

	var weightSum, latencySum float64
	for _, e := range s.registry.list() {
		snap := e.snapshot()
		st.TotalServers++
		if snap.IsActive {
			st.ActiveServers++
		}
		switch snap.HealthStatus {
		case StatusHealthy:
			st.HealthyServers++
		case StatusDegraded:
			st.DegradedServers++
		case StatusUnhealthy:
			st.UnhealthyServers++
		}
		if snap.CircuitState == circuitbreaker.StateOpen {
			st.OpenCircuits++
		}
		st.TotalConnections += snap.CurrentConnections

		if w, avg, ok := e.latencySample(); ok {
			weightSum += float64(w)
			latencySum += float64(w) * avg
		}
	}
	if weightSum > 0 {
		st.WeightedAverageLatency = latencySum / weightSum
	}
	return st
}

// EligibleCount returns how many servers could be selected right now.
func (s *Service) EligibleCount() int {
	return len(eligible(s.registry.list()))
}

func (s *Service) lookup(id string) (*entry, error) {
	e, ok := s.registry.get(id)
	if !ok {
		return nil, util.NewServerNotFoundError(id)
	}
	return e, nil
}

// applyProbeResult folds one probe outcome into the entry and its breaker.
func (s *Service) applyProbeResult(ctx context.Context, e *entry, latency time.Duration, probeErr error) {
	if e.isRemoved() {
		return
	}
	s.recorder.ProbeResult(e.id, latency, probeErr)

	var out probeOutcome
	if probeErr == nil {
		out = e.probeSucceeded(s.now(), latency)
		e.breaker.RecordSuccess()
	} else {
		out = e.probeFailed(s.now(), probeErr.Error(), s.Config().FailureThreshold)
		e.breaker.RecordFailure()

		var timeout *util.ProbeTimeoutError
		level := s.logger.Debug
		if errors.As(probeErr, &timeout) {
			level = s.logger.Warn
		}
		level("health probe failed",
			observability.String("server_id", e.id),
			observability.Error(probeErr),
		)
	}

	if !out.changed() || e.isRemoved() {
		return
	}
	s.recorder.ServerStatus(e.id, out.to)
	s.logger.Info("server health status changed",
		observability.String("server_id", e.id),
		observability.String("from", string(out.from)),
		observability.String("to", string(out.to)),
	)
	s.publish(ctx, NotifyStatusChanged, e.id, map[string]any{
		"from": string(out.from),
		"to":   string(out.to),
	})
}

func (s *Service) publish(ctx context.Context, typ NotificationType, serverID string, details map[string]any) {
	n := Notification{
		Type:      typ,
		ServerID:  serverID,
		Actor:     observability.ActorFromContext(ctx),
		RequestID: observability.RequestIDFromContext(ctx),
		Time:      s.now(),
		Details:   details,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		n.TraceID = sc.TraceID().String()
	}
	s.notifier.Publish(n)
}
