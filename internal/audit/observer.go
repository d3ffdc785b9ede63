package audit

import (
	"context"

	"github.com/vyrodovalexey/avapool/internal/pool"
)

// actions maps auditable notifications to audit actions.
// connection_limit_reached is backpressure, not a change, and is not
// audited.
var actions = map[pool.NotificationType]Action{
	pool.NotifyServerAdded:         ActionServerAdd,
	pool.NotifyServerRemoved:       ActionServerRemove,
	pool.NotifyServerUpdated:       ActionServerUpdate,
	pool.NotifyServerActivated:     ActionServerActivate,
	pool.NotifyServerDeactivated:   ActionServerDeactive,
	pool.NotifyWeightChanged:       ActionWeightChange,
	pool.NotifyStatusChanged:       ActionStatusChange,
	pool.NotifyCircuitStateChanged: ActionCircuitChange,
	pool.NotifyStrategyChanged:     ActionStrategyChange,
	pool.NotifyConfigUpdated:       ActionConfigUpdate,
	pool.NotifyRecoveryAttempted:   ActionRecoveryAttempt,
	pool.NotifyHealthCheckForced:   ActionHealthCheck,
}

// ActionFor returns the audit action for a notification type.
func ActionFor(typ pool.NotificationType) (Action, bool) {
	a, ok := actions[typ]
	return a, ok
}

// PoolObserver writes one audit event per auditable pool notification.
type PoolObserver struct {
	logger Logger
}

var _ pool.Observer = (*PoolObserver)(nil)

// NewPoolObserver creates a PoolObserver writing to logger.
func NewPoolObserver(logger Logger) *PoolObserver {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &PoolObserver{logger: logger}
}

// OnPoolNotification implements pool.Observer.
func (o *PoolObserver) OnPoolNotification(n pool.Notification) {
	event := EventFromNotification(n)
	if event == nil {
		return
	}
	o.logger.LogEvent(context.Background(), event)
}

// EventFromNotification converts n into an audit event, or returns nil
// if n is not audited.
func EventFromNotification(n pool.Notification) *Event {
	action, ok := actions[n.Type]
	if !ok {
		return nil
	}

	event := NewEvent(action, n.Actor)
	if !n.Time.IsZero() {
		event.Timestamp = n.Time.UTC()
	}
	if n.ServerID != "" {
		event.WithResource(ResourceServer, n.ServerID)
	}
	event.RequestID = n.RequestID
	event.TraceID = n.TraceID

	if len(n.Details) > 0 {
		details := make(map[string]interface{}, len(n.Details))
		for k, v := range n.Details {
			details[k] = v
		}
		event.Details = details
	}

	if n.Type == pool.NotifyRecoveryAttempted {
		if success, ok := n.Details["success"].(bool); ok && !success {
			event.WithOutcome(OutcomeFailure)
		}
	}

	return event
}
