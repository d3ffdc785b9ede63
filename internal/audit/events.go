package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action is the audited change.
type Action string

// Pool actions.
const (
	ActionServerAdd       Action = "server_add"
	ActionServerRemove    Action = "server_remove"
	ActionServerUpdate    Action = "server_update"
	ActionServerActivate  Action = "server_activate"
	ActionServerDeactive  Action = "server_deactivate"
	ActionWeightChange    Action = "weight_change"
	ActionStatusChange    Action = "status_change"
	ActionCircuitChange   Action = "circuit_change"
	ActionStrategyChange  Action = "strategy_change"
	ActionConfigUpdate    Action = "config_update"
	ActionConfigReload    Action = "config_reload"
	ActionRecoveryAttempt Action = "recovery_attempt"
	ActionHealthCheck     Action = "health_check"
)

// Outcome represents the outcome of an audited action.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Resource types.
const (
	ResourceServer = "server"
	ResourcePool   = "pool"
)

// Event represents an audit event.
type Event struct {
	// ID is a unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the change happened.
	Timestamp time.Time `json:"timestamp"`

	// Actor is who initiated the change.
	Actor string `json:"actor"`

	Action       Action  `json:"action"`
	ResourceType string  `json:"resourceType"`
	ResourceID   string  `json:"resourceId,omitempty"`
	Outcome      Outcome `json:"outcome"`

	// Details carries action-specific values.
	Details map[string]interface{} `json:"details,omitempty"`

	// RequestID correlates the event with an admin API call.
	RequestID string `json:"requestId,omitempty"`

	// TraceID is the trace ID for distributed tracing.
	TraceID string `json:"traceId,omitempty"`
}

// NewEvent creates an event with a fresh id and the current time.
func NewEvent(action Action, actor string) *Event {
	return &Event{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: ResourcePool,
		Outcome:      OutcomeSuccess,
	}
}

// WithResource sets the resource.
func (e *Event) WithResource(resourceType, id string) *Event {
	e.ResourceType = resourceType
	e.ResourceID = id
	return e
}

// WithOutcome sets the outcome.
func (e *Event) WithOutcome(outcome Outcome) *Event {
	e.Outcome = outcome
	return e
}

// WithDetails merges details into the event.
func (e *Event) WithDetails(details map[string]interface{}) *Event {
	if len(details) == 0 {
		return e
	}
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}
