package util

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Common sentinel errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrCapacityExceeded  = errors.New("connection limit reached")
	ErrNoAvailableServer = errors.New("no available server")
	ErrProbeTimeout      = errors.New("health probe timed out")
	ErrProbeFailed       = errors.New("health probe failed")
	ErrServiceNotStarted = errors.New("pool service not initialized")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrSourceUnavailable = errors.New("server source unavailable")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrUnsupportedSource = errors.New("unsupported server source")
)

// FieldError is a single field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError represents a validation failure detected before any
// state was mutated.
type ValidationError struct {
	Fields  map[string]string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s (fields: %v)", e.Message, e.Fields)
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	if target == ErrInvalidInput {
		return true
	}
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message, Fields: make(map[string]string)}
}

// AddField adds a field error.
func (e *ValidationError) AddField(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

// HasFields reports whether any field errors were recorded.
func (e *ValidationError) HasFields() bool {
	return len(e.Fields) > 0
}

// Details returns field errors sorted by field name.
func (e *ValidationError) Details() []FieldError {
	details := make([]FieldError, 0, len(e.Fields))
	for field, msg := range e.Fields {
		details = append(details, FieldError{Field: field, Message: msg})
	}
	sort.Slice(details, func(i, j int) bool {
		return details[i].Field < details[j].Field
	})
	return details
}

// NotFoundError reports an unknown resource id.
type NotFoundError struct {
	Resource string
	ID       string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// Is checks if the error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	_, ok := target.(*NotFoundError)
	return ok
}

// NewServerNotFoundError creates a NotFoundError for a pool server.
func NewServerNotFoundError(id string) *NotFoundError {
	return &NotFoundError{Resource: "server", ID: id}
}

// AlreadyExistsError reports a duplicate registration.
type AlreadyExistsError struct {
	Resource string
	ID       string
}

// Error implements the error interface.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Resource, e.ID)
}

// Is checks if the error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if target == ErrAlreadyExists {
		return true
	}
	_, ok := target.(*AlreadyExistsError)
	return ok
}

// NewServerExistsError creates an AlreadyExistsError for a pool server.
func NewServerExistsError(id string) *AlreadyExistsError {
	return &AlreadyExistsError{Resource: "server", ID: id}
}

// CapacityExceededError signals backpressure: the server has no free
// connection slot. It is not fatal.
type CapacityExceededError struct {
	ServerID       string
	MaxConnections int
}

// Error implements the error interface.
func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("server %s reached its connection limit (%d)", e.ServerID, e.MaxConnections)
}

// Is checks if the error matches the target.
func (e *CapacityExceededError) Is(target error) bool {
	if target == ErrCapacityExceeded {
		return true
	}
	_, ok := target.(*CapacityExceededError)
	return ok
}

// NewCapacityExceededError creates a new CapacityExceededError.
func NewCapacityExceededError(serverID string, maxConnections int) *CapacityExceededError {
	return &CapacityExceededError{ServerID: serverID, MaxConnections: maxConnections}
}

// NoAvailableServerError is returned when every server is ineligible.
// Callers should back off and retry.
type NoAvailableServerError struct {
	Strategy string
	Total    int
}

// Error implements the error interface.
func (e *NoAvailableServerError) Error() string {
	return fmt.Sprintf("no available server (strategy %s, %d registered)", e.Strategy, e.Total)
}

// Is checks if the error matches the target.
func (e *NoAvailableServerError) Is(target error) bool {
	if target == ErrNoAvailableServer {
		return true
	}
	_, ok := target.(*NoAvailableServerError)
	return ok
}

// NewNoAvailableServerError creates a new NoAvailableServerError.
func NewNoAvailableServerError(strategy string, total int) *NoAvailableServerError {
	return &NoAvailableServerError{Strategy: strategy, Total: total}
}

// ProbeTimeoutError is a health probe that exceeded its deadline.
type ProbeTimeoutError struct {
	Address  string
	Duration time.Duration
	Cause    error
}

// Error implements the error interface.
func (e *ProbeTimeoutError) Error() string {
	return fmt.Sprintf("health probe of %s timed out after %v", e.Address, e.Duration)
}

// Unwrap returns the underlying error.
func (e *ProbeTimeoutError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ProbeTimeoutError) Is(target error) bool {
	if target == ErrProbeTimeout {
		return true
	}
	_, ok := target.(*ProbeTimeoutError)
	return ok
}

// NewProbeTimeoutError creates a new ProbeTimeoutError.
func NewProbeTimeoutError(address string, d time.Duration, cause error) *ProbeTimeoutError {
	return &ProbeTimeoutError{Address: address, Duration: d, Cause: cause}
}

// ProbeError is a health probe that completed with a failure.
type ProbeError struct {
	Address string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("health probe of %s failed: %s: %v", e.Address, e.Message, e.Cause)
	}
	return fmt.Sprintf("health probe of %s failed: %s", e.Address, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProbeError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ProbeError) Is(target error) bool {
	if target == ErrProbeFailed {
		return true
	}
	_, ok := target.(*ProbeError)
	return ok || errors.Is(e.Cause, target)
}

// NewProbeError creates a new ProbeError.
func NewProbeError(address, message string, cause error) *ProbeError {
	return &ProbeError{Address: address, Message: message, Cause: cause}
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// IsRetryable returns true if a unit of work that failed with err may be
// retried on another server.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	return true
}

// IsClientError returns true if the error was caused by caller input.
func IsClientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrAlreadyExists)
}
