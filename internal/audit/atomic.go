package audit

import (
	"context"
	"sync/atomic"
)

// AtomicLogger delegates to a Logger that can be replaced at runtime.
// The pool observer holds an AtomicLogger so a config reload can swap
// the sink without re-subscribing.
type AtomicLogger struct {
	current atomic.Pointer[Logger]
}

var _ Logger = (*AtomicLogger)(nil)

var defaultNoopLogger Logger = &noopLogger{}

// NewAtomicLogger creates an AtomicLogger. A nil logger is replaced by
// a no-op logger.
func NewAtomicLogger(logger Logger) *AtomicLogger {
	if logger == nil {
		logger = NewNoopLogger()
	}
	a := &AtomicLogger{}
	a.current.Store(&logger)
	return a
}

// Swap replaces the inner logger and returns the previous one. The
// caller closes the previous logger.
func (a *AtomicLogger) Swap(newLogger Logger) Logger {
	if newLogger == nil {
		newLogger = NewNoopLogger()
	}
	old := a.current.Swap(&newLogger)
	if old != nil {
		return *old
	}
	return nil
}

// Load returns the current inner logger.
func (a *AtomicLogger) Load() Logger {
	if ptr := a.current.Load(); ptr != nil {
		return *ptr
	}
	return defaultNoopLogger
}

// LogEvent delegates to the current inner logger.
func (a *AtomicLogger) LogEvent(ctx context.Context, event *Event) {
	a.Load().LogEvent(ctx, event)
}

// Close closes the current inner logger.
func (a *AtomicLogger) Close() error {
	return a.Load().Close()
}
