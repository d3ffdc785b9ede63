package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avapool/internal/observability"
)

// Constants for audit logging.
const (
	redactedValue = "[REDACTED]"
	formatJSON    = "json"
	formatText    = "text"

	metricsNamespace = "avapool"
)

// Logger is the audit logger interface.
type Logger interface {
	// LogEvent logs an audit event.
	LogEvent(ctx context.Context, event *Event)

	// Close closes the logger.
	Close() error
}

// logger implements the Logger interface.
type logger struct {
	config  *Config
	writer  io.Writer
	mu      sync.Mutex
	logger  observability.Logger
	metrics *Metrics
	closer  io.Closer
}

// Metrics contains audit metrics.
type Metrics struct {
	eventsTotal *prometheus.CounterVec
}

// NewMetrics creates audit metrics registered with registerer. A nil
// registerer leaves the counter unregistered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Total number of audit events",
			},
			[]string{"action", "outcome"},
		),
	}

	if registerer != nil {
		// Descriptors are identical across reloads, so a duplicate
		// registration error is ignored.
		if err := registerer.Register(m.eventsTotal); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					m.eventsTotal = existing
				}
			}
		}
	}

	return m
}

// RecordEvent records an audit event metric.
func (m *Metrics) RecordEvent(action Action, outcome Outcome) {
	if m == nil || m.eventsTotal == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(action), string(outcome)).Inc()
}

// LoggerOption is a functional option for the logger.
type LoggerOption func(*logger)

// WithLoggerLogger sets the observability logger.
func WithLoggerLogger(l observability.Logger) LoggerOption {
	return func(lg *logger) {
		lg.logger = l
	}
}

// WithLoggerMetrics sets the metrics.
func WithLoggerMetrics(metrics *Metrics) LoggerOption {
	return func(lg *logger) {
		lg.metrics = metrics
	}
}

// WithLoggerWriter sets the writer.
func WithLoggerWriter(writer io.Writer) LoggerOption {
	return func(lg *logger) {
		lg.writer = writer
	}
}

// WithLoggerRegisterer registers audit metrics with registerer so they
// appear on the daemon's /metrics endpoint.
func WithLoggerRegisterer(registerer prometheus.Registerer) LoggerOption {
	return func(lg *logger) {
		lg.metrics = NewMetrics(registerer)
	}
}

// NewLogger creates a new audit logger. A disabled configuration yields
// a logger that drops every event.
func NewLogger(config *Config, opts ...LoggerOption) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !config.Enabled {
		return NewNoopLogger(), nil
	}

	l := &logger{
		config: config,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}

	if l.writer == nil {
		writer, closer, err := l.createWriter()
		if err != nil {
			return nil, err
		}
		l.writer = writer
		l.closer = closer
	}

	return l, nil
}

// createWriter creates the output writer based on configuration.
func (l *logger) createWriter() (io.Writer, io.Closer, error) {
	output := l.config.GetEffectiveOutput()

	switch output {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		//nolint:gosec // G304: path from config is trusted
		file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		return file, file, nil
	}
}

// LogEvent logs an audit event.
func (l *logger) LogEvent(ctx context.Context, event *Event) {
	if event == nil || l.config.ShouldSkip(event.Action) {
		return
	}

	if event.TraceID == "" {
		event.TraceID = extractTraceID(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = observability.RequestIDFromContext(ctx)
	}

	l.redactDetails(event)
	l.metrics.RecordEvent(event.Action, event.Outcome)
	l.writeEvent(event)
}

// redactDetails masks sensitive detail values.
func (l *logger) redactDetails(event *Event) {
	if len(l.config.RedactFields) == 0 || event.Details == nil {
		return
	}
	for key := range event.Details {
		if l.shouldRedact(key) {
			event.Details[key] = redactedValue
		}
	}
}

// shouldRedact checks if a field should be redacted.
func (l *logger) shouldRedact(field string) bool {
	lowerField := strings.ToLower(field)
	for _, redactField := range l.config.RedactFields {
		if strings.Contains(lowerField, strings.ToLower(redactField)) {
			return true
		}
	}
	return false
}

// writeEvent writes the event to the output.
func (l *logger) writeEvent(event *Event) {
	var output []byte

	if l.config.GetEffectiveFormat() == formatText {
		output = []byte(formatTextLine(event))
	} else {
		var err error
		output, err = json.Marshal(event)
		if err != nil {
			l.logger.Error("failed to marshal audit event", observability.Error(err))
			return
		}
		output = append(output, '\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.writer.Write(output); err != nil {
		l.logger.Error("failed to write audit event", observability.Error(err))
	}
}

// formatTextLine formats an event as a single text line. Detail keys are
// sorted so lines are stable.
func formatTextLine(event *Event) string {
	var sb strings.Builder

	sb.WriteString(event.Timestamp.Format(time.RFC3339Nano))
	sb.WriteString(" ")
	sb.WriteString(string(event.Action))
	sb.WriteString(" ")
	sb.WriteString(string(event.Outcome))
	sb.WriteString(" actor=")
	sb.WriteString(event.Actor)
	sb.WriteString(" resource=")
	sb.WriteString(event.ResourceType)
	if event.ResourceID != "" {
		sb.WriteString("/")
		sb.WriteString(event.ResourceID)
	}

	if event.RequestID != "" {
		sb.WriteString(" request_id=")
		sb.WriteString(event.RequestID)
	}
	if event.TraceID != "" {
		sb.WriteString(" trace_id=")
		sb.WriteString(event.TraceID)
	}

	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, event.Details[k])
	}

	sb.WriteString("\n")
	return sb.String()
}

// Close closes the logger.
func (l *logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// extractTraceID extracts the trace ID from the context.
func extractTraceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// noopLogger is a no-op implementation of Logger.
type noopLogger struct{}

// NewNoopLogger creates a new no-op audit logger.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

// LogEvent does nothing.
func (l *noopLogger) LogEvent(_ context.Context, _ *Event) {}

// Close does nothing.
func (l *noopLogger) Close() error { return nil }
