// Package observability provides structured logging and tracing for the
// pool daemon.
//
// # Logging
//
// The Logger interface wraps zap. Components accept a Logger through a
// functional option and default to NopLogger:
//
//	logger, err := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
// Request ids and actors travel in the context and are added to log lines
// by WithContext.
//
// # Tracing
//
// NewTracer installs an OpenTelemetry tracer provider exporting over
// OTLP/gRPC. Packages create spans with otel.Tracer and pick up the
// provider automatically.
package observability
