package admin

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avapool/internal/observability"
)

const (
	// RequestIDHeader is the header name for request ID.
	RequestIDHeader = "X-Request-ID"
	// ActorHeader names the operator performing a call.
	ActorHeader = "X-Actor"
	// DefaultActor is used when ActorHeader is absent.
	DefaultActor = "anonymous"

	requestIDKey = "requestID"
	tracerName   = "avapool/admin"
)

// requestContext assigns the request id and actor and stores both in the
// request context for logging and notifications.
func requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)

		actor := c.GetHeader(ActorHeader)
		if actor == "" {
			actor = DefaultActor
		}

		ctx := observability.ContextWithRequestID(c.Request.Context(), requestID)
		ctx = observability.ContextWithActor(ctx, actor)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// GetRequestID returns the request ID from the context.
func GetRequestID(c *gin.Context) string {
	if id, exists := c.Get(requestIDKey); exists {
		if requestID, ok := id.(string); ok {
			return requestID
		}
	}
	return ""
}

func isProbePath(path string) bool {
	return path == "/healthz" || path == "/livez" || path == "/readyz"
}

// accessLog logs one line per request at a level chosen by status.
func accessLog(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if isProbePath(path) {
			return
		}

		status := c.Writer.Status()
		fields := []observability.Field{
			observability.String("request_id", GetRequestID(c)),
			observability.String("actor", observability.ActorFromContext(c.Request.Context())),
			observability.String("method", c.Request.Method),
			observability.String("path", path),
			observability.Int("status", status),
			observability.Duration("latency", time.Since(start)),
			observability.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, observability.String("errors", c.Errors.String()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request completed", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}

// recovery turns a handler panic into a 500.
func recovery(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					observability.Any("error", err),
					observability.String("method", c.Request.Method),
					observability.String("path", c.Request.URL.Path),
					observability.String("request_id", GetRequestID(c)),
					observability.String("stack", string(debug.Stack())),
				)

				if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
					span.RecordError(fmt.Errorf("panic: %v", err))
				}

				c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
					Error:   codeInternal,
					Message: "an unexpected error occurred",
				})
			}
		}()

		c.Next()
	}
}

// rateLimit rejects requests beyond the token bucket with 429. Probe
// and metrics paths are exempt.
func rateLimit(limiter *rate.Limiter, metricsPath string, logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if isProbePath(path) || path == metricsPath {
			c.Next()
			return
		}

		if !limiter.Allow() {
			logger.Debug("rate limit exceeded",
				observability.String("path", path),
				observability.String("client_ip", c.ClientIP()),
			)
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:   codeRateLimited,
				Message: "too many requests",
			})
			return
		}

		c.Next()
	}
}

// tracing starts a server span per request, continuing any incoming
// trace context.
func tracing() gin.HandlerFunc {
	tracer := otel.Tracer(tracerName)
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", c.Request.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// RequestRecorder records completed requests.
type RequestRecorder interface {
	RecordRequest(method, route string, status int, duration time.Duration)
}

// requestMetrics records requests by matched route to bound cardinality.
func requestMetrics(recorder RequestRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		recorder.RecordRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
