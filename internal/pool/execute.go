package pool

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avapool/internal/observability"
	"github.com/vyrodovalexey/avapool/internal/retry"
	"github.com/vyrodovalexey/avapool/internal/util"
)

// WorkFunc performs one unit of work against server.
type WorkFunc func(ctx context.Context, server ServerSnapshot) error

// Execute runs fn on a selected server, holding a connection slot for the
// duration of the call and reporting the outcome. A failed attempt is
// retried on a fresh selection up to maxRetries times, retryBackoff
// apart. Client errors (not found, invalid input) are not retried.
//
// When every attempt fails the returned error wraps both
// util.ErrRetriesExhausted and the last attempt's error.
func (s *Service) Execute(ctx context.Context, key string, fn WorkFunc) error {
	cfg := s.Config()

	ctx, span := poolTracer.Start(ctx, "pool.Execute",
		trace.WithAttributes(attribute.String("pool.strategy", string(cfg.Strategy))),
	)
	defer span.End()

	rcfg := &retry.Config{
		MaxRetries: cfg.MaxRetries,
		Backoff:    retry.NewConstantBackoff(cfg.RetryBackoff.Duration()),
	}
	attempts := 0
	err := retry.Do(ctx, rcfg, func(int) error {
		attempts++
		return s.executeOnce(ctx, key, fn)
	}, &retry.Options{
		ShouldRetry: util.IsRetryable,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			s.logger.Debug("retrying unit of work",
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})

	span.SetAttributes(attribute.Int("pool.attempts", attempts))
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "execute failed")

	if cfg.MaxRetries > 0 && attempts > cfg.MaxRetries {
		return fmt.Errorf("%w after %d attempts: %w", util.ErrRetriesExhausted, attempts, err)
	}
	return err
}

func (s *Service) executeOnce(ctx context.Context, key string, fn WorkFunc) error {
	e, err := s.selectEntry(key)
	if err != nil {
		return err
	}

	current, limit, ok := e.tryAcquire(s.now())
	if !ok {
		s.recorder.CapacityRejected(e.id)
		s.publish(ctx, NotifyConnectionLimitReached, e.id, map[string]any{
			"maxConnections": limit,
		})
		return util.NewCapacityExceededError(e.id, limit)
	}
	s.recorder.Connections(e.id, current)
	defer func() {
		s.recorder.Connections(e.id, e.release())
	}()

	start := s.now()
	err = fn(ctx, e.snapshot())
	latency := s.now().Sub(start)

	switch {
	case err == nil:
		e.requestSucceeded(s.now(), latency)
		e.breaker.RecordSuccess()
	case ctx.Err() != nil:
		// Cancelled by the caller; the server is not at fault.
	default:
		e.requestFailed(s.now(), err.Error())
		e.breaker.RecordFailure()
	}
	return err
}
