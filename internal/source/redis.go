package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/observability"
	"github.com/vyrodovalexey/avapool/internal/retry"
	"github.com/vyrodovalexey/avapool/internal/util"
)

// Redis source defaults.
const (
	DefaultRedisTimeout = 2 * time.Second

	// DefaultBreakerFailures is how many consecutive failed reads open
	// the store breaker.
	DefaultBreakerFailures = 3

	// DefaultBreakerTimeout is how long the breaker stays open.
	DefaultBreakerTimeout = 30 * time.Second
)

var sourceTracer = otel.Tracer("avapool/source")

// redisRetryConfig returns the retry configuration for Redis reads.
func redisRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:     2,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		JitterFactor:   retry.DefaultJitterFactor,
	}
}

// isRetryableRedisError reports whether a failed read is worth repeating.
func isRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, redis.Nil) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Redis reads server definitions from Redis. The set <prefix>servers
// holds the server ids and <prefix>servers:<id> holds each server as a
// JSON document in the ServerSpec shape.
//
// Reads go through a circuit breaker so that a failing store is not
// queried on every reload.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
	logger    observability.Logger
	breaker   *gobreaker.CircuitBreaker

	breakerFailures uint32
	breakerTimeout  time.Duration
}

// RedisOption configures a Redis source.
type RedisOption func(*Redis)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) RedisOption {
	return func(r *Redis) {
		r.logger = logger
	}
}

// WithBreaker sets how many consecutive failures open the store breaker
// and how long it stays open.
func WithBreaker(failures uint32, timeout time.Duration) RedisOption {
	return func(r *Redis) {
		r.breakerFailures = failures
		r.breakerTimeout = timeout
	}
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg config.RedisSource, opts ...RedisOption) (*Redis, error) {
	if cfg.Address == "" {
		return nil, util.NewConfigError("source.redis.address", "address is required")
	}

	r := &Redis{
		keyPrefix:       cfg.KeyPrefix,
		timeout:         cfg.Timeout.Duration(),
		logger:          observability.NopLogger(),
		breakerFailures: DefaultBreakerFailures,
		breakerTimeout:  DefaultBreakerTimeout,
	}
	if r.keyPrefix == "" {
		r.keyPrefix = config.DefaultRedisKeyPrefix
	}
	if r.timeout <= 0 {
		r.timeout = DefaultRedisTimeout
	}
	for _, opt := range opts {
		opt(r)
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  r.timeout,
		ReadTimeout:  r.timeout,
		WriteTimeout: r.timeout,
	})
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-source",
		MaxRequests: 1,
		Timeout:     r.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.breakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("server source breaker state changed",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		_ = r.client.Close()
		return nil, fmt.Errorf("%w: redis ping failed: %w", util.ErrSourceUnavailable, err)
	}

	r.logger.Info("redis server source connected",
		observability.String("address", cfg.Address),
		observability.String("keyPrefix", r.keyPrefix),
	)
	return r, nil
}

func (r *Redis) setKey() string {
	return r.keyPrefix + "servers"
}

func (r *Redis) serverKey(id string) string {
	return r.keyPrefix + "servers:" + id
}

// ListServers implements pool.ServerSource. Ids are returned sorted.
// Documents that are missing or malformed are skipped with a warning.
func (r *Redis) ListServers(ctx context.Context) ([]config.ServerSpec, error) {
	ctx, span := sourceTracer.Start(ctx, "source.ListServers",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("source.backend", "redis")),
	)
	defer span.End()

	result, err := r.breaker.Execute(func() (interface{}, error) {
		var specs []config.ServerSpec
		err := retry.Do(ctx, redisRetryConfig(), func(int) error {
			var err error
			specs, err = r.fetch(ctx)
			return err
		}, &retry.Options{ShouldRetry: isRetryableRedisError})
		return specs, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list servers failed")
		return nil, fmt.Errorf("%w: %w", util.ErrSourceUnavailable, err)
	}

	specs, _ := result.([]config.ServerSpec)
	span.SetAttributes(attribute.Int("source.servers", len(specs)))
	return specs, nil
}

func (r *Redis) fetch(ctx context.Context) ([]config.ServerSpec, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ids, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	if len(ids) == 0 {
		return []config.ServerSpec{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.serverKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	specs := make([]config.ServerSpec, 0, len(ids))
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil {
			r.logger.Warn("server document missing",
				observability.String("server_id", ids[i]),
				observability.Error(err),
			)
			continue
		}
		var spec config.ServerSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			r.logger.Warn("malformed server document",
				observability.String("server_id", ids[i]),
				observability.Error(err),
			)
			continue
		}
		spec.ID = ids[i]
		specs = append(specs, spec)
	}
	return specs, nil
}

// PutServer stores spec under its effective id.
func (r *Redis) PutServer(ctx context.Context, spec config.ServerSpec) error {
	id := spec.EffectiveID()
	if id == "" {
		return fmt.Errorf("%w: server id or name is required", util.ErrInvalidInput)
	}
	spec.ID = id
	raw, err := json.Marshal(spec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.serverKey(id), raw, 0)
		p.SAdd(ctx, r.setKey(), id)
		return nil
	})
	return err
}

// DeleteServer removes server id from the store.
func (r *Redis) DeleteServer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.serverKey(id))
		p.SRem(ctx, r.setKey(), id)
		return nil
	})
	return err
}

// BreakerState returns the store breaker state.
func (r *Redis) BreakerState() gobreaker.State {
	return r.breaker.State()
}

// Ping checks that the store answers within the configured timeout.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close implements Source.
func (r *Redis) Close() error {
	return r.client.Close()
}
