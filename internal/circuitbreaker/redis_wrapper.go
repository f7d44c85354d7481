package circuitbreaker

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper guards Redis round trips with a circuit breaker.
// redis.Nil is a successful round trip and does not count against the breaker.
type RedisWrapper struct {
	client redis.UniversalClient
	cb     *CircuitBreaker
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client redis.UniversalClient, config Config, logger *zap.Logger) *RedisWrapper {
	return &RedisWrapper{
		client: client,
		cb:     NewCircuitBreaker("redis", config, logger),
	}
}

// Do runs fn against the client through the breaker.
func (rw *RedisWrapper) Do(ctx context.Context, fn func(redis.UniversalClient) error) error {
	var inner error
	err := rw.cb.Execute(ctx, func() error {
		inner = fn(rw.client)
		if errors.Is(inner, redis.Nil) {
			return nil
		}
		return inner
	})
	if err != nil {
		return err
	}
	return inner
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.Do(ctx, func(c redis.UniversalClient) error {
		return c.Ping(ctx).Err()
	})
}

// Client returns the underlying client for operations not covered by the wrapper.
func (rw *RedisWrapper) Client() redis.UniversalClient { return rw.client }

// Breaker exposes the underlying breaker for health reporting.
func (rw *RedisWrapper) Breaker() *CircuitBreaker { return rw.cb }

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}
