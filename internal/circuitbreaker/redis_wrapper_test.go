package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func TestRedisWrapper_NormalOperations(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	wrapper := NewRedisWrapper(client, DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	if err := wrapper.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	err = wrapper.Do(ctx, func(c redis.UniversalClient) error {
		return c.Set(ctx, "orchestrator:slots:ws-1", 2, time.Minute).Err()
	})
	if err != nil {
		t.Errorf("Set failed: %v", err)
	}

	var n int
	err = wrapper.Do(ctx, func(c redis.UniversalClient) error {
		var err error
		n, err = c.Get(ctx, "orchestrator:slots:ws-1").Int()
		return err
	})
	if err != nil || n != 2 {
		t.Errorf("Expected 2, got %d (%v)", n, err)
	}
}

func TestRedisWrapper_CircuitBreakerTriggering(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:9999", // Non-existent Redis server
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	config := DefaultConfig()
	config.FailureThreshold = 3
	wrapper := NewRedisWrapper(client, config, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := wrapper.Ping(ctx); err == nil {
			t.Error("Expected ping to fail against non-existent server")
		}
	}

	if !wrapper.IsCircuitBreakerOpen() {
		t.Error("Expected circuit breaker to be open after repeated failures")
	}

	// Subsequent calls should fail fast
	called := false
	err := wrapper.Do(ctx, func(c redis.UniversalClient) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}
	if called {
		t.Error("Open breaker must not reach Redis")
	}
}

func TestRedisWrapper_RedisNilHandling(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	config := DefaultConfig()
	config.FailureThreshold = 2
	wrapper := NewRedisWrapper(client, config, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := wrapper.Do(ctx, func(c redis.UniversalClient) error {
			return c.Get(ctx, "nonexistent:key").Err()
		})
		if !errors.Is(err, redis.Nil) {
			t.Errorf("Expected redis.Nil, got %v", err)
		}
	}

	// redis.Nil is not a failure
	if wrapper.IsCircuitBreakerOpen() {
		t.Error("Circuit breaker should remain closed for redis.Nil results")
	}
}
