package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/circuitbreaker"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// acquireScript increments the workspace counter only while it is below the limit.
// ARGV[1] is the limit; a negative limit is unbounded. Returns {allowed, current}.
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit >= 0 and current >= limit then
  return {0, current}
end
current = redis.call('INCR', KEYS[1])
return {1, current}
`)

// releaseScript decrements the workspace counter without going below zero.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
  redis.call('DEL', KEYS[1])
  return -1
end
return redis.call('DECR', KEYS[1])
`)

// RedisController shares slot counters between orchestrator instances. Calls go through
// a circuit breaker so an unreachable Redis fails starts fast instead of stalling them.
type RedisController struct {
	redis     *circuitbreaker.RedisWrapper
	keyPrefix string
	logger    *zap.Logger

	mu     sync.RWMutex
	limits Limits
}

func NewRedisController(rw *circuitbreaker.RedisWrapper, keyPrefix string, limits Limits, logger *zap.Logger) (*RedisController, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits == nil {
		limits = DefaultLimits()
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if keyPrefix == "" {
		keyPrefix = "orchestrator:slots:"
	}
	return &RedisController{
		redis:     rw,
		keyPrefix: keyPrefix,
		logger:    logger,
		limits:    limits.clone(),
	}, nil
}

func (c *RedisController) key(workspaceID string) string {
	return c.keyPrefix + workspaceID
}

func (c *RedisController) TryAcquire(ctx context.Context, workspaceID string, tier models.Tier) (Result, error) {
	limit := c.Limits().For(tier)
	var vals []int64
	err := c.redis.Do(ctx, func(client redis.UniversalClient) error {
		var err error
		vals, err = acquireScript.Run(ctx, client, []string{c.key(workspaceID)}, limit).Int64Slice()
		return err
	})
	if err != nil {
		return Result{}, models.Internal("failed to acquire concurrency slot", err)
	}
	if len(vals) != 2 {
		return Result{}, models.Internal("failed to acquire concurrency slot", fmt.Errorf("unexpected script reply %v", vals))
	}
	current := int(vals[1])
	if vals[0] == 0 {
		slotDenials.WithLabelValues(string(tier)).Inc()
		return Result{Allowed: false, CurrentRuns: current, Limit: limit, Reason: denyReason(tier, current, limit)}, nil
	}
	slotAcquisitions.WithLabelValues(string(tier)).Inc()
	return Result{Allowed: true, CurrentRuns: current, Limit: limit}, nil
}

func (c *RedisController) Release(ctx context.Context, workspaceID string) error {
	var n int64
	err := c.redis.Do(ctx, func(client redis.UniversalClient) error {
		var err error
		n, err = releaseScript.Run(ctx, client, []string{c.key(workspaceID)}).Int64()
		return err
	})
	if err != nil {
		return models.Internal("failed to release concurrency slot", err)
	}
	if n < 0 {
		c.logger.Warn("Slot release without matching acquire", zap.String("workspace_id", workspaceID))
		return nil
	}
	slotReleases.Inc()
	return nil
}

func (c *RedisController) Running(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := c.redis.Do(ctx, func(client redis.UniversalClient) error {
		var err error
		n, err = client.Get(ctx, c.key(workspaceID)).Int()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, models.Internal("failed to read concurrency slots", err)
	}
	return n, nil
}

func (c *RedisController) Limits() Limits {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limits.clone()
}

func (c *RedisController) SetLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.limits = limits.clone()
	c.mu.Unlock()
	c.logger.Info("Concurrency limits updated", zap.Any("limits", limits))
	return nil
}
