package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/auth"
)

var rateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "orchestrator_http_rate_limited_total",
	Help: "Requests rejected by the per-workspace API rate limit",
})

// RateLimiter is a fixed-window per-workspace request limit kept in Redis so every
// replica shares the same budget.
type RateLimiter struct {
	redis    redis.UniversalClient
	logger   *zap.Logger
	requests int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter allows requests per window for each workspace.
func NewRateLimiter(client redis.UniversalClient, requests int, window time.Duration, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if requests <= 0 {
		requests = 600
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{redis: client, logger: logger, requests: requests, window: window, now: time.Now}
}

// Middleware returns the HTTP middleware function
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.FromContext(r.Context())
		if err != nil {
			// auth rejects the request further in
			next.ServeHTTP(w, r)
			return
		}

		key := "ratelimit:workspace:" + p.WorkspaceID
		allowed, remaining, resetAt := rl.checkRateLimit(r.Context(), key)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.requests))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if !allowed {
			rateLimited.Inc()
			rl.logger.Warn("Rate limit exceeded",
				zap.String("workspace_id", p.WorkspaceID),
				zap.String("user_id", p.UserID),
				zap.String("path", r.URL.Path),
			)
			retryAfter := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error": errorBody{
					Code:       "rate_limited",
					Message:    "workspace API rate limit exceeded",
					Suggestion: "retry after the window resets",
					Retryable:  true,
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkRateLimit counts the request in the current window. Redis errors fail open.
func (rl *RateLimiter) checkRateLimit(ctx context.Context, key string) (allowed bool, remaining int, resetAt time.Time) {
	window := rl.now().Truncate(rl.window)
	resetAt = window.Add(rl.window)
	windowKey := fmt.Sprintf("%s:%d", key, window.Unix())

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, rl.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Error("Rate limit check failed", zap.Error(err))
		return true, rl.requests, resetAt
	}

	count := incr.Val()
	remaining = rl.requests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.requests), remaining, resetAt
}
