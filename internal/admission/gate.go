package admission

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// RequestGate is a per-workspace token bucket applied before routing.
// A zero rate disables the gate.
type RequestGate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewRequestGate(requestsPerSecond float64, burst int) *RequestGate {
	if burst <= 0 {
		burst = 1
	}
	return &RequestGate{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// Allow consumes one token for workspaceID or returns a retryable CapacityExceeded error.
func (g *RequestGate) Allow(workspaceID string) error {
	if g == nil || g.rps <= 0 {
		return nil
	}
	g.mu.Lock()
	l, ok := g.limiters[workspaceID]
	if !ok {
		l = rate.NewLimiter(g.rps, g.burst)
		g.limiters[workspaceID] = l
	}
	g.mu.Unlock()

	if !l.Allow() {
		requestThrottled.Inc()
		return &models.Error{
			Kind:       models.KindCapacityExceeded,
			Message:    "workspace request rate exceeded",
			Suggestion: "slow down and retry shortly",
		}
	}
	return nil
}
