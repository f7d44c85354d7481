package admission

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// Result is the outcome of one slot acquisition attempt.
type Result struct {
	Allowed     bool   `json:"allowed"`
	CurrentRuns int    `json:"current_runs"`
	Limit       int    `json:"limit"`
	Reason      string `json:"reason,omitempty"`
}

// Controller enforces runningCount <= tierLimit per workspace.
// TryAcquire and Release must be atomic with respect to each other across all callers.
type Controller interface {
	TryAcquire(ctx context.Context, workspaceID string, tier models.Tier) (Result, error)
	Release(ctx context.Context, workspaceID string) error
	// Running reports the number of held slots for a workspace.
	Running(ctx context.Context, workspaceID string) (int, error)
	Limits() Limits
	// SetLimits swaps the tier table; held slots are kept.
	SetLimits(limits Limits) error
}

func denyReason(tier models.Tier, current, limit int) string {
	return fmt.Sprintf("workspace has %d running actions; %s tier allows %d", current, tier, limit)
}

// MemoryController keeps slot counters in process. Suitable for single-instance deployments.
type MemoryController struct {
	mu      sync.Mutex
	running map[string]int
	limits  Limits
	logger  *zap.Logger
}

func NewMemoryController(limits Limits, logger *zap.Logger) (*MemoryController, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits == nil {
		limits = DefaultLimits()
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &MemoryController{
		running: make(map[string]int),
		limits:  limits.clone(),
		logger:  logger,
	}, nil
}

func (c *MemoryController) TryAcquire(ctx context.Context, workspaceID string, tier models.Tier) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := c.limits.For(tier)
	current := c.running[workspaceID]
	if limit != Unbounded && current >= limit {
		slotDenials.WithLabelValues(string(tier)).Inc()
		return Result{Allowed: false, CurrentRuns: current, Limit: limit, Reason: denyReason(tier, current, limit)}, nil
	}
	current++
	c.running[workspaceID] = current
	slotAcquisitions.WithLabelValues(string(tier)).Inc()
	return Result{Allowed: true, CurrentRuns: current, Limit: limit}, nil
}

func (c *MemoryController) Release(ctx context.Context, workspaceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.running[workspaceID]
	if current <= 0 {
		c.logger.Warn("Slot release without matching acquire", zap.String("workspace_id", workspaceID))
		return nil
	}
	if current == 1 {
		delete(c.running, workspaceID)
	} else {
		c.running[workspaceID] = current - 1
	}
	slotReleases.Inc()
	return nil
}

func (c *MemoryController) Running(ctx context.Context, workspaceID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[workspaceID], nil
}

// Seed replaces the held slot counts, typically with the running actions found in
// a persistent store at startup. Counts above a tier limit are kept; the workspace
// admits nothing new until it drains below the limit.
func (c *MemoryController) Seed(running map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = make(map[string]int, len(running))
	for ws, n := range running {
		if n > 0 {
			c.running[ws] = n
		}
	}
	c.logger.Info("Slot counters restored", zap.Int("workspaces", len(c.running)))
}

func (c *MemoryController) Limits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits.clone()
}

func (c *MemoryController) SetLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.limits = limits.clone()
	c.mu.Unlock()
	c.logger.Info("Concurrency limits updated", zap.Any("limits", limits))
	return nil
}
