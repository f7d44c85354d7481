package routing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/agents"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/metrics"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// scoreEpsilon is the tolerance under which two scores are treated as tied.
const scoreEpsilon = 1e-9

// ReasonExplicitPreference is reported when the caller named an eligible agent.
const ReasonExplicitPreference = "explicit preference"

// Weights configures the scoring function.
type Weights struct {
	Capability float64       `mapstructure:"capability"`
	Load       float64       `mapstructure:"load"`
	Recency    float64       `mapstructure:"recency"`
	RecencyTau time.Duration `mapstructure:"recency_tau"`
}

// DefaultWeights favours capability fit, then load, then idle time.
func DefaultWeights() Weights {
	return Weights{Capability: 0.5, Load: 0.3, Recency: 0.2, RecencyTau: 30 * time.Minute}
}

// Validate rejects negative weights and an all-zero weighting.
func (w Weights) Validate() error {
	if w.Capability < 0 || w.Load < 0 || w.Recency < 0 {
		return fmt.Errorf("routing weights must be non-negative")
	}
	if w.Capability+w.Load+w.Recency == 0 {
		return fmt.Errorf("at least one routing weight must be positive")
	}
	if w.RecencyTau <= 0 {
		return fmt.Errorf("routing recency_tau must be positive")
	}
	return nil
}

// Request describes a task to be assigned.
type Request struct {
	WorkspaceID          string     `json:"workspace_id"`
	TaskType             string     `json:"task_type"`
	Description          string     `json:"description,omitempty"`
	Priority             string     `json:"priority,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	PreferredAgentID     string     `json:"preferred_agent_id,omitempty"`
	PreferredTeamID      string     `json:"preferred_team_id,omitempty"`
	Deadline             *time.Time `json:"deadline,omitempty"`
}

// Candidate is one scored agent.
type Candidate struct {
	AgentID      string  `json:"agent_id"`
	Score        float64 `json:"score"`
	RunningCount int     `json:"running_count"`
}

// Assignment is the routing result. Confidence and Reason are informational.
type Assignment struct {
	AgentID      string      `json:"agent_id"`
	AgentName    string      `json:"agent_name"`
	TeamID       string      `json:"team_id,omitempty"`
	Confidence   float64     `json:"confidence"`
	Reason       string      `json:"reason"`
	Alternatives []Candidate `json:"alternatives,omitempty"`
}

// Router selects the best agent for a task. It only reads the registry.
type Router struct {
	registry agents.Registry
	weights  Weights
	logger   *zap.Logger
	now      func() time.Time
}

func NewRouter(registry agents.Registry, weights Weights, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Router{registry: registry, weights: weights, logger: logger, now: time.Now}, nil
}

// Route assigns the task or fails with NotFound (non-retryable) or ValidationError.
func (r *Router) Route(ctx context.Context, req Request) (*Assignment, error) {
	if req.WorkspaceID == "" {
		metrics.RoutingDecisions.WithLabelValues("invalid").Inc()
		return nil, models.Validationf("workspace_id is required")
	}
	required, err := models.ParseCapabilities(req.RequiredCapabilities)
	if err != nil {
		metrics.RoutingDecisions.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if _, err := models.ParsePriority(req.Priority); err != nil {
		metrics.RoutingDecisions.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if req.PreferredAgentID != "" {
		if a, ok := r.preferred(ctx, req); ok {
			metrics.RoutingDecisions.WithLabelValues("preferred").Inc()
			return &Assignment{
				AgentID:    a.ID,
				AgentName:  a.Name,
				TeamID:     a.TeamID,
				Confidence: 1.0,
				Reason:     ReasonExplicitPreference,
			}, nil
		}
		r.logger.Debug("Preferred agent not eligible, falling back to scoring",
			zap.String("workspace_id", req.WorkspaceID),
			zap.String("agent_id", req.PreferredAgentID),
		)
	}

	active, err := r.registry.ListActiveAgents(ctx, req.WorkspaceID, "")
	if err != nil {
		return nil, err
	}
	pool := active
	if req.PreferredTeamID != "" {
		pool = lo.Filter(pool, func(a models.Agent, _ int) bool { return a.TeamID == req.PreferredTeamID })
	}
	candidates := lo.Filter(pool, func(a models.Agent, _ int) bool { return models.HasAll(a.Capabilities, required) })
	metrics.RoutingCandidates.Observe(float64(len(candidates)))

	if len(candidates) == 0 {
		metrics.RoutingDecisions.WithLabelValues("not_found").Inc()
		return nil, &models.Error{
			Kind:       models.KindNotFound,
			Message:    fmt.Sprintf("no routable agent for task %q in workspace %s", req.TaskType, req.WorkspaceID),
			Suggestion: suggestion(active, pool, required, req.PreferredTeamID),
		}
	}

	desired := models.NormalizeCapabilities(append(append([]models.Capability{}, required...), models.CapabilitiesForTask(req.TaskType)...))
	now := r.now()
	scored := make([]Candidate, 0, len(candidates))
	byID := make(map[string]models.Agent, len(candidates))
	for _, a := range candidates {
		scored = append(scored, Candidate{AgentID: a.ID, Score: r.score(a, desired, now), RunningCount: a.RunningCount})
		byID[a.ID] = a
	}
	sortCandidates(scored)

	best := byID[scored[0].AgentID]
	metrics.RoutingDecisions.WithLabelValues("scored").Inc()

	alternatives := scored[1:]
	if len(alternatives) > 3 {
		alternatives = alternatives[:3]
	}
	return &Assignment{
		AgentID:      best.ID,
		AgentName:    best.Name,
		TeamID:       best.TeamID,
		Confidence:   r.confidence(scored[0].Score),
		Reason:       r.explain(best, desired, now),
		Alternatives: append([]Candidate(nil), alternatives...),
	}, nil
}

func (r *Router) preferred(ctx context.Context, req Request) (*models.Agent, bool) {
	a, err := r.registry.GetAgent(ctx, req.PreferredAgentID)
	if err != nil {
		return nil, false
	}
	if a.Status != models.AgentActive || a.WorkspaceID != req.WorkspaceID {
		return nil, false
	}
	return a, true
}

func (r *Router) capabilityScore(a models.Agent, desired []models.Capability) float64 {
	if len(desired) == 0 {
		return 1
	}
	return models.Overlap(a.Capabilities, desired)
}

func (r *Router) recencyScore(a models.Agent, now time.Time) float64 {
	if a.LastExecutedAt == nil {
		return 1
	}
	dt := now.Sub(*a.LastExecutedAt)
	if dt <= 0 {
		return 0
	}
	return 1 - math.Exp(-float64(dt)/float64(r.weights.RecencyTau))
}

func (r *Router) score(a models.Agent, desired []models.Capability, now time.Time) float64 {
	w := r.weights
	return w.Capability*r.capabilityScore(a, desired) +
		w.Load*(1/(1+float64(a.RunningCount))) +
		w.Recency*r.recencyScore(a, now)
}

func (r *Router) confidence(score float64) float64 {
	total := r.weights.Capability + r.weights.Load + r.weights.Recency
	return math.Max(0, math.Min(1, score/total))
}

func (r *Router) explain(a models.Agent, desired []models.Capability, now time.Time) string {
	idle := "never executed"
	if a.LastExecutedAt != nil {
		idle = "idle " + now.Sub(*a.LastExecutedAt).Truncate(time.Second).String()
	}
	return fmt.Sprintf("capability match %.0f%%, %d running, %s",
		r.capabilityScore(a, desired)*100, a.RunningCount, idle)
}

// sortCandidates orders by score desc, then running count asc, then id asc.
func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if math.Abs(c[i].Score-c[j].Score) > scoreEpsilon {
			return c[i].Score > c[j].Score
		}
		if c[i].RunningCount != c[j].RunningCount {
			return c[i].RunningCount < c[j].RunningCount
		}
		return c[i].AgentID < c[j].AgentID
	})
}

func suggestion(active, pool []models.Agent, required []models.Capability, teamID string) string {
	switch {
	case len(active) == 0:
		return "no active agents in this workspace; activate or register an agent first"
	case len(pool) == 0:
		return fmt.Sprintf("team %s has no active agents; drop preferred_team_id or add agents to the team", teamID)
	}
	available := lo.Uniq(lo.FlatMap(pool, func(a models.Agent, _ int) []models.Capability { return a.Capabilities }))
	missing := lo.Without(required, available...)
	if len(missing) > 0 {
		names := lo.Map(missing, func(c models.Capability, _ int) string { return string(c) })
		return fmt.Sprintf("no agent offers %s; broaden required_capabilities or register an agent with them",
			strings.Join(names, ", "))
	}
	return "no single agent covers all required capabilities; split the task or broaden required_capabilities"
}
