package agents

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// MemoryStore is an in-process registry used for single-node deployments and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	agents     map[string]*models.Agent
	teams      map[string]*models.Team
	workspaces map[string]models.Tier
	logger     *zap.Logger
}

// NewMemoryStore creates an empty registry.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		agents:     make(map[string]*models.Agent),
		teams:      make(map[string]*models.Team),
		workspaces: make(map[string]models.Tier),
		logger:     logger,
	}
}

// PutWorkspace registers or updates a workspace tier.
func (s *MemoryStore) PutWorkspace(workspaceID string, tier models.Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[workspaceID] = tier
}

// PutTeam registers or replaces a team.
func (s *MemoryStore) PutTeam(team models.Team) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := team
	s.teams[team.ID] = &t
}

// PutAgent registers or replaces an agent.
func (s *MemoryStore) PutAgent(agent models.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := agent
	a.Capabilities = models.NormalizeCapabilities(agent.Capabilities)
	s.agents[agent.ID] = &a
}

// SetAutonomyLevel changes a team's autonomy level.
func (s *MemoryStore) SetAutonomyLevel(ctx context.Context, teamID string, level models.AutonomyLevel) error {
	level, err := models.ParseAutonomyLevel(string(level))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[teamID]
	if !ok {
		return models.NotFoundf("team %s not found", teamID)
	}
	t.AutonomyLevel = level
	return nil
}

func (s *MemoryStore) ListActiveAgents(ctx context.Context, workspaceID, teamID string) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Agent, 0)
	for _, a := range s.agents {
		if a.WorkspaceID != workspaceID || a.Status != models.AgentActive {
			continue
		}
		if teamID != "" && a.TeamID != teamID {
			continue
		}
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, models.NotFoundf("agent %s not found", agentID)
	}
	c := copyAgent(a)
	return &c, nil
}

func (s *MemoryStore) GetTeam(ctx context.Context, teamID string) (*models.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[teamID]
	if !ok {
		return nil, models.NotFoundf("team %s not found", teamID)
	}
	c := *t
	if c.CountersDate != counterDay(time.Now()) {
		c.ApprovedToday, c.RejectedToday = 0, 0
	}
	return &c, nil
}

func (s *MemoryStore) GetTier(ctx context.Context, workspaceID string) (models.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tier, ok := s.workspaces[workspaceID]
	if !ok {
		return "", models.NotFoundf("workspace %s not found", workspaceID)
	}
	return tier, nil
}

func (s *MemoryStore) ExecutionStarted(ctx context.Context, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return models.NotFoundf("agent %s not found", agentID)
	}
	a.RunningCount++
	return nil
}

func (s *MemoryStore) ExecutionFinished(ctx context.Context, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return models.NotFoundf("agent %s not found", agentID)
	}
	if a.RunningCount > 0 {
		a.RunningCount--
	}
	a.ExecutionCount++
	t := at
	a.LastExecutedAt = &t
	return nil
}

func (s *MemoryStore) ExecutionAborted(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return models.NotFoundf("agent %s not found", agentID)
	}
	if a.RunningCount > 0 {
		a.RunningCount--
	}
	return nil
}

func (s *MemoryStore) DecisionRecorded(ctx context.Context, teamID string, approved bool, at time.Time) error {
	if teamID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[teamID]
	if !ok {
		return models.NotFoundf("team %s not found", teamID)
	}
	day := counterDay(at)
	if t.CountersDate != day {
		t.CountersDate = day
		t.ApprovedToday, t.RejectedToday = 0, 0
	}
	if approved {
		t.ApprovedToday++
	} else {
		t.RejectedToday++
	}
	return nil
}

// Load copies a seed into the store, skipping agents with invalid capabilities.
func (s *MemoryStore) Load(seed *Seed) error {
	for _, ws := range seed.Workspaces {
		tier, err := models.ParseTier(ws.Tier)
		if err != nil {
			return err
		}
		s.PutWorkspace(ws.ID, tier)
	}
	for _, t := range seed.Teams {
		if _, err := models.ParseAutonomyLevel(string(t.AutonomyLevel)); err != nil {
			return err
		}
		s.PutTeam(t)
	}
	for _, as := range seed.Agents {
		agent, err := as.toAgent()
		if err != nil {
			s.logger.Warn("Skipping agent with invalid definition",
				zap.String("agent_id", as.ID),
				zap.Error(err),
			)
			continue
		}
		s.PutAgent(agent)
	}
	s.logger.Info("Registry loaded",
		zap.Int("workspaces", len(seed.Workspaces)),
		zap.Int("teams", len(seed.Teams)),
		zap.Int("agents", len(seed.Agents)),
	)
	return nil
}

func (as AgentSeed) toAgent() (models.Agent, error) {
	caps, err := models.ParseCapabilities(as.Capabilities)
	if err != nil {
		return models.Agent{}, err
	}
	status := models.AgentStatus(as.Status)
	if status == "" {
		status = models.AgentActive
	}
	if status != models.AgentActive && status != models.AgentInactive {
		return models.Agent{}, models.Validationf("unknown agent status %q", as.Status)
	}
	return models.Agent{
		ID:           as.ID,
		WorkspaceID:  as.WorkspaceID,
		Name:         as.Name,
		TeamID:       as.TeamID,
		Status:       status,
		Capabilities: caps,
	}, nil
}

func copyAgent(a *models.Agent) models.Agent {
	c := *a
	c.Capabilities = append([]models.Capability(nil), a.Capabilities...)
	if a.LastExecutedAt != nil {
		t := *a.LastExecutedAt
		c.LastExecutedAt = &t
	}
	return c
}
