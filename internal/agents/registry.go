package agents

import (
	"context"
	"time"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// Registry is the read side of the capability registry consumed by routing and policy.
type Registry interface {
	// ListActiveAgents returns active agents of a workspace, optionally limited to one team.
	ListActiveAgents(ctx context.Context, workspaceID, teamID string) ([]models.Agent, error)
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
	GetTeam(ctx context.Context, teamID string) (*models.Team, error)
	// GetTier returns the subscription tier of a workspace.
	GetTier(ctx context.Context, workspaceID string) (models.Tier, error)
}

// Counters receives execution and decision bookkeeping from the lifecycle tracker.
// Implementations tolerate brief staleness; they are not part of the admission invariant.
type Counters interface {
	ExecutionStarted(ctx context.Context, agentID string, at time.Time) error
	ExecutionFinished(ctx context.Context, agentID string, at time.Time) error
	// ExecutionAborted drops the running count without counting a finished execution.
	ExecutionAborted(ctx context.Context, agentID string) error
	DecisionRecorded(ctx context.Context, teamID string, approved bool, at time.Time) error
}

// Store is a registry that also keeps counters.
type Store interface {
	Registry
	Counters
	// SetAutonomyLevel changes a team's autonomy level. Decisions already made keep theirs.
	SetAutonomyLevel(ctx context.Context, teamID string, level models.AutonomyLevel) error
}

// Seed is the bootstrap content of a registry: workspaces with their tiers, teams and agents.
type Seed struct {
	Workspaces []WorkspaceSeed `yaml:"workspaces"`
	Teams      []models.Team   `yaml:"teams"`
	Agents     []AgentSeed     `yaml:"agents"`
}

// WorkspaceSeed declares a workspace and its subscription tier.
type WorkspaceSeed struct {
	ID   string `yaml:"id"`
	Tier string `yaml:"tier"`
}

// AgentSeed is the YAML shape of an agent; capabilities are validated on load.
type AgentSeed struct {
	ID           string   `yaml:"id"`
	WorkspaceID  string   `yaml:"workspace_id"`
	Name         string   `yaml:"name"`
	TeamID       string   `yaml:"team_id"`
	Status       string   `yaml:"status"`
	Capabilities []string `yaml:"capabilities"`
}

// counterDay is the UTC calendar day team counters belong to.
func counterDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
