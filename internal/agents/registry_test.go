package agents

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/db"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

const seedYAML = `
workspaces:
  - id: ws-1
    tier: starter
  - id: ws-2
    tier: enterprise
teams:
  - id: sales
    workspace_id: ws-1
    department: sales
    autonomy_level: semi_autonomous
agents:
  - id: a-email
    workspace_id: ws-1
    name: Outreach
    team_id: sales
    capabilities: [email, crm]
  - id: a-research
    workspace_id: ws-1
    name: Research
    capabilities: [Research, analytics, research]
  - id: a-off
    workspace_id: ws-1
    name: Retired
    status: inactive
    capabilities: [email]
  - id: a-bogus
    workspace_id: ws-1
    name: Bogus
    capabilities: [teleport]
  - id: b-1
    workspace_id: ws-2
    name: Other workspace
    capabilities: [email]
`

func loadMemory(t *testing.T) *MemoryStore {
	t.Helper()
	seed, err := LoadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	s := NewMemoryStore(zaptest.NewLogger(t))
	require.NoError(t, s.Load(seed))
	return s
}

func TestLoadSeedRejectsDanglingReferences(t *testing.T) {
	_, err := LoadSeed(strings.NewReader(`
workspaces: [{id: ws-1, tier: free}]
agents:
  - {id: a, workspace_id: ws-1, team_id: ghost, capabilities: [email]}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown team")

	_, err = LoadSeed(strings.NewReader(`agents: [{id: a, workspace_id: nowhere}]`))
	require.Error(t, err)

	_, err = LoadSeed(strings.NewReader(`workspaces: [{id: ws-1, tier: free, color: red}]`))
	require.Error(t, err, "unknown fields are rejected")
}

func TestMemoryStoreListActiveAgents(t *testing.T) {
	s := loadMemory(t)
	ctx := context.Background()

	list, err := s.ListActiveAgents(ctx, "ws-1", "")
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, a := range list {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"a-email", "a-research"}, ids, "inactive and invalid agents are excluded")
	assert.Equal(t, []models.Capability{models.CapAnalytics, models.CapResearch}, list[1].Capabilities)

	list, err = s.ListActiveAgents(ctx, "ws-1", "sales")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a-email", list[0].ID)

	list, err = s.ListActiveAgents(ctx, "ws-unknown", "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := loadMemory(t)
	ctx := context.Background()

	a, err := s.GetAgent(ctx, "a-email")
	require.NoError(t, err)
	a.Capabilities[0] = "mutated"
	a.RunningCount = 99

	again, err := s.GetAgent(ctx, "a-email")
	require.NoError(t, err)
	assert.Equal(t, models.CapCRM, again.Capabilities[0])
	assert.Zero(t, again.RunningCount)

	_, err = s.GetAgent(ctx, "nope")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestMemoryStoreCounters(t *testing.T) {
	s := loadMemory(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.ExecutionStarted(ctx, "a-email", now))
	require.NoError(t, s.ExecutionStarted(ctx, "a-email", now))
	require.NoError(t, s.ExecutionFinished(ctx, "a-email", now))

	a, err := s.GetAgent(ctx, "a-email")
	require.NoError(t, err)
	assert.Equal(t, 1, a.RunningCount)
	assert.Equal(t, int64(1), a.ExecutionCount)
	require.NotNil(t, a.LastExecutedAt)
	assert.True(t, a.LastExecutedAt.Equal(now))

	require.NoError(t, s.ExecutionAborted(ctx, "a-email"))
	require.NoError(t, s.ExecutionAborted(ctx, "a-email"))
	a, err = s.GetAgent(ctx, "a-email")
	require.NoError(t, err)
	assert.Equal(t, 0, a.RunningCount, "running count is floored at zero")
	assert.Equal(t, int64(1), a.ExecutionCount, "aborted runs are not counted as executions")

	require.NoError(t, s.DecisionRecorded(ctx, "sales", true, now))
	require.NoError(t, s.DecisionRecorded(ctx, "sales", true, now))
	require.NoError(t, s.DecisionRecorded(ctx, "sales", false, now))
	require.NoError(t, s.DecisionRecorded(ctx, "", true, now), "team-less decisions are ignored")

	team, err := s.GetTeam(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, 2, team.ApprovedToday)
	assert.Equal(t, 1, team.RejectedToday)
}

func TestMemoryStoreCounterRollover(t *testing.T) {
	s := loadMemory(t)
	ctx := context.Background()
	yesterday := time.Now().UTC().Add(-24 * time.Hour)

	require.NoError(t, s.DecisionRecorded(ctx, "sales", true, yesterday))
	team, err := s.GetTeam(ctx, "sales")
	require.NoError(t, err)
	assert.Zero(t, team.ApprovedToday, "yesterday's counters are not reported today")

	require.NoError(t, s.DecisionRecorded(ctx, "sales", false, time.Now().UTC()))
	team, err = s.GetTeam(ctx, "sales")
	require.NoError(t, err)
	assert.Zero(t, team.ApprovedToday)
	assert.Equal(t, 1, team.RejectedToday)
}

func TestMemoryStoreTier(t *testing.T) {
	s := loadMemory(t)
	tier, err := s.GetTier(context.Background(), "ws-2")
	require.NoError(t, err)
	assert.Equal(t, models.TierEnterprise, tier)

	_, err = s.GetTier(context.Background(), "missing")
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, err := db.NewClient(ctx, &db.Config{Driver: db.DriverSQLite, DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	seed, err := LoadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	s := NewSQLStore(client.DB(), zaptest.NewLogger(t))
	require.NoError(t, s.Load(ctx, seed))
	// reseeding is an upsert
	require.NoError(t, s.Load(ctx, seed))

	list, err := s.ListActiveAgents(ctx, "ws-1", "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a-email", list[0].ID)
	assert.Equal(t, []models.Capability{models.CapCRM, models.CapEmail}, list[0].Capabilities)
	assert.Nil(t, list[0].LastExecutedAt)

	tier, err := s.GetTier(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierStarter, tier)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.ExecutionStarted(ctx, "a-email", now))
	require.NoError(t, s.ExecutionFinished(ctx, "a-email", now))
	a, err := s.GetAgent(ctx, "a-email")
	require.NoError(t, err)
	assert.Zero(t, a.RunningCount)
	assert.Equal(t, int64(1), a.ExecutionCount)
	require.NotNil(t, a.LastExecutedAt)
	assert.True(t, a.LastExecutedAt.Equal(now))

	require.NoError(t, s.DecisionRecorded(ctx, "sales", true, now))
	require.NoError(t, s.DecisionRecorded(ctx, "sales", false, now))
	team, err := s.GetTeam(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, models.AutonomySemiAutonomous, team.AutonomyLevel)
	assert.Equal(t, 1, team.ApprovedToday)
	assert.Equal(t, 1, team.RejectedToday)

	err = s.ExecutionStarted(ctx, "ghost", now)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = s.GetTeam(ctx, "ghost")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestSetAutonomyLevel(t *testing.T) {
	ctx := context.Background()
	client, err := db.NewClient(ctx, &db.Config{Driver: db.DriverSQLite, DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	seed, err := LoadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	sqlStore := NewSQLStore(client.DB(), zaptest.NewLogger(t))
	require.NoError(t, sqlStore.Load(ctx, seed))

	for name, s := range map[string]Store{"memory": loadMemory(t), "sqlite": sqlStore} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SetAutonomyLevel(ctx, "sales", models.AutonomyAutonomous))
			team, err := s.GetTeam(ctx, "sales")
			require.NoError(t, err)
			assert.Equal(t, models.AutonomyAutonomous, team.AutonomyLevel)

			err = s.SetAutonomyLevel(ctx, "sales", "reckless")
			assert.Equal(t, models.KindValidation, models.KindOf(err))
			team, err = s.GetTeam(ctx, "sales")
			require.NoError(t, err)
			assert.Equal(t, models.AutonomyAutonomous, team.AutonomyLevel, "invalid levels are not stored")

			err = s.SetAutonomyLevel(ctx, "ghost", models.AutonomySupervised)
			assert.True(t, errors.Is(err, models.ErrNotFound))
		})
	}
}
