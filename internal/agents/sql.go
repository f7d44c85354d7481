package agents

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// SQLStore keeps the registry in the shared orchestrator database.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, logger: logger}
}

type agentRow struct {
	ID             string       `db:"id"`
	WorkspaceID    string       `db:"workspace_id"`
	Name           string       `db:"name"`
	TeamID         string       `db:"team_id"`
	Status         string       `db:"status"`
	Capabilities   string       `db:"capabilities"`
	RunningCount   int          `db:"running_count"`
	ExecutionCount int64        `db:"execution_count"`
	LastExecutedAt sql.NullTime `db:"last_executed_at"`
}

func (r agentRow) toModel() models.Agent {
	a := models.Agent{
		ID:             r.ID,
		WorkspaceID:    r.WorkspaceID,
		Name:           r.Name,
		TeamID:         r.TeamID,
		Status:         models.AgentStatus(r.Status),
		RunningCount:   r.RunningCount,
		ExecutionCount: r.ExecutionCount,
		Capabilities:   splitCapabilities(r.Capabilities),
	}
	if r.LastExecutedAt.Valid {
		t := r.LastExecutedAt.Time.UTC()
		a.LastExecutedAt = &t
	}
	return a
}

type teamRow struct {
	ID            string `db:"id"`
	WorkspaceID   string `db:"workspace_id"`
	Department    string `db:"department"`
	AutonomyLevel string `db:"autonomy_level"`
	ApprovedToday int    `db:"approved_today"`
	RejectedToday int    `db:"rejected_today"`
	CountersDate  string `db:"counters_date"`
}

const agentColumns = `id, workspace_id, name, team_id, status, capabilities,
	running_count, execution_count, last_executed_at`

func (s *SQLStore) ListActiveAgents(ctx context.Context, workspaceID, teamID string) ([]models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE workspace_id = ? AND status = ?`
	args := []interface{}{workspaceID, string(models.AgentActive)}
	if teamID != "" {
		query += ` AND team_id = ?`
		args = append(args, teamID)
	}
	query += ` ORDER BY id`

	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, models.Internal("failed to list agents", err)
	}
	return lo.Map(rows, func(r agentRow, _ int) models.Agent { return r.toModel() }), nil
}

func (s *SQLStore) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("agent %s not found", agentID)
	}
	if err != nil {
		return nil, models.Internal("failed to load agent", err)
	}
	a := row.toModel()
	return &a, nil
}

func (s *SQLStore) GetTeam(ctx context.Context, teamID string) (*models.Team, error) {
	var row teamRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, workspace_id, department, autonomy_level,
		approved_today, rejected_today, counters_date FROM teams WHERE id = ?`), teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("team %s not found", teamID)
	}
	if err != nil {
		return nil, models.Internal("failed to load team", err)
	}
	t := &models.Team{
		ID:            row.ID,
		WorkspaceID:   row.WorkspaceID,
		Department:    row.Department,
		AutonomyLevel: models.AutonomyLevel(row.AutonomyLevel),
		ApprovedToday: row.ApprovedToday,
		RejectedToday: row.RejectedToday,
		CountersDate:  row.CountersDate,
	}
	if t.CountersDate != counterDay(time.Now()) {
		t.ApprovedToday, t.RejectedToday = 0, 0
	}
	return t, nil
}

func (s *SQLStore) GetTier(ctx context.Context, workspaceID string) (models.Tier, error) {
	var tier string
	err := s.db.GetContext(ctx, &tier, s.db.Rebind(`SELECT tier FROM workspaces WHERE id = ?`), workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.NotFoundf("workspace %s not found", workspaceID)
	}
	if err != nil {
		return "", models.Internal("failed to load workspace tier", err)
	}
	return models.Tier(tier), nil
}

func (s *SQLStore) ExecutionStarted(ctx context.Context, agentID string, at time.Time) error {
	return s.execOne(ctx, "agent", agentID,
		`UPDATE agents SET running_count = running_count + 1 WHERE id = ?`, agentID)
}

func (s *SQLStore) ExecutionFinished(ctx context.Context, agentID string, at time.Time) error {
	return s.execOne(ctx, "agent", agentID,
		`UPDATE agents SET
			running_count = CASE WHEN running_count > 0 THEN running_count - 1 ELSE 0 END,
			execution_count = execution_count + 1,
			last_executed_at = ?
		WHERE id = ?`, at.UTC(), agentID)
}

func (s *SQLStore) ExecutionAborted(ctx context.Context, agentID string) error {
	return s.execOne(ctx, "agent", agentID,
		`UPDATE agents SET running_count = CASE WHEN running_count > 0 THEN running_count - 1 ELSE 0 END
		WHERE id = ?`, agentID)
}

func (s *SQLStore) DecisionRecorded(ctx context.Context, teamID string, approved bool, at time.Time) error {
	if teamID == "" {
		return nil
	}
	day := counterDay(at)
	inc := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	a, r := inc(approved), inc(!approved)
	return s.execOne(ctx, "team", teamID,
		`UPDATE teams SET
			approved_today = CASE WHEN counters_date = ? THEN approved_today + ? ELSE ? END,
			rejected_today = CASE WHEN counters_date = ? THEN rejected_today + ? ELSE ? END,
			counters_date = ?
		WHERE id = ?`, day, a, a, day, r, r, day, teamID)
}

func (s *SQLStore) SetAutonomyLevel(ctx context.Context, teamID string, level models.AutonomyLevel) error {
	level, err := models.ParseAutonomyLevel(string(level))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE teams SET autonomy_level = ? WHERE id = ?`),
		string(level), teamID)
	if err != nil {
		return models.Internal("failed to update team autonomy level", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.NotFoundf("team %s not found", teamID)
	}
	s.logger.Info("Team autonomy level changed", zap.String("team_id", teamID), zap.String("level", string(level)))
	return nil
}

func (s *SQLStore) execOne(ctx context.Context, kind, id, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return models.Internal("failed to update "+kind+" counters", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.NotFoundf("%s %s not found", kind, id)
	}
	return nil
}

// Load upserts a seed. Counters of existing rows are preserved.
func (s *SQLStore) Load(ctx context.Context, seed *Seed) error {
	for _, ws := range seed.Workspaces {
		tier, err := models.ParseTier(ws.Tier)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO workspaces (id, tier) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET tier = excluded.tier`), ws.ID, string(tier)); err != nil {
			return models.Internal("failed to seed workspace", err)
		}
	}
	for _, t := range seed.Teams {
		level, err := models.ParseAutonomyLevel(string(t.AutonomyLevel))
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO teams (id, workspace_id, department, autonomy_level) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET workspace_id = excluded.workspace_id,
				department = excluded.department, autonomy_level = excluded.autonomy_level`),
			t.ID, t.WorkspaceID, t.Department, string(level)); err != nil {
			return models.Internal("failed to seed team", err)
		}
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
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO agents (id, workspace_id, name, team_id, status, capabilities) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET workspace_id = excluded.workspace_id, name = excluded.name,
				team_id = excluded.team_id, status = excluded.status, capabilities = excluded.capabilities`),
			agent.ID, agent.WorkspaceID, agent.Name, agent.TeamID, string(agent.Status),
			joinCapabilities(agent.Capabilities)); err != nil {
			return models.Internal("failed to seed agent", err)
		}
	}
	s.logger.Info("Registry seeded",
		zap.Int("workspaces", len(seed.Workspaces)),
		zap.Int("teams", len(seed.Teams)),
		zap.Int("agents", len(seed.Agents)),
	)
	return nil
}

func joinCapabilities(caps []models.Capability) string {
	return strings.Join(lo.Map(caps, func(c models.Capability, _ int) string { return string(c) }), ",")
}

func splitCapabilities(raw string) []models.Capability {
	if raw == "" {
		return []models.Capability{}
	}
	parts := strings.Split(raw, ",")
	return models.NormalizeCapabilities(lo.Map(parts, func(p string, _ int) models.Capability {
		return models.Capability(strings.TrimSpace(p))
	}))
}
