package actions

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

const actionColumns = `id, workspace_id, team_id, agent_id, action_type, task_type, description,
	risk_tier, priority, payload, state, was_automatic, decided_by, reason, routing_confidence,
	routing_reason, deadline, created_at, updated_at, decided_at, started_at, completed_at,
	duration_ms, version`

// SQLStore persists actions in the orchestrator database. State changes are
// conditional updates keyed on (id, state, version).
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

func (s *SQLStore) Create(ctx context.Context, a *models.Action) error {
	row := utcAction(a)
	query := `INSERT INTO actions (` + actionColumns + `) VALUES (
		:id, :workspace_id, :team_id, :agent_id, :action_type, :task_type, :description,
		:risk_tier, :priority, :payload, :state, :was_automatic, :decided_by, :reason, :routing_confidence,
		:routing_reason, :deadline, :created_at, :updated_at, :decided_at, :started_at, :completed_at,
		:duration_ms, :version)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		if isUniqueViolation(err) {
			return models.Validationf("action %s already exists", a.ID)
		}
		return models.Internal("failed to create action", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Action, error) {
	var a models.Action
	err := s.db.GetContext(ctx, &a, s.db.Rebind(`SELECT `+actionColumns+` FROM actions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("action %s not found", id)
	}
	if err != nil {
		return nil, models.Internal("failed to load action", err)
	}
	return normalize(&a), nil
}

func (s *SQLStore) Update(ctx context.Context, next *models.Action, expectState models.State) error {
	row := utcAction(next)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE actions SET
			state = ?, was_automatic = ?, decided_by = ?, reason = ?, updated_at = ?,
			decided_at = ?, started_at = ?, completed_at = ?, duration_ms = ?, version = ?
		WHERE id = ? AND state = ? AND version = ?`),
		string(row.State), row.WasAutomatic, row.DecidedBy, row.Reason, row.UpdatedAt,
		row.DecidedAt, row.StartedAt, row.CompletedAt, row.DurationMs, row.Version,
		row.ID, string(expectState), row.Version-1)
	if err != nil {
		return models.Internal("failed to update action", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Internal("failed to update action", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.GetContext(ctx, &exists, s.db.Rebind(`SELECT COUNT(*) FROM actions WHERE id = ?`), next.ID)
	if err != nil {
		return models.Internal("failed to update action", err)
	}
	if exists == 0 {
		return models.NotFoundf("action %s not found", next.ID)
	}
	return ErrConflict
}

func (s *SQLStore) ListPending(ctx context.Context, filter PendingFilter) ([]*models.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE workspace_id = ? AND state = ?`
	args := []interface{}{filter.WorkspaceID, string(models.StatePending)}
	if filter.TeamID != "" {
		query += ` AND team_id = ?`
		args = append(args, filter.TeamID)
	}
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.ActionType != "" {
		query += ` AND action_type = ?`
		args = append(args, filter.ActionType)
	}
	if filter.RiskTier != "" {
		query += ` AND risk_tier = ?`
		args = append(args, string(filter.RiskTier))
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []models.Action
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, models.Internal("failed to list pending actions", err)
	}
	out := make([]*models.Action, 0, len(rows))
	for i := range rows {
		out = append(out, normalize(&rows[i]))
	}
	return out, nil
}

func (s *SQLStore) Stats(ctx context.Context, workspaceID string) (*Stats, error) {
	var byState []struct {
		State string `db:"state"`
		Count int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &byState, s.db.Rebind(
		`SELECT state, COUNT(*) AS n FROM actions WHERE workspace_id = ? GROUP BY state`), workspaceID); err != nil {
		return nil, models.Internal("failed to aggregate actions", err)
	}

	var agg struct {
		Decided     int             `db:"decided"`
		Automatic   int             `db:"automatic"`
		AvgDuration sql.NullFloat64 `db:"avg_duration"`
	}
	if err := s.db.GetContext(ctx, &agg, s.db.Rebind(`SELECT
			COUNT(decided_at) AS decided,
			COALESCE(SUM(CASE WHEN decided_at IS NOT NULL AND was_automatic THEN 1 ELSE 0 END), 0) AS automatic,
			AVG(duration_ms) AS avg_duration
		FROM actions WHERE workspace_id = ?`), workspaceID); err != nil {
		return nil, models.Internal("failed to aggregate actions", err)
	}

	st := &Stats{ByState: make(map[models.State]int), Decided: agg.Decided, Automatic: agg.Automatic}
	for _, r := range byState {
		st.ByState[models.State(r.State)] = r.Count
		st.Total += r.Count
	}
	if agg.AvgDuration.Valid {
		st.AvgDurationMs = agg.AvgDuration.Float64
	}
	return st, nil
}

func (s *SQLStore) RunningByWorkspace(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		WorkspaceID string `db:"workspace_id"`
		Count       int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT workspace_id, COUNT(*) AS n FROM actions WHERE state = ? GROUP BY workspace_id`),
		string(models.StateRunning)); err != nil {
		return nil, models.Internal("failed to count running actions", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.WorkspaceID] = r.Count
	}
	return out, nil
}

func utcAction(a *models.Action) *models.Action {
	c := a.Clone()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	for _, t := range []*time.Time{c.Deadline, c.DecidedAt, c.StartedAt, c.CompletedAt} {
		if t != nil {
			*t = t.UTC()
		}
	}
	return c
}

func normalize(a *models.Action) *models.Action {
	c := utcAction(a)
	if c.Payload == nil {
		c.Payload = models.JSONMap{}
	}
	return c
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
