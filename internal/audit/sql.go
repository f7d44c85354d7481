package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/circuitbreaker"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

const entryColumns = `id, action_id, seq, workspace_id, team_id, agent_id, action_type, risk_tier,
	from_state, to_state, success, was_automatic, actor, reason, created_at`

// SQLStore writes the audit_entries table through a circuit breaker so an
// unavailable database fails fast instead of stalling transitions.
type SQLStore struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
}

func NewSQLStore(db *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, logger: logger}
}

func (s *SQLStore) Insert(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO audit_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.ActionID, e.Seq, e.WorkspaceID, e.TeamID, e.AgentID, e.ActionType, string(e.RiskTier),
		string(e.FromState), string(e.ToState), e.Success, e.WasAutomatic, e.Actor, e.Reason,
		e.Timestamp.UTC())
	if err != nil {
		return models.Internal("failed to insert audit entry", err)
	}
	return nil
}

func (s *SQLStore) Query(ctx context.Context, f Filter, limit, offset int) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_entries WHERE workspace_id = ?`
	args := []interface{}{f.WorkspaceID}
	add := func(clause string, v interface{}) {
		query += ` AND ` + clause
		args = append(args, v)
	}
	if f.ActionID != "" {
		add(`action_id = ?`, f.ActionID)
	}
	if f.TeamID != "" {
		add(`team_id = ?`, f.TeamID)
	}
	if f.AgentID != "" {
		add(`agent_id = ?`, f.AgentID)
	}
	if f.ActionType != "" {
		add(`action_type = ?`, f.ActionType)
	}
	if f.WasAutomatic != nil {
		add(`was_automatic = ?`, *f.WasAutomatic)
	}
	if f.Success != nil {
		add(`success = ?`, *f.Success)
	}
	if f.From != nil {
		add(`created_at >= ?`, f.From.UTC())
	}
	if f.To != nil {
		add(`created_at <= ?`, f.To.UTC())
	}
	query += ` ORDER BY created_at DESC, seq DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	var rows []Entry
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, models.Internal("failed to query audit log", err)
	}
	return utc(rows), nil
}

func (s *SQLStore) History(ctx context.Context, actionID string) ([]Entry, error) {
	var rows []Entry
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+entryColumns+` FROM audit_entries
		WHERE action_id = ? ORDER BY created_at ASC, seq ASC`), actionID)
	if err != nil {
		return nil, models.Internal("failed to load action history", err)
	}
	return utc(rows), nil
}

func utc(rows []Entry) []Entry {
	if rows == nil {
		return []Entry{}
	}
	for i := range rows {
		rows[i].Timestamp = rows[i].Timestamp.UTC()
	}
	return rows
}
