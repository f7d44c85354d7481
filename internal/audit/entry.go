package audit

import (
	"context"
	"time"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// Entry is an immutable projection of an action at one transition.
// FromState is empty for the entry recording creation.
type Entry struct {
	ID           string          `json:"id" db:"id"`
	ActionID     string          `json:"action_id" db:"action_id"`
	Seq          int64           `json:"seq" db:"seq"`
	WorkspaceID  string          `json:"workspace_id" db:"workspace_id"`
	TeamID       string          `json:"team_id,omitempty" db:"team_id"`
	AgentID      string          `json:"agent_id,omitempty" db:"agent_id"`
	ActionType   string          `json:"action_type" db:"action_type"`
	RiskTier     models.RiskTier `json:"risk_tier" db:"risk_tier"`
	FromState    models.State    `json:"from_state,omitempty" db:"from_state"`
	ToState      models.State    `json:"to_state" db:"to_state"`
	Success      bool            `json:"success" db:"success"`
	WasAutomatic bool            `json:"was_automatic" db:"was_automatic"`
	Actor        string          `json:"actor,omitempty" db:"actor"`
	Reason       string          `json:"reason,omitempty" db:"reason"`
	Timestamp    time.Time       `json:"timestamp" db:"created_at"`
}

// Filter selects audit entries. WorkspaceID is required; nil pointers match anything.
type Filter struct {
	WorkspaceID  string
	ActionID     string
	TeamID       string
	AgentID      string
	ActionType   string
	WasAutomatic *bool
	Success      *bool
	From         *time.Time
	To           *time.Time
}

func (f Filter) matches(e *Entry) bool {
	switch {
	case e.WorkspaceID != f.WorkspaceID:
		return false
	case f.ActionID != "" && e.ActionID != f.ActionID:
		return false
	case f.TeamID != "" && e.TeamID != f.TeamID:
		return false
	case f.AgentID != "" && e.AgentID != f.AgentID:
		return false
	case f.ActionType != "" && e.ActionType != f.ActionType:
		return false
	case f.WasAutomatic != nil && e.WasAutomatic != *f.WasAutomatic:
		return false
	case f.Success != nil && e.Success != *f.Success:
		return false
	case f.From != nil && e.Timestamp.Before(*f.From):
		return false
	case f.To != nil && e.Timestamp.After(*f.To):
		return false
	}
	return true
}

// Store is the append-only backing table. Entries are never updated or deleted.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	// Query returns matching entries newest first, ties by seq descending.
	Query(ctx context.Context, f Filter, limit, offset int) ([]Entry, error)
	// History returns every entry of one action ordered by (timestamp, seq).
	History(ctx context.Context, actionID string) ([]Entry, error)
}

// SuccessFor is the success flag recorded for a transition into state.
func SuccessFor(state models.State) bool {
	return state != models.StateFailed && state != models.StateRejected
}
