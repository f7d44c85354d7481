package actions

import (
	"context"
	"errors"
	"sort"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// ErrConflict is returned by Update when the stored state or version no longer matches.
var ErrConflict = errors.New("action was modified concurrently")

// PendingFilter narrows the approval queue listing.
type PendingFilter struct {
	WorkspaceID string
	TeamID      string
	AgentID     string
	ActionType  string
	RiskTier    models.RiskTier
	Limit       int
}

// Stats aggregates actions of one workspace.
type Stats struct {
	ByState       map[models.State]int `json:"by_state"`
	Total         int                  `json:"total"`
	Decided       int                  `json:"decided"`
	Automatic     int                  `json:"automatic"`
	AvgDurationMs float64              `json:"avg_duration_ms"`
}

// Store persists actions. Actions are never deleted.
type Store interface {
	Create(ctx context.Context, a *models.Action) error
	Get(ctx context.Context, id string) (*models.Action, error)
	// Update replaces the stored action with next iff the stored row still has
	// expectState and next.Version-1. It returns ErrConflict otherwise.
	Update(ctx context.Context, next *models.Action, expectState models.State) error
	// ListPending returns pending actions ordered by priority desc, created asc, id asc.
	ListPending(ctx context.Context, filter PendingFilter) ([]*models.Action, error)
	Stats(ctx context.Context, workspaceID string) (*Stats, error)
	// RunningByWorkspace counts running actions per workspace. Workspaces with none are absent.
	RunningByWorkspace(ctx context.Context) (map[string]int, error)
}

func matchesPending(a *models.Action, f PendingFilter) bool {
	if a.State != models.StatePending || a.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.TeamID != "" && a.TeamID != f.TeamID {
		return false
	}
	if f.AgentID != "" && a.AgentID != f.AgentID {
		return false
	}
	if f.ActionType != "" && a.ActionType != f.ActionType {
		return false
	}
	if f.RiskTier != "" && a.RiskTier != f.RiskTier {
		return false
	}
	return true
}

// SortPending applies the approval queue order in place.
func SortPending(list []*models.Action) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
