package actions

import (
	"context"
	"sync"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// MemoryStore keeps actions in process.
type MemoryStore struct {
	mu      sync.RWMutex
	actions map[string]*models.Action
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actions: make(map[string]*models.Action)}
}

func (s *MemoryStore) Create(ctx context.Context, a *models.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actions[a.ID]; exists {
		return models.Validationf("action %s already exists", a.ID)
	}
	s.actions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, models.NotFoundf("action %s not found", id)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, next *models.Action, expectState models.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.actions[next.ID]
	if !ok {
		return models.NotFoundf("action %s not found", next.ID)
	}
	if cur.State != expectState || cur.Version != next.Version-1 {
		return ErrConflict
	}
	s.actions[next.ID] = next.Clone()
	return nil
}

func (s *MemoryStore) ListPending(ctx context.Context, filter PendingFilter) ([]*models.Action, error) {
	s.mu.RLock()
	out := make([]*models.Action, 0)
	for _, a := range s.actions {
		if matchesPending(a, filter) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	SortPending(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context, workspaceID string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &Stats{ByState: make(map[models.State]int)}
	var durations, finished int64
	for _, a := range s.actions {
		if a.WorkspaceID != workspaceID {
			continue
		}
		st.Total++
		st.ByState[a.State]++
		if a.DecidedAt != nil {
			st.Decided++
			if a.WasAutomatic {
				st.Automatic++
			}
		}
		if a.DurationMs != nil {
			durations += *a.DurationMs
			finished++
		}
	}
	if finished > 0 {
		st.AvgDurationMs = float64(durations) / float64(finished)
	}
	return st, nil
}

func (s *MemoryStore) RunningByWorkspace(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for _, a := range s.actions {
		if a.State == models.StateRunning {
			out[a.WorkspaceID]++
		}
	}
	return out, nil
}
