package audit

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// MemoryStore keeps entries in insertion order.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	keys    map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]struct{})}
}

func (s *MemoryStore) Insert(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seqKey(e.ActionID, e.Seq)
	if _, dup := s.keys[key]; dup {
		return models.Validationf("audit entry %d of action %s already recorded", e.Seq, e.ActionID)
	}
	s.keys[key] = struct{}{}
	s.entries = append(s.entries, *e)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter, limit, offset int) ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0)
	for i := range s.entries {
		if f.matches(&s.entries[i]) {
			out = append(out, s.entries[i])
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Seq > out[j].Seq
	})
	if offset >= len(out) {
		return []Entry{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) History(ctx context.Context, actionID string) ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if e.ActionID == actionID {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	SortChronological(out)
	return out, nil
}

// SortChronological orders entries by (timestamp, seq) ascending.
func SortChronological(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].Seq < entries[j].Seq
	})
}

func seqKey(actionID string, seq int64) string {
	return actionID + "#" + strconv.FormatInt(seq, 10)
}
