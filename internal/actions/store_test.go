package actions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/db"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	client, err := db.NewClient(context.Background(), &db.Config{Driver: db.DriverSQLite, DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLStore(client.DB(), zap.NewNop()),
	}
}

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newAction(id string, priority models.Priority, created time.Time) *models.Action {
	return &models.Action{
		ID:          id,
		WorkspaceID: "ws-1",
		TeamID:      "sales",
		AgentID:     "a-1",
		ActionType:  "send_email",
		RiskTier:    models.RiskHigh,
		Priority:    priority,
		Payload:     models.JSONMap{"to": "lead@example.com"},
		State:       models.StatePending,
		CreatedAt:   created,
		UpdatedAt:   created,
		Version:     1,
	}
}

func TestCreateAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			deadline := base.Add(time.Hour)
			a := newAction("act-1", models.PriorityHigh, base)
			a.Deadline = &deadline
			require.NoError(t, s.Create(ctx, a))

			got, err := s.Get(ctx, "act-1")
			require.NoError(t, err)
			assert.Equal(t, models.StatePending, got.State)
			assert.Equal(t, models.PriorityHigh, got.Priority)
			assert.Equal(t, "lead@example.com", got.Payload["to"])
			assert.True(t, base.Equal(got.CreatedAt))
			require.NotNil(t, got.Deadline)
			assert.True(t, deadline.Equal(*got.Deadline))
			assert.Nil(t, got.StartedAt)

			err = s.Create(ctx, a)
			assert.Equal(t, models.KindValidation, models.KindOf(err))

			_, err = s.Get(ctx, "missing")
			assert.True(t, errors.Is(err, models.ErrNotFound))
		})
	}
}

func TestUpdateIsCompareAndSwap(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newAction("act-1", models.PriorityNormal, base)))

			cur, err := s.Get(ctx, "act-1")
			require.NoError(t, err)

			decided := base.Add(time.Minute)
			next := cur.Clone()
			next.State = models.StateApproved
			next.DecidedBy = "user-7"
			next.DecidedAt = &decided
			next.UpdatedAt = decided
			next.Version++
			require.NoError(t, s.Update(ctx, next, models.StatePending))

			// a second writer holding the stale copy loses
			loser := cur.Clone()
			loser.State = models.StateRejected
			loser.Version++
			assert.ErrorIs(t, s.Update(ctx, loser, models.StatePending), ErrConflict)

			got, err := s.Get(ctx, "act-1")
			require.NoError(t, err)
			assert.Equal(t, models.StateApproved, got.State)
			assert.Equal(t, "user-7", got.DecidedBy)
			assert.Equal(t, 2, got.Version)

			ghost := next.Clone()
			ghost.ID = "ghost"
			assert.True(t, errors.Is(s.Update(ctx, ghost, models.StateApproved), models.ErrNotFound))
		})
	}
}

func TestListPendingOrderAndFilters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fixtures := []*models.Action{
				newAction("c", models.PriorityNormal, base),
				newAction("b", models.PriorityNormal, base),
				newAction("a", models.PriorityNormal, base.Add(time.Second)),
				newAction("z", models.PriorityUrgent, base.Add(time.Hour)),
				newAction("low", models.PriorityLow, base.Add(-time.Hour)),
			}
			other := newAction("other-ws", models.PriorityUrgent, base)
			other.WorkspaceID = "ws-2"
			fixtures = append(fixtures, other)
			note := newAction("note", models.PriorityNormal, base.Add(2*time.Second))
			note.ActionType, note.RiskTier, note.TeamID = "internal_note", models.RiskLow, ""
			fixtures = append(fixtures, note)
			done := newAction("done", models.PriorityUrgent, base)
			done.State = models.StateCompleted
			fixtures = append(fixtures, done)
			for _, a := range fixtures {
				require.NoError(t, s.Create(ctx, a))
			}

			list, err := s.ListPending(ctx, PendingFilter{WorkspaceID: "ws-1"})
			require.NoError(t, err)
			assert.Equal(t, []string{"z", "b", "c", "a", "note", "low"}, ids(list))

			list, err = s.ListPending(ctx, PendingFilter{WorkspaceID: "ws-1", TeamID: "sales", RiskTier: models.RiskHigh})
			require.NoError(t, err)
			assert.Equal(t, []string{"z", "b", "c", "a", "low"}, ids(list))

			list, err = s.ListPending(ctx, PendingFilter{WorkspaceID: "ws-1", ActionType: "internal_note"})
			require.NoError(t, err)
			assert.Equal(t, []string{"note"}, ids(list))

			list, err = s.ListPending(ctx, PendingFilter{WorkspaceID: "ws-1", Limit: 2})
			require.NoError(t, err)
			assert.Equal(t, []string{"z", "b"}, ids(list))
		})
	}
}

func TestStats(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 4; i++ {
				a := newAction(fmt.Sprintf("act-%d", i), models.PriorityNormal, base)
				if i < 3 {
					at := base.Add(time.Minute)
					a.State = models.StateCompleted
					a.DecidedAt = &at
					a.WasAutomatic = i < 2
					d := int64(100 * (i + 1))
					a.DurationMs = &d
				}
				require.NoError(t, s.Create(ctx, a))
			}

			st, err := s.Stats(ctx, "ws-1")
			require.NoError(t, err)
			assert.Equal(t, 4, st.Total)
			assert.Equal(t, 3, st.ByState[models.StateCompleted])
			assert.Equal(t, 1, st.ByState[models.StatePending])
			assert.Equal(t, 3, st.Decided)
			assert.Equal(t, 2, st.Automatic)
			assert.InDelta(t, 200.0, st.AvgDurationMs, 0.001)

			empty, err := s.Stats(ctx, "nobody")
			require.NoError(t, err)
			assert.Zero(t, empty.Total)
		})
	}
}

func TestRunningByWorkspace(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fixtures := map[string]struct {
				ws    string
				state models.State
			}{
				"r1": {"ws-1", models.StateRunning},
				"r2": {"ws-1", models.StateRunning},
				"r3": {"ws-2", models.StateRunning},
				"p1": {"ws-1", models.StatePending},
				"c1": {"ws-3", models.StateCompleted},
			}
			for id, f := range fixtures {
				a := newAction(id, models.PriorityNormal, base)
				a.WorkspaceID, a.State = f.ws, f.state
				require.NoError(t, s.Create(ctx, a))
			}

			running, err := s.RunningByWorkspace(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"ws-1": 2, "ws-2": 1}, running)
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.True(t, isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.False(t, isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}))
	assert.False(t, isUniqueViolation(errors.New("UNIQUE constraint failed: actions.id")), "message text alone is not trusted")
}

func ids(list []*models.Action) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.ID)
	}
	return out
}
