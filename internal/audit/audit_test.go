package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/circuitbreaker"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/db"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	client, err := db.NewClient(context.Background(), &db.Config{Driver: db.DriverSQLite, DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLStore(client.Guarded(), zap.NewNop()),
	}
}

func entry(actionID string, seq int64, from, to models.State, at time.Time) Entry {
	return Entry{
		ActionID:    actionID,
		Seq:         seq,
		WorkspaceID: "ws-1",
		TeamID:      "sales",
		AgentID:     "a-1",
		ActionType:  "send_email",
		RiskTier:    models.RiskHigh,
		FromState:   from,
		ToState:     to,
		Success:     SuccessFor(to),
		Actor:       models.SystemActor,
		Timestamp:   at,
	}
}

func TestQueryNewestFirstWithFilters(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := NewLog(store, zaptest.NewLogger(t))

			log.Append(ctx, entry("act-1", 1, "", models.StatePending, t0))
			auto := entry("act-1", 2, models.StatePending, models.StateApproved, t0.Add(time.Second))
			auto.WasAutomatic = true
			log.Append(ctx, auto)
			log.Append(ctx, entry("act-1", 3, models.StateApproved, models.StateRunning, t0.Add(2*time.Second)))
			log.Append(ctx, entry("act-2", 1, "", models.StatePending, t0.Add(3*time.Second)))
			rejected := entry("act-2", 2, models.StatePending, models.StateRejected, t0.Add(4*time.Second))
			rejected.Actor, rejected.Reason = "user-1", "off brand"
			log.Append(ctx, rejected)
			other := entry("act-9", 1, "", models.StatePending, t0)
			other.WorkspaceID = "ws-2"
			log.Append(ctx, other)

			all, err := log.Query(ctx, Filter{WorkspaceID: "ws-1"}, 0, 0)
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, models.StateRejected, all[0].ToState)
			assert.Equal(t, models.StatePending, all[4].ToState)
			assert.NotEmpty(t, all[0].ID)
			assert.Equal(t, "off brand", all[0].Reason)

			yes, no := true, false
			got, err := log.Query(ctx, Filter{WorkspaceID: "ws-1", WasAutomatic: &yes}, 0, 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, models.StateApproved, got[0].ToState)

			got, err = log.Query(ctx, Filter{WorkspaceID: "ws-1", Success: &no}, 0, 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "act-2", got[0].ActionID)

			got, err = log.Query(ctx, Filter{WorkspaceID: "ws-1", ActionID: "act-1"}, 2, 1)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, []int64{2, 1}, []int64{got[0].Seq, got[1].Seq})

			from, to := t0.Add(time.Second), t0.Add(3*time.Second)
			got, err = log.Query(ctx, Filter{WorkspaceID: "ws-1", From: &from, To: &to}, 0, 0)
			require.NoError(t, err)
			assert.Len(t, got, 3)

			history, err := log.History(ctx, "act-1")
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Equal(t, []models.State{models.StatePending, models.StateApproved, models.StateRunning},
				[]models.State{history[0].ToState, history[1].ToState, history[2].ToState})
		})
	}
}

func TestQueryValidation(t *testing.T) {
	log := NewLog(NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	_, err := log.Query(ctx, Filter{}, 10, 0)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = log.Query(ctx, Filter{WorkspaceID: "ws-1"}, -1, 0)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	from, to := t0.Add(time.Hour), t0
	_, err = log.Query(ctx, Filter{WorkspaceID: "ws-1", From: &from, To: &to}, 10, 0)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	for i := 0; i < MaxQueryLimit+20; i++ {
		log.Append(ctx, entry(fmt.Sprintf("act-%d", i), 1, "", models.StatePending, t0))
	}
	got, err := log.Query(ctx, Filter{WorkspaceID: "ws-1"}, 10_000, 0)
	require.NoError(t, err)
	assert.Len(t, got, MaxQueryLimit)
}

func TestSuccessFlag(t *testing.T) {
	assert.True(t, SuccessFor(models.StateCompleted))
	assert.True(t, SuccessFor(models.StateCancelled))
	assert.False(t, SuccessFor(models.StateFailed))
	assert.False(t, SuccessFor(models.StateRejected))
}

func TestAppendNeverFails(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnError(errors.New("disk full"))

	guarded := circuitbreaker.NewDatabaseWrapper(sqlx.NewDb(raw, "sqlmock"), "audit", circuitbreaker.Config{}, zap.NewNop())
	log := NewLog(NewSQLStore(guarded, zap.NewNop()), zaptest.NewLogger(t))

	before := testutil.ToFloat64(appendFailures)
	assert.NotPanics(t, func() {
		log.Append(context.Background(), entry("act-1", 1, "", models.StatePending, t0))
	})
	assert.Equal(t, before+1, testutil.ToFloat64(appendFailures))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSurvivesCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	log.Append(ctx, entry("act-1", 1, "", models.StatePending, t0))
	history, err := store.History(context.Background(), "act-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDuplicateSeqRejected(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			e := entry("act-1", 1, "", models.StatePending, t0)
			e.ID = "e-1"
			require.NoError(t, store.Insert(context.Background(), &e))
			e.ID = "e-2"
			assert.Error(t, store.Insert(context.Background(), &e))
		})
	}
}

func TestAsyncStoreDrainsOnClose(t *testing.T) {
	mem := NewMemoryStore()
	async := NewAsyncStore(mem, 3, 8, zaptest.NewLogger(t))
	log := NewLog(async, zap.NewNop())

	var wg sync.WaitGroup
	for a := 0; a < 10; a++ {
		wg.Add(1)
		go func(a int) {
			defer wg.Done()
			id := fmt.Sprintf("act-%d", a)
			for seq := int64(1); seq <= 20; seq++ {
				log.Append(context.Background(), entry(id, seq, "", models.StatePending, t0.Add(time.Duration(seq)*time.Microsecond)))
			}
		}(a)
	}
	wg.Wait()
	async.Close()
	async.Close()

	all, err := mem.Query(context.Background(), Filter{WorkspaceID: "ws-1"}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 200)

	history, err := mem.History(context.Background(), "act-3")
	require.NoError(t, err)
	require.Len(t, history, 20)
	for i, e := range history {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	// after close writes go straight through
	log.Append(context.Background(), entry("late", 1, "", models.StatePending, t0))
	history, err = mem.History(context.Background(), "late")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
