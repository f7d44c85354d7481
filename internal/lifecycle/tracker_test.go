package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/actions"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/admission"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/agents"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/audit"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/streaming"
)

type recorder struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (r *recorder) Emit(evt streaming.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	tracker  *Tracker
	registry *agents.MemoryStore
	slots    *admission.MemoryController
	auditLog *audit.Log
	events   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := agents.NewMemoryStore(zap.NewNop())
	registry.PutWorkspace("ws-free", models.TierFree)
	registry.PutTeam(models.Team{ID: "ops", WorkspaceID: "ws-free", AutonomyLevel: models.AutonomySupervised})
	registry.PutAgent(models.Agent{ID: "agent-1", WorkspaceID: "ws-free", TeamID: "ops", Name: "Ops", Status: models.AgentActive})

	slots, err := admission.NewMemoryController(nil, zap.NewNop())
	require.NoError(t, err)

	f := &fixture{
		registry: registry,
		slots:    slots,
		auditLog: audit.NewLog(audit.NewMemoryStore(), zap.NewNop()),
		events:   &recorder{},
	}
	f.tracker = NewTracker(actions.NewMemoryStore(), registry, slots, f.auditLog, f.events, zaptest.NewLogger(t))
	return f
}

func (f *fixture) create(t *testing.T) *models.Action {
	t.Helper()
	a, err := f.tracker.Create(context.Background(), &models.Action{
		WorkspaceID: "ws-free",
		TeamID:      "ops",
		AgentID:     "agent-1",
		ActionType:  "send_email",
		RiskTier:    models.RiskHigh,
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) running(t *testing.T) int {
	n, err := f.slots.Running(context.Background(), "ws-free")
	require.NoError(t, err)
	return n
}

func TestHappyPathAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t)
	assert.Equal(t, models.StatePending, a.State)
	assert.NotEmpty(t, a.ID)

	a, err := f.tracker.Approve(ctx, a.ID, "user-1", false, "looks good")
	require.NoError(t, err)
	assert.Equal(t, "user-1", a.DecidedBy)
	require.NotNil(t, a.DecidedAt)

	a, err = f.tracker.Start(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, a.State)
	assert.Equal(t, 1, f.running(t))
	agent, _ := f.registry.GetAgent(ctx, "agent-1")
	assert.Equal(t, 1, agent.RunningCount)

	a, err = f.tracker.Complete(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, a.State)
	require.NotNil(t, a.DurationMs)
	assert.GreaterOrEqual(t, *a.DurationMs, int64(0))
	assert.Equal(t, 0, f.running(t))

	agent, _ = f.registry.GetAgent(ctx, "agent-1")
	assert.Equal(t, 0, agent.RunningCount)
	assert.Equal(t, int64(1), agent.ExecutionCount)
	team, _ := f.registry.GetTeam(ctx, "ops")
	assert.Equal(t, 1, team.ApprovedToday)

	history, err := f.auditLog.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].Timestamp.After(history[i-1].Timestamp))
		assert.Equal(t, history[i-1].ToState, history[i].FromState)
	}
	assert.Equal(t, "agent-1", history[3].Actor)
	assert.True(t, history[3].Success)

	state, err := Replay(history)
	require.NoError(t, err)
	assert.Equal(t, a.State, state)

	assert.Equal(t, []string{"action.approved", "action.started", "action.completed"}, f.events.types())
}

func TestTimestampsStrictlyIncreaseUnderFrozenClock(t *testing.T) {
	f := newFixture(t)
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.tracker.now = func() time.Time { return frozen }
	ctx := context.Background()

	a := f.create(t)
	_, err := f.tracker.Approve(ctx, a.ID, models.SystemActor, true, "")
	require.NoError(t, err)
	_, err = f.tracker.Start(ctx, a.ID)
	require.NoError(t, err)
	_, err = f.tracker.Fail(ctx, a.ID, "smtp timeout")
	require.NoError(t, err)

	history, err := f.auditLog.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].Timestamp.After(history[i-1].Timestamp), "entry %d", i)
	}
	assert.False(t, history[3].Success)
	assert.Equal(t, "smtp timeout", history[3].Reason)

	state, err := Replay(history)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, state)
}

func TestIllegalTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t)

	_, err := f.tracker.Complete(ctx, a.ID)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	_, err = f.tracker.Start(ctx, a.ID)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	assert.Equal(t, 0, f.running(t), "an illegal start must not take a slot")

	_, err = f.tracker.Reject(ctx, a.ID, "user-1", "")
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = f.tracker.Reject(ctx, a.ID, "user-1", "wrong recipient")
	require.NoError(t, err)
	_, err = f.tracker.Approve(ctx, a.ID, "user-1", false, "")
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	_, err = f.tracker.Cancel(ctx, a.ID, "user-1", "too late")
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	_, err = f.tracker.Approve(ctx, "missing", "user-1", false, "")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	team, _ := f.registry.GetTeam(ctx, "ops")
	assert.Equal(t, 1, team.RejectedToday)
}

func TestStartHeldBackByCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		a := f.create(t)
		_, err := f.tracker.Approve(ctx, a.ID, "user-1", false, "")
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	for _, id := range ids[:2] {
		_, err := f.tracker.Start(ctx, id)
		require.NoError(t, err)
	}
	held, err := f.tracker.Start(ctx, ids[2])
	assert.True(t, errors.Is(err, models.ErrCapacityExceeded))
	assert.NotEmpty(t, models.SuggestionOf(err))
	require.NotNil(t, held)
	assert.Equal(t, models.StateApproved, held.State)
	assert.Equal(t, 2, f.running(t))

	_, err = f.tracker.Complete(ctx, ids[0])
	require.NoError(t, err)
	started, err := f.tracker.Start(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, started.State)
	assert.Equal(t, 2, f.running(t))
}

func TestCancelReleasesOnlyRunningSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.create(t)
	_, err := f.tracker.Cancel(ctx, pending.ID, "user-1", "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, 0, f.running(t))

	a := f.create(t)
	_, err = f.tracker.Approve(ctx, a.ID, "user-1", false, "")
	require.NoError(t, err)
	_, err = f.tracker.Start(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.running(t))

	cancelled, err := f.tracker.Cancel(ctx, a.ID, "user-1", "stop")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, cancelled.State)
	assert.Equal(t, "stop", cancelled.Reason)
	assert.Equal(t, 0, f.running(t))

	agent, _ := f.registry.GetAgent(ctx, "agent-1")
	assert.Equal(t, 0, agent.RunningCount)
	assert.Equal(t, int64(0), agent.ExecutionCount)
}

func TestConcurrentDecisionsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.tracker.Approve(ctx, a.ID, "user-a", false, "")
			} else {
				_, err = f.tracker.Reject(ctx, a.ID, "user-b", "no")
			}
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else {
				assert.True(t, errors.Is(err, models.ErrInvalidTransition), "unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	history, err := f.auditLog.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestReplayRejectsBrokenHistories(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := func(seq int64, from, to models.State) audit.Entry {
		return audit.Entry{ActionID: "act-1", Seq: seq, FromState: from, ToState: to, Timestamp: at.Add(time.Duration(seq) * time.Second)}
	}

	_, err := Replay(nil)
	assert.Error(t, err)

	_, err = Replay([]audit.Entry{e(1, "", models.StatePending), e(3, models.StateApproved, models.StateRunning)})
	assert.Error(t, err, "missing seq 2")

	_, err = Replay([]audit.Entry{e(1, "", models.StatePending), e(2, models.StateApproved, models.StateRunning)})
	assert.Error(t, err, "from-state does not chain")

	_, err = Replay([]audit.Entry{e(1, "", models.StatePending), e(2, models.StatePending, models.StateRunning)})
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	_, err = Replay([]audit.Entry{e(1, models.StatePending, models.StateApproved)})
	assert.Error(t, err, "must start with creation")

	// out-of-order input is sorted before replay
	state, err := Replay([]audit.Entry{
		e(3, models.StateApproved, models.StateCancelled),
		e(1, "", models.StatePending),
		e(2, models.StatePending, models.StateApproved),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, state)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.StatePending, models.StateRejected))
	assert.True(t, CanTransition(models.StateRunning, models.StateCancelled))
	assert.False(t, CanTransition(models.StatePending, models.StateRunning))
	for _, terminal := range []models.State{models.StateCompleted, models.StateFailed, models.StateCancelled, models.StateRejected} {
		assert.True(t, terminal.Terminal())
		for _, to := range []models.State{models.StatePending, models.StateApproved, models.StateRunning, models.StateCancelled} {
			assert.False(t, CanTransition(terminal, to))
		}
	}
}
