package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/actions"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/admission"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/agents"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/audit"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/metrics"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/notify"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/streaming"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/tracing"
)

// Auditor records transitions. It must not fail the caller.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry)
}

// Tracker owns the action state machine. Every transition is a compare-and-swap on
// the stored (state, version) pair, so two concurrent callers cannot both win.
type Tracker struct {
	store    actions.Store
	registry agents.Store
	slots    admission.Controller
	audit    Auditor
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewTracker(
	store actions.Store,
	registry agents.Store,
	slots admission.Controller,
	auditor Auditor,
	notifier notify.Notifier,
	logger *zap.Logger,
) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Tracker{
		store:    store,
		registry: registry,
		slots:    slots,
		audit:    auditor,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Get loads one action.
func (t *Tracker) Get(ctx context.Context, id string) (*models.Action, error) {
	return t.store.Get(ctx, id)
}

// Create persists a new pending action and records its creation.
func (t *Tracker) Create(ctx context.Context, a *models.Action) (*models.Action, error) {
	if a.WorkspaceID == "" || a.AgentID == "" || a.ActionType == "" {
		return nil, models.Validationf("workspace_id, agent_id and action_type are required")
	}
	next := a.Clone()
	if next.ID == "" {
		next.ID = uuid.New().String()
	}
	now := t.clock()
	next.State = models.StatePending
	next.Version = 1
	next.CreatedAt = now
	next.UpdatedAt = now
	next.DecidedAt, next.StartedAt, next.CompletedAt, next.DurationMs = nil, nil, nil, nil
	if next.Payload == nil {
		next.Payload = models.JSONMap{}
	}

	if err := t.store.Create(ctx, next); err != nil {
		return nil, err
	}
	t.record(ctx, next, "", models.SystemActor, "")
	return next, nil
}

// Queue announces an action left pending for human approval.
func (t *Tracker) Queue(a *models.Action, reason string) {
	t.emit(notify.ActionQueued, a, reason)
}

// Approve moves a pending action to approved and bumps the team's approval counter.
func (t *Tracker) Approve(ctx context.Context, id, actor string, automatic bool, reason string) (*models.Action, error) {
	ctx, span := tracing.StartSpan(ctx, "lifecycle.approve", attribute.String("action_id", id))
	defer span.End()

	next, err := t.transition(ctx, id, models.StateApproved, actor, reason, nil, func(n *models.Action, now time.Time) {
		n.WasAutomatic = automatic
		n.DecidedBy = actor
		n.DecidedAt = &now
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	t.decisionRecorded(ctx, next, true)
	t.emit(notify.ActionApproved, next, reason)
	return next, nil
}

// Reject moves a pending action to rejected. A reason is required.
func (t *Tracker) Reject(ctx context.Context, id, actor, reason string) (*models.Action, error) {
	if reason == "" {
		return nil, models.Validationf("a rejection reason is required")
	}
	ctx, span := tracing.StartSpan(ctx, "lifecycle.reject", attribute.String("action_id", id))
	defer span.End()

	next, err := t.transition(ctx, id, models.StateRejected, actor, reason, nil, func(n *models.Action, now time.Time) {
		n.WasAutomatic = false
		n.DecidedBy = actor
		n.DecidedAt = &now
		n.Reason = reason
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	t.decisionRecorded(ctx, next, false)
	t.emit(notify.ActionRejected, next, reason)
	return next, nil
}

// Start moves an approved action to running once a concurrency slot is held.
// Without a free slot the action stays approved and the returned error is
// CapacityExceeded together with the unchanged action; Start may be retried.
func (t *Tracker) Start(ctx context.Context, id string) (*models.Action, error) {
	ctx, span := tracing.StartSpan(ctx, "lifecycle.start", attribute.String("action_id", id))
	defer span.End()

	cur, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.State, models.StateRunning) {
		return nil, illegal(cur, models.StateRunning)
	}

	tier := t.tierOf(ctx, cur.WorkspaceID)
	res, err := t.slots.TryAcquire(ctx, cur.WorkspaceID, tier)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, models.Internal("failed to acquire concurrency slot", err)
	}
	if !res.Allowed {
		t.logger.Info("Action held back by concurrency limit",
			zap.String("action_id", id),
			zap.String("workspace_id", cur.WorkspaceID),
			zap.Int("running", res.CurrentRuns),
			zap.Int("limit", res.Limit),
		)
		err := &models.Error{
			Kind:       models.KindCapacityExceeded,
			Message:    res.Reason,
			Suggestion: "retry start once a running action of this workspace finishes",
		}
		tracing.RecordError(span, err)
		return cur, err
	}

	next, err := t.apply(ctx, cur, models.StateRunning, models.SystemActor, "", func(n *models.Action, now time.Time) {
		n.StartedAt = &now
	})
	if err != nil {
		t.releaseSlot(ctx, cur.WorkspaceID, id)
		tracing.RecordError(span, err)
		return nil, err
	}

	if err := t.registry.ExecutionStarted(ctx, next.AgentID, *next.StartedAt); err != nil {
		t.logger.Warn("Failed to update agent running count", zap.String("agent_id", next.AgentID), zap.Error(err))
	}
	t.emit(notify.ActionStarted, next, "")
	return next, nil
}

// Complete finishes a running action successfully.
func (t *Tracker) Complete(ctx context.Context, id string) (*models.Action, error) {
	return t.finish(ctx, id, models.StateCompleted, "")
}

// Fail finishes a running action unsuccessfully. Failures are never retried here.
func (t *Tracker) Fail(ctx context.Context, id, reason string) (*models.Action, error) {
	return t.finish(ctx, id, models.StateFailed, reason)
}

func (t *Tracker) finish(ctx context.Context, id string, to models.State, reason string) (*models.Action, error) {
	ctx, span := tracing.StartSpan(ctx, "lifecycle.finish",
		attribute.String("action_id", id),
		attribute.String("state", string(to)),
	)
	defer span.End()

	next, err := t.transition(ctx, id, to, "", reason, func(cur *models.Action) string {
		return cur.AgentID
	}, func(n *models.Action, now time.Time) {
		n.CompletedAt = &now
		n.Reason = reason
		if n.StartedAt != nil {
			d := now.Sub(*n.StartedAt).Milliseconds()
			n.DurationMs = &d
		}
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	t.releaseSlot(ctx, next.WorkspaceID, id)
	if err := t.registry.ExecutionFinished(ctx, next.AgentID, *next.CompletedAt); err != nil {
		t.logger.Warn("Failed to update agent execution counts", zap.String("agent_id", next.AgentID), zap.Error(err))
	}
	if next.DurationMs != nil {
		metrics.RecordActionFinished(next.ActionType, string(to), *next.DurationMs)
	}

	if to == models.StateCompleted {
		t.emit(notify.ActionCompleted, next, "")
	} else {
		t.emit(notify.ActionFailed, next, reason)
	}
	return next, nil
}

// Cancel stops an action that has not reached a terminal state. Only a running
// action holds a slot, so only that path releases one.
func (t *Tracker) Cancel(ctx context.Context, id, actor, reason string) (*models.Action, error) {
	ctx, span := tracing.StartSpan(ctx, "lifecycle.cancel", attribute.String("action_id", id))
	defer span.End()

	var from models.State
	next, err := t.transition(ctx, id, models.StateCancelled, actor, reason, func(cur *models.Action) string {
		from = cur.State
		return actor
	}, func(n *models.Action, now time.Time) {
		n.CompletedAt = &now
		n.Reason = reason
		if n.StartedAt != nil {
			d := now.Sub(*n.StartedAt).Milliseconds()
			n.DurationMs = &d
		}
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	if from == models.StateRunning {
		t.releaseSlot(ctx, next.WorkspaceID, id)
		if err := t.registry.ExecutionAborted(ctx, next.AgentID); err != nil {
			t.logger.Warn("Failed to update agent running count", zap.String("agent_id", next.AgentID), zap.Error(err))
		}
	}
	t.emit(notify.ActionCancelled, next, reason)
	return next, nil
}

// transition loads the action, checks the edge and applies it. actorFn, when set,
// derives the audit actor from the current action.
func (t *Tracker) transition(
	ctx context.Context,
	id string,
	to models.State,
	actor, reason string,
	actorFn func(cur *models.Action) string,
	mutate func(n *models.Action, now time.Time),
) (*models.Action, error) {
	cur, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.State, to) {
		return nil, illegal(cur, to)
	}
	if actorFn != nil {
		actor = actorFn(cur)
	}
	return t.apply(ctx, cur, to, actor, reason, mutate)
}

func (t *Tracker) apply(
	ctx context.Context,
	cur *models.Action,
	to models.State,
	actor, reason string,
	mutate func(n *models.Action, now time.Time),
) (*models.Action, error) {
	now := t.clock()
	if !now.After(cur.UpdatedAt) {
		// entries of one action must have strictly increasing timestamps
		now = cur.UpdatedAt.Add(time.Microsecond)
	}

	next := cur.Clone()
	next.State = to
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if mutate != nil {
		mutate(next, now)
	}

	if err := t.store.Update(ctx, next, cur.State); err != nil {
		if errors.Is(err, actions.ErrConflict) {
			metrics.TransitionConflicts.Inc()
			latest, getErr := t.store.Get(ctx, cur.ID)
			if getErr != nil {
				return nil, getErr
			}
			t.logger.Debug("Lost transition race",
				zap.String("action_id", cur.ID),
				zap.String("wanted", string(to)),
				zap.String("actual", string(latest.State)),
			)
			return nil, illegal(latest, to)
		}
		return nil, err
	}

	metrics.RecordTransition(string(cur.State), string(to))
	t.record(ctx, next, cur.State, actor, reason)
	t.logger.Debug("Action transitioned",
		zap.String("action_id", next.ID),
		zap.String("from", string(cur.State)),
		zap.String("to", string(to)),
		zap.Int("version", next.Version),
	)
	return next, nil
}

func (t *Tracker) record(ctx context.Context, a *models.Action, from models.State, actor, reason string) {
	if t.audit == nil {
		return
	}
	t.audit.Append(ctx, audit.Entry{
		ID:           uuid.New().String(),
		ActionID:     a.ID,
		Seq:          int64(a.Version),
		WorkspaceID:  a.WorkspaceID,
		TeamID:       a.TeamID,
		AgentID:      a.AgentID,
		ActionType:   a.ActionType,
		RiskTier:     a.RiskTier,
		FromState:    from,
		ToState:      a.State,
		Success:      audit.SuccessFor(a.State),
		WasAutomatic: a.WasAutomatic,
		Actor:        actor,
		Reason:       reason,
		Timestamp:    a.UpdatedAt,
	})
}

func (t *Tracker) emit(eventType string, a *models.Action, message string) {
	t.notifier.Emit(streaming.Event{
		WorkspaceID: a.WorkspaceID,
		Type:        eventType,
		ActionID:    a.ID,
		AgentID:     a.AgentID,
		TeamID:      a.TeamID,
		ActionType:  a.ActionType,
		State:       string(a.State),
		Actor:       a.DecidedBy,
		Message:     message,
		Timestamp:   a.UpdatedAt,
	})
}

func (t *Tracker) decisionRecorded(ctx context.Context, a *models.Action, approved bool) {
	if err := t.registry.DecisionRecorded(ctx, a.TeamID, approved, *a.DecidedAt); err != nil {
		t.logger.Warn("Failed to update team decision counters", zap.String("team_id", a.TeamID), zap.Error(err))
	}
}

func (t *Tracker) releaseSlot(ctx context.Context, workspaceID, actionID string) {
	if err := t.slots.Release(context.WithoutCancel(ctx), workspaceID); err != nil {
		t.logger.Error("Failed to release concurrency slot",
			zap.String("workspace_id", workspaceID),
			zap.String("action_id", actionID),
			zap.Error(err),
		)
	}
}

// tierOf resolves the workspace tier; unknown workspaces get the free tier limits.
func (t *Tracker) tierOf(ctx context.Context, workspaceID string) models.Tier {
	tier, err := t.registry.GetTier(ctx, workspaceID)
	if err != nil {
		t.logger.Warn("Falling back to free tier limits",
			zap.String("workspace_id", workspaceID),
			zap.Error(err),
		)
		return models.TierFree
	}
	return tier
}

func (t *Tracker) clock() time.Time {
	return t.now().UTC().Truncate(time.Microsecond)
}

func illegal(cur *models.Action, to models.State) error {
	return models.InvalidTransitionf("action %s is %s and cannot move to %s", cur.ID, cur.State, to)
}
