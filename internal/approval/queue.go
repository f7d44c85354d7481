package approval

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/actions"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/lifecycle"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/metrics"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// MaxBulk is the largest id list accepted by the bulk operations.
const MaxBulk = 100

// Outcome is the per-id result of a bulk operation.
type Outcome struct {
	ActionID  string       `json:"action_id"`
	Success   bool         `json:"success"`
	State     models.State `json:"state,omitempty"`
	Code      models.Kind  `json:"code,omitempty"`
	Error     string       `json:"error,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
}

// Queue serves the human side of the autonomy policy: listing pending actions and deciding them.
type Queue struct {
	store   actions.Store
	tracker *lifecycle.Tracker
	logger  *zap.Logger
}

func NewQueue(store actions.Store, tracker *lifecycle.Tracker, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: store, tracker: tracker, logger: logger}
}

// ListPending returns the workspace's pending actions, highest priority and oldest first.
func (q *Queue) ListPending(ctx context.Context, filter actions.PendingFilter) ([]*models.Action, error) {
	if filter.WorkspaceID == "" {
		return nil, models.Validationf("workspace_id is required")
	}
	if filter.RiskTier != "" {
		switch filter.RiskTier {
		case models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical:
		default:
			return nil, models.Validationf("unknown risk tier %q", filter.RiskTier)
		}
	}
	if filter.Limit < 0 {
		return nil, models.Validationf("limit must be non-negative")
	}
	return q.store.ListPending(ctx, filter)
}

// Approve approves a pending action and starts it. Approving an action that was
// already approved is a no-op success; one left approved by a full workspace is
// retried into running. When no slot is free the approved action is returned
// together with a CapacityExceeded error.
func (q *Queue) Approve(ctx context.Context, actionID, approver string) (*models.Action, error) {
	if approver == "" {
		return nil, models.Validationf("approver is required")
	}
	a, err := q.approve(ctx, actionID, approver)
	if err == nil {
		metrics.ApprovalDecisions.WithLabelValues("approve", "single").Inc()
	}
	return a, err
}

func (q *Queue) approve(ctx context.Context, actionID, approver string) (*models.Action, error) {
	// a lost race re-reads the action once and follows whatever state won
	for attempt := 0; ; attempt++ {
		cur, err := q.tracker.Get(ctx, actionID)
		if err != nil {
			return nil, err
		}

		var a *models.Action
		switch cur.State {
		case models.StatePending:
			a, err = q.tracker.Approve(ctx, actionID, approver, false, "approved by "+approver)
			if err == nil {
				q.logger.Info("Action approved",
					zap.String("action_id", actionID),
					zap.String("approver", approver),
				)
				a, err = q.tracker.Start(ctx, actionID)
			}
		case models.StateApproved:
			a, err = q.tracker.Start(ctx, actionID)
		case models.StateRunning, models.StateCompleted, models.StateFailed:
			return cur, nil
		default:
			return nil, models.InvalidTransitionf("action %s is %s and cannot be approved", actionID, cur.State)
		}

		if err != nil && errors.Is(err, models.ErrInvalidTransition) && attempt == 0 {
			continue
		}
		return a, err
	}
}

// Reject rejects a pending action. The reason is required.
func (q *Queue) Reject(ctx context.Context, actionID, approver, reason string) (*models.Action, error) {
	if approver == "" {
		return nil, models.Validationf("approver is required")
	}
	a, err := q.tracker.Reject(ctx, actionID, approver, reason)
	if err != nil {
		return nil, err
	}
	metrics.ApprovalDecisions.WithLabelValues("reject", "single").Inc()
	q.logger.Info("Action rejected",
		zap.String("action_id", actionID),
		zap.String("approver", approver),
		zap.String("reason", reason),
	)
	return a, nil
}

// BulkApprove approves up to MaxBulk actions. The list is validated before anything changes.
func (q *Queue) BulkApprove(ctx context.Context, ids []string, approver string) ([]Outcome, error) {
	ids, err := ValidateBulk(ids, approver)
	if err != nil {
		return nil, err
	}
	out := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		a, err := q.approve(ctx, id, approver)
		o := outcome(id, a, err)
		if err == nil {
			metrics.ApprovalDecisions.WithLabelValues("approve", "bulk").Inc()
		}
		out = append(out, o)
	}
	q.logSummary("approve", approver, out)
	return out, nil
}

// BulkReject rejects up to MaxBulk actions with one shared reason.
func (q *Queue) BulkReject(ctx context.Context, ids []string, approver, reason string) ([]Outcome, error) {
	ids, err := ValidateBulk(ids, approver)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, models.Validationf("a rejection reason is required")
	}
	out := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		a, err := q.tracker.Reject(ctx, id, approver, reason)
		if err == nil {
			metrics.ApprovalDecisions.WithLabelValues("reject", "bulk").Inc()
		}
		out = append(out, outcome(id, a, err))
	}
	q.logSummary("reject", approver, out)
	return out, nil
}

func (q *Queue) logSummary(op, approver string, out []Outcome) {
	ok := 0
	for _, o := range out {
		if o.Success {
			ok++
		}
	}
	q.logger.Info("Bulk decision processed",
		zap.String("operation", op),
		zap.String("approver", approver),
		zap.Int("requested", len(out)),
		zap.Int("succeeded", ok),
	)
}

// ValidateBulk checks the size bounds and drops duplicate ids, keeping first occurrences.
func ValidateBulk(ids []string, approver string) ([]string, error) {
	if approver == "" {
		return nil, models.Validationf("approver is required")
	}
	if len(ids) == 0 || len(ids) > MaxBulk {
		return nil, &models.Error{
			Kind:       models.KindValidation,
			Message:    "bulk operations accept between 1 and 100 action ids",
			Suggestion: "split the request into batches of at most 100 ids",
		}
	}
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, models.Validationf("action ids must not be empty")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique, nil
}

func outcome(id string, a *models.Action, err error) Outcome {
	o := Outcome{ActionID: id, Success: err == nil}
	if a != nil {
		o.State = a.State
	}
	if err != nil {
		o.Code = models.KindOf(err)
		o.Error = err.Error()
		o.Retryable = o.Code == models.KindCapacityExceeded
	}
	return o
}
