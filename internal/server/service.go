package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/actions"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/admission"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/agents"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/approval"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/audit"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/lifecycle"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/metrics"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/policy"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/routing"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/tracing"
)

// Deps wires the orchestration components into the service.
type Deps struct {
	Registry agents.Registry
	Actions  actions.Store
	Gate     *admission.RequestGate
	Slots    admission.Controller
	Router   *routing.Router
	Policy   *policy.Engine
	Tracker  *lifecycle.Tracker
	Queue    *approval.Queue
	Audit    *audit.Log
}

// OrchestratorService is the single entry point used by the HTTP API and the CLI.
// Every action-scoped call is checked against the caller's workspace; actions of
// other workspaces are reported as not found.
type OrchestratorService struct {
	deps   Deps
	logger *zap.Logger
}

func NewOrchestratorService(deps Deps, logger *zap.Logger) (*OrchestratorService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case deps.Registry == nil, deps.Actions == nil, deps.Slots == nil, deps.Router == nil,
		deps.Policy == nil, deps.Tracker == nil, deps.Queue == nil, deps.Audit == nil:
		return nil, errors.New("orchestrator service is missing a dependency")
	}
	return &OrchestratorService{deps: deps, logger: logger}, nil
}

// SubmitRequest is a task to route, classify and admit.
type SubmitRequest struct {
	routing.Request
	ActionType string                 `json:"action_type"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// SubmitResult carries everything decided for a submitted task.
type SubmitResult struct {
	Action     *models.Action      `json:"action"`
	Assignment *routing.Assignment `json:"assignment"`
	Decision   *policy.Decision    `json:"decision"`
}

// Submit runs the full pipeline: request gate, routing, autonomy decision, creation
// and, when auto-approved, start. A CapacityExceeded error may come with a result
// whose action is approved and waiting for a slot.
func (s *OrchestratorService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.submit",
		attribute.String("workspace_id", req.WorkspaceID),
		attribute.String("action_type", req.ActionType),
	)
	defer span.End()

	if req.WorkspaceID == "" {
		return nil, models.Validationf("workspace_id is required")
	}
	actionType := strings.ToLower(strings.TrimSpace(req.ActionType))
	if actionType == "" {
		return nil, models.Validationf("action_type is required")
	}
	if _, err := policy.Classify(actionType); err != nil {
		return nil, err
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Gate.Allow(req.WorkspaceID); err != nil {
		return nil, err
	}

	assignment, err := s.deps.Router.Route(ctx, req.Request)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	decision, err := s.deps.Policy.Decide(ctx, policy.Input{
		WorkspaceID: req.WorkspaceID,
		TeamID:      assignment.TeamID,
		AgentID:     assignment.AgentID,
		ActionType:  actionType,
		TaskType:    req.TaskType,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	a, err := s.deps.Tracker.Create(ctx, &models.Action{
		WorkspaceID: req.WorkspaceID,
		TeamID:      assignment.TeamID,
		AgentID:     assignment.AgentID,
		ActionType:  actionType,
		TaskType:    req.TaskType,
		Description: req.Description,
		RiskTier:    decision.RiskTier,
		Priority:    priority,
		Payload:     models.JSONMap(req.Payload),
		Confidence:  assignment.Confidence,
		RouteReason: assignment.Reason,
		Deadline:    req.Deadline,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	result := &SubmitResult{Action: a, Assignment: assignment, Decision: decision}

	outcome := "queued"
	if decision.AutoApprove {
		outcome = "auto"
	}
	metrics.ActionsSubmitted.WithLabelValues(string(decision.RiskTier), outcome).Inc()
	span.SetAttributes(attribute.String("action_id", a.ID), attribute.String("decision", outcome))

	s.logger.Info("Action submitted",
		zap.String("action_id", a.ID),
		zap.String("workspace_id", a.WorkspaceID),
		zap.String("agent_id", a.AgentID),
		zap.String("action_type", actionType),
		zap.String("risk_tier", string(decision.RiskTier)),
		zap.Bool("auto_approve", decision.AutoApprove),
	)

	if !decision.AutoApprove {
		s.deps.Tracker.Queue(a, decision.Reason)
		return result, nil
	}

	approved, err := s.deps.Tracker.Approve(ctx, a.ID, models.SystemActor, true, decision.Reason)
	if err != nil {
		tracing.RecordError(span, err)
		return result, err
	}
	result.Action = approved

	started, err := s.deps.Tracker.Start(ctx, a.ID)
	if started != nil {
		result.Action = started
	}
	if err != nil {
		tracing.RecordError(span, err)
	}
	return result, err
}

// Route assigns a task without creating anything.
func (s *OrchestratorService) Route(ctx context.Context, req routing.Request) (*routing.Assignment, error) {
	if err := s.deps.Gate.Allow(req.WorkspaceID); err != nil {
		return nil, err
	}
	return s.deps.Router.Route(ctx, req)
}

// Decide evaluates the autonomy policy for a hypothetical action.
func (s *OrchestratorService) Decide(ctx context.Context, in policy.Input) (*policy.Decision, error) {
	if in.WorkspaceID == "" {
		return nil, models.Validationf("workspace_id is required")
	}
	if in.TeamID != "" {
		if err := s.teamInWorkspace(ctx, in.WorkspaceID, in.TeamID); err != nil {
			return nil, err
		}
	}
	return s.deps.Policy.Decide(ctx, in)
}

// ListPending lists the approval queue of a workspace.
func (s *OrchestratorService) ListPending(ctx context.Context, filter actions.PendingFilter) ([]*models.Action, error) {
	return s.deps.Queue.ListPending(ctx, filter)
}

func (s *OrchestratorService) Approve(ctx context.Context, workspaceID, actionID, approver string) (*models.Action, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.approve", attribute.String("action_id", actionID))
	defer span.End()
	if _, err := s.owned(ctx, workspaceID, actionID); err != nil {
		return nil, err
	}
	return s.deps.Queue.Approve(ctx, actionID, approver)
}

func (s *OrchestratorService) Reject(ctx context.Context, workspaceID, actionID, approver, reason string) (*models.Action, error) {
	if _, err := s.owned(ctx, workspaceID, actionID); err != nil {
		return nil, err
	}
	return s.deps.Queue.Reject(ctx, actionID, approver, reason)
}

func (s *OrchestratorService) BulkApprove(ctx context.Context, workspaceID string, ids []string, approver string) ([]approval.Outcome, error) {
	return s.bulk(ctx, workspaceID, ids, approver, func(owned []string) ([]approval.Outcome, error) {
		return s.deps.Queue.BulkApprove(ctx, owned, approver)
	})
}

func (s *OrchestratorService) BulkReject(ctx context.Context, workspaceID string, ids []string, approver, reason string) ([]approval.Outcome, error) {
	if reason == "" {
		return nil, models.Validationf("a rejection reason is required")
	}
	return s.bulk(ctx, workspaceID, ids, approver, func(owned []string) ([]approval.Outcome, error) {
		return s.deps.Queue.BulkReject(ctx, owned, approver, reason)
	})
}

// bulk validates the whole request, splits the ids into owned and foreign ones,
// runs op on the owned ids and merges the outcomes back into request order.
func (s *OrchestratorService) bulk(
	ctx context.Context,
	workspaceID string,
	ids []string,
	approver string,
	op func(owned []string) ([]approval.Outcome, error),
) ([]approval.Outcome, error) {
	ids, err := approval.ValidateBulk(ids, approver)
	if err != nil {
		return nil, err
	}

	foreign := make(map[string]approval.Outcome)
	owned := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := s.owned(ctx, workspaceID, id); err != nil {
			if models.KindOf(err) != models.KindNotFound {
				return nil, err
			}
			foreign[id] = approval.Outcome{ActionID: id, Code: models.KindNotFound, Error: err.Error()}
			continue
		}
		owned = append(owned, id)
	}

	byID := make(map[string]approval.Outcome, len(ids))
	if len(owned) > 0 {
		results, err := op(owned)
		if err != nil {
			return nil, err
		}
		for _, o := range results {
			byID[o.ActionID] = o
		}
	}

	out := make([]approval.Outcome, 0, len(ids))
	for _, id := range ids {
		if o, ok := byID[id]; ok {
			out = append(out, o)
		} else {
			out = append(out, foreign[id])
		}
	}
	return out, nil
}

func (s *OrchestratorService) GetAction(ctx context.Context, workspaceID, actionID string) (*models.Action, error) {
	return s.owned(ctx, workspaceID, actionID)
}

// History is the audit trail of one action together with the state it replays to.
type History struct {
	ActionID     string        `json:"action_id"`
	CurrentState models.State  `json:"current_state"`
	Replayed     models.State  `json:"replayed_state,omitempty"`
	Consistent   bool          `json:"consistent"`
	ReplayError  string        `json:"replay_error,omitempty"`
	Entries      []audit.Entry `json:"entries"`
}

func (s *OrchestratorService) ActionHistory(ctx context.Context, workspaceID, actionID string) (*History, error) {
	a, err := s.owned(ctx, workspaceID, actionID)
	if err != nil {
		return nil, err
	}
	entries, err := s.deps.Audit.History(ctx, actionID)
	if err != nil {
		return nil, err
	}
	h := &History{ActionID: actionID, CurrentState: a.State, Entries: entries}
	state, err := lifecycle.Replay(entries)
	if err != nil {
		h.ReplayError = err.Error()
		return h, nil
	}
	h.Replayed = state
	h.Consistent = state == a.State
	return h, nil
}

func (s *OrchestratorService) Start(ctx context.Context, workspaceID, actionID string) (*models.Action, error) {
	if _, err := s.owned(ctx, workspaceID, actionID); err != nil {
		return nil, err
	}
	return s.deps.Tracker.Start(ctx, actionID)
}

func (s *OrchestratorService) Complete(ctx context.Context, workspaceID, actionID string) (*models.Action, error) {
	if _, err := s.owned(ctx, workspaceID, actionID); err != nil {
		return nil, err
	}
	return s.deps.Tracker.Complete(ctx, actionID)
}

func (s *OrchestratorService) Fail(ctx context.Context, workspaceID, actionID, reason string) (*models.Action, error) {
	if _, err := s.owned(ctx, workspaceID, actionID); err != nil {
		return nil, err
	}
	return s.deps.Tracker.Fail(ctx, actionID, reason)
}

func (s *OrchestratorService) Cancel(ctx context.Context, workspaceID, actionID, actor, reason string) (*models.Action, error) {
	if _, err := s.owned(ctx, workspaceID, actionID); err != nil {
		return nil, err
	}
	return s.deps.Tracker.Cancel(ctx, actionID, actor, reason)
}

// QueryAudit reads the audit log, newest first.
func (s *OrchestratorService) QueryAudit(ctx context.Context, f audit.Filter, limit, offset int) ([]audit.Entry, error) {
	return s.deps.Audit.Query(ctx, f, limit, offset)
}

// WorkspaceMetrics summarises one workspace for dashboards.
type WorkspaceMetrics struct {
	WorkspaceID    string               `json:"workspace_id"`
	Tier           models.Tier          `json:"tier"`
	ByState        map[models.State]int `json:"by_state"`
	Total          int                  `json:"total"`
	Decided        int                  `json:"decided"`
	AutomationRate float64              `json:"automation_rate"`
	Running        int                  `json:"running"`
	RunningLimit   int                  `json:"running_limit"`
	AvgDurationMs  float64              `json:"avg_duration_ms"`
	GeneratedAt    time.Time            `json:"generated_at"`
}

func (s *OrchestratorService) GetMetrics(ctx context.Context, workspaceID string) (*WorkspaceMetrics, error) {
	if workspaceID == "" {
		return nil, models.Validationf("workspace_id is required")
	}
	tier, err := s.deps.Registry.GetTier(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	stats, err := s.deps.Actions.Stats(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	running, err := s.deps.Slots.Running(ctx, workspaceID)
	if err != nil {
		return nil, models.Internal("failed to read running count", err)
	}

	m := &WorkspaceMetrics{
		WorkspaceID:   workspaceID,
		Tier:          tier,
		ByState:       stats.ByState,
		Total:         stats.Total,
		Decided:       stats.Decided,
		Running:       running,
		RunningLimit:  s.deps.Slots.Limits().For(tier),
		AvgDurationMs: stats.AvgDurationMs,
		GeneratedAt:   time.Now().UTC(),
	}
	if stats.Decided > 0 {
		m.AutomationRate = float64(stats.Automatic) / float64(stats.Decided)
	}
	return m, nil
}

func (s *OrchestratorService) owned(ctx context.Context, workspaceID, actionID string) (*models.Action, error) {
	a, err := s.deps.Actions.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if workspaceID != "" && a.WorkspaceID != workspaceID {
		return nil, models.NotFoundf("action %s not found", actionID)
	}
	return a, nil
}

func (s *OrchestratorService) teamInWorkspace(ctx context.Context, workspaceID, teamID string) error {
	team, err := s.deps.Registry.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if team.WorkspaceID != workspaceID {
		return models.NotFoundf("team %s not found", teamID)
	}
	return nil
}
