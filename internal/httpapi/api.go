package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/actions"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/approval"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/audit"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/auth"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/policy"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/routing"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/server"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/streaming"
)

// Orchestrator is the service surface the REST layer drives.
type Orchestrator interface {
	Submit(ctx context.Context, req server.SubmitRequest) (*server.SubmitResult, error)
	Route(ctx context.Context, req routing.Request) (*routing.Assignment, error)
	Decide(ctx context.Context, in policy.Input) (*policy.Decision, error)
	ListPending(ctx context.Context, filter actions.PendingFilter) ([]*models.Action, error)
	Approve(ctx context.Context, workspaceID, actionID, approver string) (*models.Action, error)
	Reject(ctx context.Context, workspaceID, actionID, approver, reason string) (*models.Action, error)
	BulkApprove(ctx context.Context, workspaceID string, ids []string, approver string) ([]approval.Outcome, error)
	BulkReject(ctx context.Context, workspaceID string, ids []string, approver, reason string) ([]approval.Outcome, error)
	GetAction(ctx context.Context, workspaceID, actionID string) (*models.Action, error)
	ActionHistory(ctx context.Context, workspaceID, actionID string) (*server.History, error)
	Start(ctx context.Context, workspaceID, actionID string) (*models.Action, error)
	Complete(ctx context.Context, workspaceID, actionID string) (*models.Action, error)
	Fail(ctx context.Context, workspaceID, actionID, reason string) (*models.Action, error)
	Cancel(ctx context.Context, workspaceID, actionID, actor, reason string) (*models.Action, error)
	QueryAudit(ctx context.Context, f audit.Filter, limit, offset int) ([]audit.Entry, error)
	GetMetrics(ctx context.Context, workspaceID string) (*server.WorkspaceMetrics, error)
}

// Handler serves the orchestrator REST API.
type Handler struct {
	svc     Orchestrator
	hub     *streaming.Manager
	auth    *auth.Middleware
	limiter *RateLimiter
	logger  *zap.Logger
}

// NewHandler wires the API. hub and limiter may be nil.
func NewHandler(svc Orchestrator, hub *streaming.Manager, authMw *auth.Middleware, limiter *RateLimiter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, hub: hub, auth: authMw, limiter: limiter, logger: logger}
}

// RegisterRoutes registers every API route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	h.route(mux, "POST /api/v1/route", auth.ScopeActionsRead, h.handleRoute)
	h.route(mux, "POST /api/v1/decide", auth.ScopeActionsRead, h.handleDecide)
	h.route(mux, "POST /api/v1/tasks", auth.ScopeActionsWrite, h.handleSubmit)

	h.route(mux, "GET /api/v1/approvals", auth.ScopeActionsRead, h.handleListPending)
	h.route(mux, "POST /api/v1/approvals/{id}/approve", auth.ScopeApprove, h.handleApprove)
	h.route(mux, "POST /api/v1/approvals/{id}/reject", auth.ScopeApprove, h.handleReject)
	h.route(mux, "POST /api/v1/approvals/bulk-approve", auth.ScopeApprove, h.handleBulkApprove)
	h.route(mux, "POST /api/v1/approvals/bulk-reject", auth.ScopeApprove, h.handleBulkReject)

	h.route(mux, "GET /api/v1/actions/{id}", auth.ScopeActionsRead, h.handleGetAction)
	h.route(mux, "GET /api/v1/actions/{id}/history", auth.ScopeActionsRead, h.handleHistory)
	h.route(mux, "POST /api/v1/actions/{id}/start", auth.ScopeActionsWrite, h.handleStart)
	h.route(mux, "POST /api/v1/actions/{id}/complete", auth.ScopeActionsWrite, h.handleComplete)
	h.route(mux, "POST /api/v1/actions/{id}/fail", auth.ScopeActionsWrite, h.handleFail)
	h.route(mux, "POST /api/v1/actions/{id}/cancel", auth.ScopeActionsWrite, h.handleCancel)

	h.route(mux, "GET /api/v1/audit", auth.ScopeAuditRead, h.handleAudit)
	h.route(mux, "GET /api/v1/metrics", auth.ScopeActionsRead, h.handleMetrics)

	if h.hub != nil {
		h.route(mux, "GET /api/v1/stream/ws", auth.ScopeActionsRead, h.handleWS)
		h.route(mux, "GET /api/v1/stream/sse", auth.ScopeActionsRead, h.handleSSE)
	}
}

// route wraps fn as instrument -> auth -> rate limit -> scope -> fn.
func (h *Handler) route(mux *http.ServeMux, pattern, scope string, fn http.HandlerFunc) {
	var next http.Handler = auth.RequireScope(scope, fn)
	if h.limiter != nil {
		next = h.limiter.Middleware(next)
	}
	if h.auth != nil {
		next = h.auth.HTTPMiddleware(next)
	}
	_, path, _ := strings.Cut(pattern, " ")
	mux.Handle(pattern, h.instrument(path, next))
}

func principal(r *http.Request) *auth.Principal {
	p, err := auth.FromContext(r.Context())
	if err != nil {
		// RequireScope already rejected unauthenticated requests
		return &auth.Principal{}
	}
	return p
}

func (h *Handler) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routing.Request
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	req.WorkspaceID = principal(r).WorkspaceID
	assignment, err := h.svc.Route(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	var in policy.Input
	if err := decode(r, &in, false); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	in.WorkspaceID = principal(r).WorkspaceID
	d, err := h.svc.Decide(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req server.SubmitRequest
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	req.WorkspaceID = principal(r).WorkspaceID
	result, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		if result != nil && models.KindOf(err) == models.KindCapacityExceeded {
			// the action exists and stays approved; callers retry via start
			h.writeError(w, r, err, map[string]interface{}{
				"action":     result.Action,
				"assignment": result.Assignment,
				"decision":   result.Decision,
			})
			return
		}
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	pending, err := h.svc.ListPending(r.Context(), actions.PendingFilter{
		WorkspaceID: principal(r).WorkspaceID,
		TeamID:      q.Get("team_id"),
		AgentID:     q.Get("agent_id"),
		ActionType:  q.Get("action_type"),
		RiskTier:    models.RiskTier(q.Get("risk_tier")),
		Limit:       limit,
	})
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	if pending == nil {
		pending = []*models.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": pending, "count": len(pending)})
}

type decisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := decode(r, &body, true); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	p := principal(r)
	a, err := h.svc.Approve(r.Context(), p.WorkspaceID, r.PathValue("id"), p.UserID)
	h.writeAction(w, r, a, err)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := decode(r, &body, true); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	p := principal(r)
	a, err := h.svc.Reject(r.Context(), p.WorkspaceID, r.PathValue("id"), p.UserID, body.Reason)
	h.writeAction(w, r, a, err)
}

type bulkRequest struct {
	ActionIDs []string `json:"action_ids"`
	Reason    string   `json:"reason,omitempty"`
}

func (h *Handler) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	var body bulkRequest
	if err := decode(r, &body, false); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	p := principal(r)
	outcomes, err := h.svc.BulkApprove(r.Context(), p.WorkspaceID, body.ActionIDs, p.UserID)
	h.writeBulk(w, r, outcomes, err)
}

func (h *Handler) handleBulkReject(w http.ResponseWriter, r *http.Request) {
	var body bulkRequest
	if err := decode(r, &body, false); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	p := principal(r)
	outcomes, err := h.svc.BulkReject(r.Context(), p.WorkspaceID, body.ActionIDs, p.UserID, body.Reason)
	h.writeBulk(w, r, outcomes, err)
}

func (h *Handler) writeBulk(w http.ResponseWriter, r *http.Request, outcomes []approval.Outcome, err error) {
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	succeeded := 0
	for _, o := range outcomes {
		if o.Success {
			succeeded++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":   outcomes,
		"succeeded": succeeded,
		"failed":    len(outcomes) - succeeded,
	})
}

func (h *Handler) handleGetAction(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetAction(r.Context(), principal(r).WorkspaceID, r.PathValue("id"))
	h.writeAction(w, r, a, err)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.svc.ActionHistory(r.Context(), principal(r).WorkspaceID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Start(r.Context(), principal(r).WorkspaceID, r.PathValue("id"))
	h.writeAction(w, r, a, err)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Complete(r.Context(), principal(r).WorkspaceID, r.PathValue("id"))
	h.writeAction(w, r, a, err)
}

func (h *Handler) handleFail(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := decode(r, &body, true); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	a, err := h.svc.Fail(r.Context(), principal(r).WorkspaceID, r.PathValue("id"), body.Reason)
	h.writeAction(w, r, a, err)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := decode(r, &body, true); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	p := principal(r)
	a, err := h.svc.Cancel(r.Context(), p.WorkspaceID, r.PathValue("id"), p.UserID, body.Reason)
	h.writeAction(w, r, a, err)
}

// writeAction renders a single-action result. A capacity error that still carries the
// action returns 429 with the action attached.
func (h *Handler) writeAction(w http.ResponseWriter, r *http.Request, a *models.Action, err error) {
	if err != nil {
		var extra map[string]interface{}
		if a != nil {
			extra = map[string]interface{}{"action": a}
		}
		h.writeError(w, r, err, extra)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		WorkspaceID: principal(r).WorkspaceID,
		ActionID:    q.Get("action_id"),
		TeamID:      q.Get("team_id"),
		AgentID:     q.Get("agent_id"),
		ActionType:  q.Get("action_type"),
	}
	var err error
	if f.WasAutomatic, err = boolParam(q.Get("was_automatic"), "was_automatic"); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	if f.Success, err = boolParam(q.Get("success"), "success"); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	if f.From, err = timeParam(q.Get("from"), "from"); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	if f.To, err = timeParam(q.Get("to"), "to"); err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	entries, err := h.svc.QueryAudit(r.Context(), f, limit, offset)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetMetrics(r.Context(), principal(r).WorkspaceID)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, models.Validationf("%s must be an integer", name)
	}
	return n, nil
}

func boolParam(raw, name string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, models.Validationf("%s must be true or false", name)
	}
	return &b, nil
}

func timeParam(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, &models.Error{
			Kind:       models.KindValidation,
			Message:    name + " is not a valid timestamp",
			Suggestion: "use RFC 3339, for example 2024-01-02T15:04:05Z",
		}
	}
	return &t, nil
}
