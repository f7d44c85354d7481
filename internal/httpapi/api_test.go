package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/actions"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/admission"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/agents"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/approval"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/audit"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/auth"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/lifecycle"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/policy"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/routing"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/server"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/streaming"
)

const registryYAML = `
workspaces:
  - id: ws-free
    tier: free
  - id: ws-pro
    tier: professional
teams:
  - id: free-ops
    workspace_id: ws-free
    department: operations
    autonomy_level: autonomous
  - id: pro-sales
    workspace_id: ws-pro
    department: sales
    autonomy_level: supervised
agents:
  - id: free-analyst
    workspace_id: ws-free
    name: Analyst
    team_id: free-ops
    capabilities: [research, analytics, data]
  - id: pro-outreach
    workspace_id: ws-pro
    name: Outreach
    team_id: pro-sales
    capabilities: [email, crm]
`

type fixture struct {
	mux *http.ServeMux
	hub *streaming.Manager
}

func newFixture(t *testing.T, limiter *RateLimiter) *fixture {
	t.Helper()
	seed, err := agents.LoadSeed(strings.NewReader(registryYAML))
	require.NoError(t, err)
	registry := agents.NewMemoryStore(zap.NewNop())
	require.NoError(t, registry.Load(seed))

	slots, err := admission.NewMemoryController(nil, zap.NewNop())
	require.NoError(t, err)
	router, err := routing.NewRouter(registry, routing.DefaultWeights(), zap.NewNop())
	require.NoError(t, err)
	engine, err := policy.NewEngine(registry, policy.DefaultConfig(), nil, zap.NewNop())
	require.NoError(t, err)

	store := actions.NewMemoryStore()
	auditLog := audit.NewLog(audit.NewMemoryStore(), zap.NewNop())
	tracker := lifecycle.NewTracker(store, registry, slots, auditLog, nil, zap.NewNop())

	svc, err := server.NewOrchestratorService(server.Deps{
		Registry: registry,
		Actions:  store,
		Gate:     admission.NewRequestGate(0, 0),
		Slots:    slots,
		Router:   router,
		Policy:   engine,
		Tracker:  tracker,
		Queue:    approval.NewQueue(store, tracker, zap.NewNop()),
		Audit:    auditLog,
	}, zap.NewNop())
	require.NoError(t, err)

	hub := streaming.NewManager(16, nil)
	mw := auth.NewMiddleware(nil, nil, true, "", nil)
	mux := http.NewServeMux()
	NewHandler(svc, hub, mw, limiter, zaptest.NewLogger(t)).RegisterRoutes(mux)
	return &fixture{mux: mux, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path, workspace string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if workspace != "" {
		req.Header.Set(auth.HeaderWorkspaceID, workspace)
	}
	req.Header.Set(auth.HeaderUserID, "user-1")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func research() map[string]interface{} {
	return map[string]interface{}{"task_type": "market_research", "action_type": "research"}
}

func TestSubmitAndCapacity(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 2; i++ {
		rec, body := f.do(t, http.MethodPost, "/api/v1/tasks", "ws-free", research())
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		action := body["action"].(map[string]interface{})
		assert.Equal(t, "running", action["state"])
		assert.Equal(t, "ws-free", action["workspace_id"])
	}

	rec, body := f.do(t, http.MethodPost, "/api/v1/tasks", "ws-free", research())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "capacity_exceeded", errorCode(body))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	held := body["action"].(map[string]interface{})
	assert.Equal(t, "approved", held["state"])

	// starting the held action is refused again while both slots are busy
	rec, body = f.do(t, http.MethodPost, "/api/v1/actions/"+held["id"].(string)+"/start", "ws-free", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "approved", body["action"].(map[string]interface{})["state"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/metrics", "ws-free", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["running"])
}

func TestErrorEnvelope(t *testing.T) {
	f := newFixture(t, nil)

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"unknown action type", http.MethodPost, "/api/v1/tasks", map[string]interface{}{"action_type": "launch_rocket"}, http.StatusBadRequest, "validation_error"},
		{"unknown field", http.MethodPost, "/api/v1/tasks", map[string]interface{}{"action_type": "research", "rocket": true}, http.StatusBadRequest, "validation_error"},
		{"missing action", http.MethodGet, "/api/v1/actions/nope", nil, http.StatusNotFound, "not_found"},
		{"bad audit timestamp", http.MethodGet, "/api/v1/audit?from=yesterday", nil, http.StatusBadRequest, "validation_error"},
		{"bad audit flag", http.MethodGet, "/api/v1/audit?was_automatic=maybe", nil, http.StatusBadRequest, "validation_error"},
		{"empty bulk", http.MethodPost, "/api/v1/approvals/bulk-approve", map[string]interface{}{"action_ids": []string{}}, http.StatusBadRequest, "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := f.do(t, tc.method, tc.path, "ws-pro", tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, errorCode(body))
		})
	}

	rec, body := f.do(t, http.MethodGet, "/api/v1/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(body))
}

func TestApprovalFlow(t *testing.T) {
	f := newFixture(t, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		rec, body := f.do(t, http.MethodPost, "/api/v1/tasks", "ws-pro", map[string]interface{}{
			"task_type":   "follow_up",
			"action_type": "send_email",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		action := body["action"].(map[string]interface{})
		require.Equal(t, "pending", action["state"])
		ids = append(ids, action["id"].(string))
	}

	rec, body := f.do(t, http.MethodGet, "/api/v1/approvals", "ws-pro", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["count"])

	// other workspaces cannot see or decide the action
	rec, body = f.do(t, http.MethodPost, "/api/v1/approvals/"+ids[0]+"/approve", "ws-free", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(body))

	rec, body = f.do(t, http.MethodPost, "/api/v1/approvals/"+ids[0]+"/reject", "ws-pro", map[string]string{"reason": "wrong list"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rejected", body["state"])
	assert.Equal(t, "user-1", body["decided_by"])

	rec, body = f.do(t, http.MethodPost, "/api/v1/approvals/"+ids[0]+"/approve", "ws-pro", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(body))

	rec, body = f.do(t, http.MethodPost, "/api/v1/approvals/bulk-approve", "ws-pro", map[string]interface{}{
		"action_ids": []string{ids[1], ids[2], "missing"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, body["succeeded"])
	assert.EqualValues(t, 1, body["failed"])
	results := body["results"].([]interface{})
	require.Len(t, results, 3)
	assert.Equal(t, "missing", results[2].(map[string]interface{})["action_id"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/actions/"+ids[1]+"/history", "ws-pro", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["consistent"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/audit?action_id="+ids[0]+"&limit=10", "ws-pro", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"], "created and rejected")
}

func TestRateLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := newFixture(t, NewRateLimiter(client, 3, time.Minute, zaptest.NewLogger(t)))

	for i := 0; i < 3; i++ {
		rec, _ := f.do(t, http.MethodGet, "/api/v1/metrics", "ws-pro", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	}
	rec, body := f.do(t, http.MethodGet, "/api/v1/metrics", "ws-pro", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errorCode(body))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// budgets are per workspace
	rec, _ = f.do(t, http.MethodGet, "/api/v1/metrics", "ws-free", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Redis outages fail open
	mr.Close()
	rec, _ = f.do(t, http.MethodGet, "/api/v1/metrics", "ws-pro", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebsocketReplay(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	for _, typ := range []string{"action.queued", "action.approved", "action.started"} {
		f.hub.Publish("ws-pro", streaming.Event{Type: typ, ActionID: "a-1"})
	}
	f.hub.Publish("ws-free", streaming.Event{Type: "action.queued", ActionID: "b-1"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream/ws?last_event_id=1&workspace_id=ws-pro"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev streaming.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "action.approved", ev.Type)
	assert.Equal(t, uint64(2), ev.Seq)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "action.started", ev.Type)

	// live events follow the replay without gaps or duplicates
	go func() {
		time.Sleep(50 * time.Millisecond)
		f.hub.Publish("ws-pro", streaming.Event{Type: "action.completed", ActionID: "a-1"})
	}()
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "action.completed", ev.Type)
	assert.Equal(t, uint64(4), ev.Seq)
	assert.Equal(t, "ws-pro", ev.WorkspaceID)
}

func TestStatusForKinds(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(models.KindNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(models.KindInvalidTransition))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(models.KindCapacityExceeded))
	assert.Equal(t, http.StatusBadRequest, statusFor(models.KindValidation))
	assert.Equal(t, http.StatusInternalServerError, statusFor(models.KindInternal))
}

func TestEnvelopeRetryable(t *testing.T) {
	status, body := envelope(fmt.Errorf("start: %w", &models.Error{Kind: models.KindCapacityExceeded, Message: "full"}))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.True(t, body.Retryable)
	assert.Equal(t, "full", body.Message)

	_, body = envelope(models.NotFoundf("action a-1 not found"))
	assert.False(t, body.Retryable)

	status, body = envelope(errors.New("connection reset"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.False(t, body.Retryable)
	assert.Equal(t, "internal error", body.Message)
}
