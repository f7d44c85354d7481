package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/server"
)

func TestClientSendsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ok_secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "ws-1", r.Header.Get("X-Workspace-ID"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"actions":[{"id":"a-1","state":"pending"}],"count":1}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL+"/", "ok_secret", "", "ws-1", time.Second)
	var out struct {
		Actions []models.Action `json:"actions"`
		Count   int             `json:"count"`
	}
	require.NoError(t, c.do(context.Background(), http.MethodGet, "/api/v1/approvals", url.Values{"limit": {"10"}}, nil, &out))
	require.Len(t, out.Actions, 1)
	assert.Equal(t, models.StatePending, out.Actions[0].State)
}

func TestClientBearerTokenWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-API-Key"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newClient(srv.URL, "ok_secret", "tok", "", time.Second)
	require.NoError(t, c.do(context.Background(), http.MethodGet, "/", nil, nil, nil))
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{
			"error": {"code":"capacity_exceeded","message":"workspace has 2 running actions","suggestion":"retry later","retryable":true},
			"action": {"id":"a-9","state":"approved"}
		}`))
	}))
	defer srv.Close()

	var res server.SubmitResult
	err := newClient(srv.URL, "", "", "", time.Second).do(context.Background(), http.MethodPost, "/api/v1/tasks", nil, map[string]string{}, &res)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "capacity_exceeded", apiErr.Code)
	assert.True(t, apiErr.Retryable)
	assert.Contains(t, apiErr.Error(), "hint: retry later")

	require.NotNil(t, res.Action, "the held action is still decoded")
	assert.Equal(t, "a-9", res.Action.ID)
	assert.Equal(t, models.StateApproved, res.Action.State)
}

func TestClientNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newClient(srv.URL, "", "", "", time.Second).do(context.Background(), http.MethodGet, "/", nil, nil, nil)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "http_error", apiErr.Code)
	assert.Equal(t, "bad gateway", apiErr.Message)
}

func TestIsMutation(t *testing.T) {
	assert.True(t, isMutation("/api/v1/approvals/a-1/approve"))
	assert.True(t, isMutation("/api/v1/actions/a-1/start"))
	assert.False(t, isMutation("/api/v1/actions/a-1"))
}
