package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Dev-mode headers honoured when auth is skipped, so workspace isolation can be exercised
// without real credentials.
const (
	HeaderWorkspaceID = "X-Workspace-ID"
	HeaderUserID      = "X-User-ID"
	HeaderAPIKey      = "X-API-Key"
)

// Middleware provides authentication middleware for HTTP
type Middleware struct {
	keys             *KeyStore
	jwtManager       *JWTManager
	skipAuth         bool // For development/testing
	defaultWorkspace string
	logger           *zap.Logger
}

// NewMiddleware creates a new authentication middleware. jwtManager and keys may be nil.
func NewMiddleware(keys *KeyStore, jwtManager *JWTManager, skipAuth bool, defaultWorkspace string, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		keys:             keys,
		jwtManager:       jwtManager,
		skipAuth:         skipAuth,
		defaultWorkspace: defaultWorkspace,
		logger:           logger,
	}
}

// HTTPMiddleware resolves the caller from a bearer JWT or an API key and stores the
// principal on the request context.
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			workspaceID := r.Header.Get(HeaderWorkspaceID)
			if workspaceID == "" {
				workspaceID = r.URL.Query().Get("workspace_id")
			}
			if workspaceID == "" {
				workspaceID = m.defaultWorkspace
			}
			if workspaceID == "" {
				unauthorized(w, "workspace is required", "send the "+HeaderWorkspaceID+" header")
				return
			}
			userID := r.Header.Get(HeaderUserID)
			if userID == "" {
				userID = "dev"
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), &Principal{
				UserID:      userID,
				WorkspaceID: workspaceID,
				Role:        RoleAdmin,
				Scopes:      ScopesForRole(RoleAdmin),
				TokenType:   "dev",
			})))
			return
		}

		p, err := m.authenticate(r)
		if err != nil {
			m.logger.Debug("Authentication failed", zap.String("path", r.URL.Path), zap.Error(err))
			unauthorized(w, err.Error(), "send a bearer token or an "+HeaderAPIKey+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (*Principal, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		token, err := ExtractBearerToken(authHeader)
		if err != nil {
			return nil, err
		}
		if m.jwtManager == nil {
			return nil, errString("bearer tokens are not enabled")
		}
		return m.jwtManager.ValidateAccessToken(token)
	}

	apiKey := r.Header.Get(HeaderAPIKey)
	// Browsers cannot set headers on websocket upgrades
	if apiKey == "" && strings.Contains(r.URL.Path, "/stream/") {
		apiKey = r.URL.Query().Get("api_key")
		if apiKey == "" && m.jwtManager != nil {
			if token := r.URL.Query().Get("token"); token != "" {
				return m.jwtManager.ValidateAccessToken(token)
			}
		}
	}
	if apiKey == "" {
		return nil, errString("API key is required")
	}
	if m.keys == nil {
		return nil, errString("API keys are not enabled")
	}
	return m.keys.Validate(apiKey)
}

type errString string

func (e errString) Error() string { return string(e) }

func unauthorized(w http.ResponseWriter, message, suggestion string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":       "unauthorized",
			"message":    message,
			"suggestion": suggestion,
			"retryable":  false,
		},
	})
}

// RequireScope wraps next so it only runs for principals carrying scope.
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := FromContext(r.Context())
		if err != nil {
			unauthorized(w, err.Error(), "")
			return
		}
		if !p.HasScope(scope) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{
					"code":      "forbidden",
					"message":   "missing required scope: " + scope,
					"retryable": false,
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
