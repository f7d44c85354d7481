package auth

import (
	"context"
	"fmt"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// PrincipalContextKey is the context key for the authenticated caller
	PrincipalContextKey ContextKey = "principal"
)

// Principal is the authenticated caller. Every request is scoped to its workspace.
type Principal struct {
	UserID      string   `json:"user_id"`
	WorkspaceID string   `json:"workspace_id"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
	TokenType   string   `json:"token_type"` // jwt, api_key or dev
}

// Scopes for authorization
const (
	ScopeActionsRead  = "actions:read"
	ScopeActionsWrite = "actions:write"
	ScopeApprove      = "approvals:decide"
	ScopeAuditRead    = "audit:read"
)

// User roles
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// ScopesForRole returns the default scopes for a given role
func ScopesForRole(role string) []string {
	switch role {
	case RoleAdmin:
		return []string{ScopeActionsRead, ScopeActionsWrite, ScopeApprove, ScopeAuditRead}
	case RoleOperator:
		return []string{ScopeActionsRead, ScopeActionsWrite, ScopeApprove}
	default:
		return []string{ScopeActionsRead}
	}
}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// FromContext extracts the principal from context
func FromContext(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	if !ok || p == nil {
		return nil, fmt.Errorf("missing principal")
	}
	return p, nil
}

// HasScope reports whether the principal carries scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
