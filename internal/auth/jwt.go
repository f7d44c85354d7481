package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "agent-orchestrator"

// JWTManager handles JWT token operations
type JWTManager struct {
	signingKey        []byte
	accessTokenExpiry time.Duration
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(signingKey string, accessExpiry time.Duration) *JWTManager {
	if accessExpiry <= 0 {
		accessExpiry = 24 * time.Hour
	}
	return &JWTManager{signingKey: []byte(signingKey), accessTokenExpiry: accessExpiry}
}

// CustomClaims represents the custom JWT claims
type CustomClaims struct {
	jwt.RegisteredClaims
	WorkspaceID string   `json:"workspace_id"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
}

// GenerateAccessToken signs a token for the principal. Scopes default to the role's scopes.
func (j *JWTManager) GenerateAccessToken(p Principal) (string, error) {
	if p.UserID == "" || p.WorkspaceID == "" {
		return "", fmt.Errorf("user and workspace are required")
	}
	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = ScopesForRole(p.Role)
	}
	now := time.Now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.accessTokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		WorkspaceID: p.WorkspaceID,
		Role:        p.Role,
		Scopes:      scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.signingKey)
}

// ValidateAccessToken validates and parses a JWT access token
func (j *JWTManager) ValidateAccessToken(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.signingKey, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" || claims.WorkspaceID == "" {
		return nil, fmt.Errorf("token missing subject or workspace")
	}

	return &Principal{
		UserID:      claims.Subject,
		WorkspaceID: claims.WorkspaceID,
		Role:        claims.Role,
		Scopes:      claims.Scopes,
		TokenType:   "jwt",
	}, nil
}

// ExtractBearerToken extracts the token from Authorization header
func ExtractBearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return authHeader[7:], nil
}
