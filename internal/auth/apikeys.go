package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every generated API key.
const KeyPrefix = "ok_"

// APIKey is a configured key: the bcrypt hash plus the principal it authenticates as.
type APIKey struct {
	Name        string
	WorkspaceID string
	UserID      string
	Role        string
	Hash        string
}

// KeyStore validates API keys against bcrypt hashes. Successful lookups are remembered by
// SHA-256 digest so bcrypt runs once per key per process.
type KeyStore struct {
	keys []APIKey

	mu       sync.RWMutex
	verified map[string]*Principal
}

func NewKeyStore(keys []APIKey) *KeyStore {
	return &KeyStore{keys: keys, verified: make(map[string]*Principal)}
}

// Validate returns the principal for key or an error when no configured hash matches.
func (s *KeyStore) Validate(key string) (*Principal, error) {
	if key == "" {
		return nil, fmt.Errorf("empty API key")
	}
	digest := sha256.Sum256([]byte(key))
	id := hex.EncodeToString(digest[:])

	s.mu.RLock()
	p, ok := s.verified[id]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	for _, k := range s.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(key)) != nil {
			continue
		}
		userID := k.UserID
		if userID == "" {
			userID = "apikey:" + k.Name
		}
		role := k.Role
		if role == "" {
			role = RoleOperator
		}
		p = &Principal{
			UserID:      userID,
			WorkspaceID: k.WorkspaceID,
			Role:        role,
			Scopes:      ScopesForRole(role),
			TokenType:   "api_key",
		}
		s.mu.Lock()
		s.verified[id] = p
		s.mu.Unlock()
		return p, nil
	}
	return nil, fmt.Errorf("invalid API key")
}

// GenerateAPIKey returns a new random key and its bcrypt hash for the config file.
func GenerateAPIKey() (key, hash string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	key = KeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return key, string(hashed), nil
}
