package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// APIKeyStore validates API keys
type APIKeyStore interface {
	ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error)
}

// APIKeyInfo describes the owner of an API key.
type APIKeyInfo struct {
	Name    string `json:"name"`
	Role    Role   `json:"role"`
	KeyHash string `json:"-"` // SHA-256 of the key
}

// StaticKeyStore holds keys supplied through configuration. Only hashes
// are kept in memory.
type StaticKeyStore struct {
	keys []APIKeyInfo
}

// ParseStaticKeys builds a store from "name:role:secret" entries.
func ParseStaticKeys(entries []string) (*StaticKeyStore, error) {
	store := &StaticKeyStore{}
	for i, entry := range entries {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("api key %d: expected name:role:secret", i)
		}
		role, err := ParseRole(parts[1])
		if err != nil {
			return nil, fmt.Errorf("api key %q: %w", parts[0], err)
		}
		store.Add(parts[0], role, parts[2])
	}
	return store, nil
}

// Add registers a key.
func (s *StaticKeyStore) Add(name string, role Role, secret string) {
	s.keys = append(s.keys, APIKeyInfo{Name: name, Role: role, KeyHash: hashKey(secret)})
}

func (s *StaticKeyStore) Len() int { return len(s.keys) }

// ValidateKey compares against every stored hash so the lookup time does
// not depend on which key matched.
func (s *StaticKeyStore) ValidateKey(_ context.Context, key string) (*APIKeyInfo, error) {
	hash := []byte(hashKey(key))
	var found *APIKeyInfo
	for i := range s.keys {
		if subtle.ConstantTimeCompare(hash, []byte(s.keys[i].KeyHash)) == 1 && found == nil {
			info := s.keys[i]
			found = &info
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	return found, nil
}

func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
