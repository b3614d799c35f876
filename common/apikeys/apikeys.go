// Package apikeys resolves diagram API key references to secrets held
// in the environment.
package apikeys

import (
	"fmt"
	"os"
	"sync"

	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/services"
)

// EnvService implements services.APIKeyService against process
// environment variables, with an override map for tests and inline
// keys.
type EnvService struct {
	mu        sync.RWMutex
	overrides map[string]string // key id -> secret
}

// New creates an environment-backed key service.
func New() *EnvService {
	return &EnvService{overrides: make(map[string]string)}
}

var _ services.APIKeyService = (*EnvService)(nil)

// Set registers an in-memory secret for a key id, shadowing the
// environment.
func (s *EnvService) Set(keyID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[keyID] = secret
}

// Resolve returns the secret for a key reference.
func (s *EnvService) Resolve(ref diagram.APIKeyRef) (string, error) {
	s.mu.RLock()
	secret, ok := s.overrides[ref.ID]
	s.mu.RUnlock()
	if ok {
		return secret, nil
	}

	if ref.EnvKey == "" {
		return "", fmt.Errorf("api key %s has no env_key and no registered secret", ref.ID)
	}
	secret = os.Getenv(ref.EnvKey)
	if secret == "" {
		return "", fmt.Errorf("api key %s: environment variable %s is empty", ref.ID, ref.EnvKey)
	}
	return secret, nil
}
