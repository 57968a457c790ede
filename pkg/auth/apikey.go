package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codespin-ai/shaman/pkg/store"
)

// APIKeyPrefix marks platform-issued keys so they are recognizable in
// configuration files and logs without being guessable.
const apiKeyPrefix = "shm_"

// GenerateAPIKey returns a fresh plaintext API key and its hash. Only
// the hash is ever stored; the plaintext is shown to the tenant once.
func GenerateAPIKey() (plaintext, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	plaintext = apiKeyPrefix + hex.EncodeToString(buf)
	return plaintext, HashAPIKey(plaintext), nil
}

// HashAPIKey maps a plaintext key onto its stored form.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// APIKeyAuthenticator resolves X-API-Key credentials against the
// api_keys table.
type APIKeyAuthenticator struct {
	keys   *store.APIKeyService
	logger *slog.Logger
}

// NewAPIKeyAuthenticator builds an authenticator over the store.
func NewAPIKeyAuthenticator(keys *store.APIKeyService) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: keys, logger: slog.Default()}
}

// Authenticate looks up the presented key by hash. Unknown and disabled
// keys both come back as ErrInvalidCredentials so callers cannot probe
// which keys exist.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, presented string) (*Identity, error) {
	if presented == "" {
		return nil, ErrInvalidCredentials
	}

	key, err := a.keys.GetByHash(ctx, HashAPIKey(presented))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("api key lookup: %w", err)
	}
	if key.Disabled {
		return nil, ErrInvalidCredentials
	}

	// Usage tracking is advisory; a failed update never blocks auth.
	if err := a.keys.TouchLastUsed(ctx, key.ID); err != nil {
		a.logger.Warn("Failed to record API key usage", "key_id", key.ID, "error", err)
	}

	return &Identity{
		OrgID:   key.OrgID,
		KeyID:   key.ID,
		Persona: PersonaPublic,
	}, nil
}
