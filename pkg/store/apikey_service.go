package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/codespin-ai/shaman/pkg/models"
	"github.com/google/uuid"
)

// APIKeyService persists API key records. Only the SHA-256 hash of the
// key material is stored; minting and hashing live in pkg/auth.
type APIKeyService struct {
	db *sql.DB
}

const apiKeyColumns = `id, org_id, name, key_hash, disabled, last_used_at, created_at`

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var (
		key      models.APIKey
		lastUsed sql.NullTime
	)
	err := row.Scan(&key.ID, &key.OrgID, &key.Name, &key.KeyHash,
		&key.Disabled, &lastUsed, &key.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		key.LastUsedAt = &t
	}
	return &key, nil
}

// CreateKey records a new API key hash for the organization.
func (s *APIKeyService) CreateKey(ctx context.Context, orgID, name, keyHash string) (*models.APIKey, error) {
	if orgID == "" {
		return nil, NewValidationError("org_id", "organization id is required")
	}
	if name == "" {
		return nil, NewValidationError("name", "key name is required")
	}
	if keyHash == "" {
		return nil, NewValidationError("key_hash", "key hash is required")
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, org_id, name, key_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING `+apiKeyColumns,
		uuid.New().String(), orgID, name, keyHash)
	key, err := scanAPIKey(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", mapPgError(err))
	}
	return key, nil
}

// GetByHash looks up an enabled key by its hash. Disabled keys are
// indistinguishable from absent ones.
func (s *APIKeyService) GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1 AND disabled = FALSE`,
		keyHash)
	key, err := scanAPIKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return key, nil
}

// TouchLastUsed stamps the key's last_used_at. Fire-and-forget from the
// auth path, so a failure here is the caller's to ignore.
func (s *APIKeyService) TouchLastUsed(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// ListByOrg returns the organization's keys, newest first.
func (s *APIKeyService) ListByOrg(ctx context.Context, orgID string) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE org_id = $1 ORDER BY created_at DESC`,
		orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Disable turns a key off. Subsequent GetByHash lookups miss it.
func (s *APIKeyService) Disable(ctx context.Context, orgID, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET disabled = TRUE WHERE id = $1 AND org_id = $2`,
		keyID, orgID)
	if err != nil {
		return fmt.Errorf("failed to disable api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to disable api key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
