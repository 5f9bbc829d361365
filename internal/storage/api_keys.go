package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// CreateAPIKey stores a hashed API key bound to a tenant.
func (db *DB) CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, tenant_id, role, label, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Prefix, key.KeyHash, key.TenantID, key.Role, key.Label, key.CreatedAt,
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return key, nil
}

// GetAPIKeyByPrefix returns the active key matching a prefix. The prefix
// narrows candidates before the argon2 comparison on the auth path, so
// only unrevoked keys are considered.
func (db *DB) GetAPIKeyByPrefix(ctx context.Context, prefix string) (model.APIKey, error) {
	var key model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, prefix, key_hash, tenant_id, role, label, created_at, last_used_at, revoked_at
		 FROM api_keys WHERE prefix = $1 AND revoked_at IS NULL`, prefix,
	).Scan(&key.ID, &key.Prefix, &key.KeyHash, &key.TenantID, &key.Role,
		&key.Label, &key.CreatedAt, &key.LastUsedAt, &key.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, fmt.Errorf("storage: api key: %w", ErrNotFound)
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return key, nil
}

// ListAPIKeys returns a tenant's keys, newest first. Hashes are included;
// callers strip them before serialization.
func (db *DB) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]model.APIKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, prefix, key_hash, tenant_id, role, label, created_at, last_used_at, revoked_at
		 FROM api_keys WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		var key model.APIKey
		if err := rows.Scan(&key.ID, &key.Prefix, &key.KeyHash, &key.TenantID, &key.Role,
			&key.Label, &key.CreatedAt, &key.LastUsedAt, &key.RevokedAt); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a key revoked. Revocation is idempotent in effect but
// reports ErrConflict when the key was already revoked so callers can tell.
func (db *DB) RevokeAPIKey(ctx context.Context, tenantID, keyID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND revoked_at IS NULL`,
		keyID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := db.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM api_keys WHERE id = $1 AND tenant_id = $2)`,
			keyID, tenantID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("storage: revoke api key: %w", err)
		}
		if !exists {
			return fmt.Errorf("storage: api key %s: %w", keyID, ErrNotFound)
		}
		return fmt.Errorf("storage: api key %s already revoked: %w", keyID, ErrConflict)
	}
	return nil
}

// IsAPIKeyActive reports whether a key exists and has not been revoked.
// Used on the request path to invalidate tokens minted from revoked keys.
func (db *DB) IsAPIKeyActive(ctx context.Context, keyID uuid.UUID) (bool, error) {
	var active bool
	err := db.pool.QueryRow(ctx,
		`SELECT revoked_at IS NULL FROM api_keys WHERE id = $1`, keyID,
	).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("storage: check api key: %w", err)
	}
	return active, nil
}

// TouchAPIKeyLastUsed records key usage. Callers invoke it asynchronously
// and may drop the error; auth must not block on this write.
func (db *DB) TouchAPIKeyLastUsed(ctx context.Context, keyID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, keyID,
	)
	if err != nil {
		return fmt.Errorf("storage: touch api key: %w", err)
	}
	return nil
}
