package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// CreateTenant inserts a new tenant namespace.
func (db *DB) CreateTenant(ctx context.Context, t model.Tenant) (model.Tenant, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = model.TenantActive
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	limits, err := json.Marshal(t.BudgetLimits)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: marshal budget limits: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, status, budget_limits, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Status, limits, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: create tenant: %w", err)
	}
	return t, nil
}

// CreateTenantAndKeyTx inserts a tenant and its bootstrap API key in one
// transaction. Onboarding is all-or-nothing: a tenant without a key could
// never authenticate, so a key insert failure rolls the tenant back.
func (db *DB) CreateTenantAndKeyTx(ctx context.Context, t model.Tenant, key model.APIKey) (model.Tenant, model.APIKey, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Tenant{}, model.APIKey{}, fmt.Errorf("storage: begin create tenant+key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = model.TenantActive
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	limits, err := json.Marshal(t.BudgetLimits)
	if err != nil {
		return model.Tenant{}, model.APIKey{}, fmt.Errorf("storage: marshal budget limits: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO tenants (id, name, status, budget_limits, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Status, limits, t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return model.Tenant{}, model.APIKey{}, fmt.Errorf("storage: create tenant in tenant+key tx: %w", err)
	}

	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.TenantID = t.ID

	if _, err := tx.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, tenant_id, role, label, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Prefix, key.KeyHash, key.TenantID, key.Role, key.Label, key.CreatedAt,
	); err != nil {
		return model.Tenant{}, model.APIKey{}, fmt.Errorf("storage: create api key in tenant+key tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Tenant{}, model.APIKey{}, fmt.Errorf("storage: commit create tenant+key tx: %w", err)
	}
	return t, key, nil
}

// GetTenant retrieves a tenant by ID.
func (db *DB) GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error) {
	var (
		t      model.Tenant
		limits []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, status, budget_limits, created_at, updated_at
		 FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Status, &limits, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Tenant{}, fmt.Errorf("storage: tenant %s: %w", id, ErrNotFound)
		}
		return model.Tenant{}, fmt.Errorf("storage: get tenant: %w", err)
	}
	if len(limits) > 0 {
		if err := json.Unmarshal(limits, &t.BudgetLimits); err != nil {
			return model.Tenant{}, fmt.Errorf("storage: unmarshal budget limits: %w", err)
		}
	}
	return t, nil
}

// ListTenants returns all tenants ordered by creation time.
func (db *DB) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, status, budget_limits, created_at, updated_at
		 FROM tenants ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		var (
			t      model.Tenant
			limits []byte
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &limits, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tenant: %w", err)
		}
		if len(limits) > 0 {
			if err := json.Unmarshal(limits, &t.BudgetLimits); err != nil {
				return nil, fmt.Errorf("storage: unmarshal budget limits: %w", err)
			}
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// ArchiveTenant marks an active tenant archived and revokes all its API
// keys in the same transaction. Archived tenants reject new runs and can
// no longer mint tokens, but keep their history for audit.
func (db *DB) ArchiveTenant(ctx context.Context, id uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin archive tenant: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE tenants SET status = $1, updated_at = now()
		 WHERE id = $2 AND status = $3`,
		model.TenantArchived, id, model.TenantActive,
	)
	if err != nil {
		return fmt.Errorf("storage: archive tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing tenant from one already archived.
		if _, err := db.GetTenant(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("storage: tenant %s already archived: %w", id, ErrConflict)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now()
		 WHERE tenant_id = $1 AND revoked_at IS NULL`, id,
	); err != nil {
		return fmt.Errorf("storage: revoke tenant keys: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit archive tenant: %w", err)
	}
	return nil
}
