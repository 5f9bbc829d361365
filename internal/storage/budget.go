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

// ReserveBudget places a hold against a tenant's period ledger. The ledger
// row is created lazily with the supplied limit, which is how a new period
// starts with zero usage. The guarded update admits the hold only while
// spent + reserved + amount stays within the limit; otherwise the whole
// transaction rolls back and ErrBudgetExceeded is returned, leaving both
// ledger and reservation untouched.
func (db *DB) ReserveBudget(ctx context.Context, res model.Reservation, limit model.Micros) (model.Reservation, error) {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	res.State = model.ReservationHeld

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Reservation{}, fmt.Errorf("storage: begin reserve tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO budget_ledger (tenant_id, provider, period, limit_micros)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, provider, period) DO NOTHING`,
		res.TenantID, res.Provider, res.Period, int64(limit),
	)
	if err != nil {
		return model.Reservation{}, fmt.Errorf("storage: ensure ledger row: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE budget_ledger
		 SET reserved_micros = reserved_micros + $4, updated_at = now()
		 WHERE tenant_id = $1 AND provider = $2 AND period = $3
		   AND spent_micros + reserved_micros + $4 <= limit_micros`,
		res.TenantID, res.Provider, res.Period, int64(res.Amount),
	)
	if err != nil {
		return model.Reservation{}, fmt.Errorf("storage: reserve budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Reservation{}, ErrBudgetExceeded
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO budget_reservations (id, tenant_id, provider, period, amount_micros, state, run_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.ID, res.TenantID, res.Provider, res.Period, int64(res.Amount),
		string(res.State), res.RunID, res.CreatedAt,
	)
	if err != nil {
		return model.Reservation{}, fmt.Errorf("storage: create reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Reservation{}, fmt.Errorf("storage: commit reserve tx: %w", err)
	}
	return res, nil
}

// CommitReservation settles a held reservation: the hold is lifted and the
// actual cost is charged, which may exceed the held amount. The returned
// flag reports whether the charge pushed spent past the period limit.
// Committing a reservation that is not held returns ErrConflict, so a
// retried settle cannot double-charge.
func (db *DB) CommitReservation(ctx context.Context, reservationID uuid.UUID, actual model.Micros) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var res model.Reservation
	var amount int64
	err = tx.QueryRow(ctx,
		`UPDATE budget_reservations SET state = 'committed', settled_at = now()
		 WHERE id = $1 AND state = 'held'
		 RETURNING tenant_id, provider, period, amount_micros`,
		reservationID,
	).Scan(&res.TenantID, &res.Provider, &res.Period, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("storage: reservation %s not held: %w", reservationID, ErrConflict)
		}
		return false, fmt.Errorf("storage: settle reservation: %w", err)
	}

	var overrun bool
	err = tx.QueryRow(ctx,
		`UPDATE budget_ledger
		 SET reserved_micros = GREATEST(reserved_micros - $4, 0),
		     spent_micros = spent_micros + $5,
		     overruns = overruns + CASE WHEN spent_micros + $5 > limit_micros THEN 1 ELSE 0 END,
		     updated_at = now()
		 WHERE tenant_id = $1 AND provider = $2 AND period = $3
		 RETURNING spent_micros > limit_micros`,
		res.TenantID, res.Provider, res.Period, amount, int64(actual),
	).Scan(&overrun)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("storage: ledger row for reservation %s: %w", reservationID, ErrNotFound)
		}
		return false, fmt.Errorf("storage: commit budget: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: commit budget tx: %w", err)
	}
	return overrun, nil
}

// ReleaseReservation lifts a held reservation without charging anything.
// Releasing a reservation that is not held returns ErrConflict.
func (db *DB) ReleaseReservation(ctx context.Context, reservationID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin release tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var res model.Reservation
	var amount int64
	err = tx.QueryRow(ctx,
		`UPDATE budget_reservations SET state = 'released', settled_at = now()
		 WHERE id = $1 AND state = 'held'
		 RETURNING tenant_id, provider, period, amount_micros`,
		reservationID,
	).Scan(&res.TenantID, &res.Provider, &res.Period, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: reservation %s not held: %w", reservationID, ErrConflict)
		}
		return fmt.Errorf("storage: settle reservation: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE budget_ledger
		 SET reserved_micros = GREATEST(reserved_micros - $4, 0), updated_at = now()
		 WHERE tenant_id = $1 AND provider = $2 AND period = $3`,
		res.TenantID, res.Provider, res.Period, amount,
	)
	if err != nil {
		return fmt.Errorf("storage: release budget: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit release tx: %w", err)
	}
	return nil
}

// GetLedgerEntry returns one period row. A missing row means the period has
// seen no activity; callers render that as zero usage rather than an error.
func (db *DB) GetLedgerEntry(ctx context.Context, tenantID uuid.UUID, provider, period string) (model.BudgetLedgerEntry, error) {
	var (
		e                      model.BudgetLedgerEntry
		reserved, spent, limit int64
	)
	err := db.pool.QueryRow(ctx,
		`SELECT tenant_id, provider, period, reserved_micros, spent_micros, limit_micros, overruns, updated_at
		 FROM budget_ledger WHERE tenant_id = $1 AND provider = $2 AND period = $3`,
		tenantID, provider, period,
	).Scan(&e.TenantID, &e.Provider, &e.Period, &reserved, &spent, &limit, &e.Overruns, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BudgetLedgerEntry{}, fmt.Errorf("storage: ledger %s/%s/%s: %w", tenantID, provider, period, ErrNotFound)
		}
		return model.BudgetLedgerEntry{}, fmt.Errorf("storage: get ledger entry: %w", err)
	}
	e.Reserved, e.Spent, e.Limit = model.Micros(reserved), model.Micros(spent), model.Micros(limit)
	return e, nil
}

// ListLedgerEntries returns a tenant's ledger rows for one period, ordered
// by provider for stable output.
func (db *DB) ListLedgerEntries(ctx context.Context, tenantID uuid.UUID, period string) ([]model.BudgetLedgerEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT tenant_id, provider, period, reserved_micros, spent_micros, limit_micros, overruns, updated_at
		 FROM budget_ledger WHERE tenant_id = $1 AND period = $2
		 ORDER BY provider ASC`,
		tenantID, period,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []model.BudgetLedgerEntry
	for rows.Next() {
		var (
			e                      model.BudgetLedgerEntry
			reserved, spent, limit int64
		)
		if err := rows.Scan(&e.TenantID, &e.Provider, &e.Period, &reserved, &spent, &limit, &e.Overruns, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan ledger entry: %w", err)
		}
		e.Reserved, e.Spent, e.Limit = model.Micros(reserved), model.Micros(spent), model.Micros(limit)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// StaleHeldReservations returns holds created before the cutoff that were
// never settled, oldest first. These are leaks from crashed runs; the
// sweeper releases them so the held budget becomes spendable again.
func (db *DB) StaleHeldReservations(ctx context.Context, cutoff time.Time, limit int) ([]model.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, provider, period, amount_micros, state, run_id, created_at, settled_at
		 FROM budget_reservations
		 WHERE state = 'held' AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: stale reservations: %w", err)
	}
	defer rows.Close()

	var reservations []model.Reservation
	for rows.Next() {
		var (
			res    model.Reservation
			amount int64
		)
		if err := rows.Scan(&res.ID, &res.TenantID, &res.Provider, &res.Period, &amount,
			&res.State, &res.RunID, &res.CreatedAt, &res.SettledAt); err != nil {
			return nil, fmt.Errorf("storage: scan reservation: %w", err)
		}
		res.Amount = model.Micros(amount)
		reservations = append(reservations, res)
	}
	return reservations, rows.Err()
}

// HeldReservationsForRun returns a run's live holds. Resume uses this to
// reconcile holds that survived a crash against the run's ledger records.
func (db *DB) HeldReservationsForRun(ctx context.Context, runID uuid.UUID) ([]model.Reservation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, provider, period, amount_micros, state, run_id, created_at, settled_at
		 FROM budget_reservations
		 WHERE run_id = $1 AND state = 'held'
		 ORDER BY created_at ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: held reservations for run: %w", err)
	}
	defer rows.Close()

	var reservations []model.Reservation
	for rows.Next() {
		var (
			res    model.Reservation
			amount int64
		)
		if err := rows.Scan(&res.ID, &res.TenantID, &res.Provider, &res.Period, &amount,
			&res.State, &res.RunID, &res.CreatedAt, &res.SettledAt); err != nil {
			return nil, fmt.Errorf("storage: scan reservation: %w", err)
		}
		res.Amount = model.Micros(amount)
		reservations = append(reservations, res)
	}
	return reservations, rows.Err()
}
