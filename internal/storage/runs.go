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

// CreateRun inserts a new run together with its initial checkpoint in one
// transaction, so a run row without a checkpoint row can never be observed.
func (db *DB) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}
	if run.Inputs == nil {
		run.Inputs = map[string]any{}
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: begin create run tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (id, tenant_id, skill_name, skill_version, status, inputs, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.TenantID, run.SkillName, run.SkillVersion, string(run.Status), run.Inputs, run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}

	cp := model.NewCheckpoint(run.ID)
	outputs, err := json.Marshal(cp.StageOutputs)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: marshal stage outputs: %w", err)
	}
	retries, err := json.Marshal(cp.RetryCounts)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: marshal retry counts: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO checkpoints (run_id, tenant_id, last_completed_stage, stage_outputs, retry_counts, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.TenantID, cp.LastCompletedStage, outputs, retries, cp.UpdatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Run{}, fmt.Errorf("storage: commit create run tx: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID, scoped to the given tenant.
func (db *DB) GetRun(ctx context.Context, tenantID, id uuid.UUID) (model.Run, error) {
	var (
		run     model.Run
		failure []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, skill_name, skill_version, status, inputs, final_output, failure, started_at, ended_at, created_at
		 FROM runs WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(
		&run.ID, &run.TenantID, &run.SkillName, &run.SkillVersion, &run.Status,
		&run.Inputs, &run.FinalOutput, &failure, &run.StartedAt, &run.EndedAt, &run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	if len(failure) > 0 {
		run.Failure = &model.RunFailure{}
		if err := json.Unmarshal(failure, run.Failure); err != nil {
			return model.Run{}, fmt.Errorf("storage: unmarshal run failure: %w", err)
		}
	}
	return run, nil
}

// ListRuns returns a tenant's runs newest first, optionally filtered by
// status, with the total count for pagination.
func (db *DB) ListRuns(ctx context.Context, tenantID uuid.UUID, status string, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE tenant_id = $1 AND ($2 = '' OR status = $2)`,
		tenantID, status,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, skill_name, skill_version, status, inputs, final_output, failure, started_at, ended_at, created_at
		 FROM runs WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		tenantID, status, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var (
			r       model.Run
			failure []byte
		)
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.SkillName, &r.SkillVersion, &r.Status,
			&r.Inputs, &r.FinalOutput, &failure, &r.StartedAt, &r.EndedAt, &r.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		if len(failure) > 0 {
			r.Failure = &model.RunFailure{}
			if err := json.Unmarshal(failure, r.Failure); err != nil {
				return nil, 0, fmt.Errorf("storage: unmarshal run failure: %w", err)
			}
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// ClaimRun moves a pending or blocked run to running. The guarded update
// makes the claim exclusive: of two concurrent starters exactly one wins
// and the other gets ErrConflict. Claiming clears any blocked reason.
func (db *DB) ClaimRun(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'running', started_at = COALESCE(started_at, now()), failure = NULL
		 WHERE id = $1 AND status IN ('pending', 'blocked')`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: claim run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not claimable: %w", id, ErrConflict)
	}
	return nil
}

// BlockRun pauses a running run, recording why it cannot proceed.
func (db *DB) BlockRun(ctx context.Context, id uuid.UUID, failure model.RunFailure) error {
	payload, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("storage: marshal run failure: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'blocked', failure = $1
		 WHERE id = $2 AND status = 'running'`, payload, id,
	)
	if err != nil {
		return fmt.Errorf("storage: block run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not running: %w", id, ErrConflict)
	}
	return nil
}

// CompleteRun marks a running run completed and stores its final output.
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, finalOutput string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'completed', final_output = $1, ended_at = now()
		 WHERE id = $2 AND status = 'running'`, finalOutput, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not running: %w", id, ErrConflict)
	}
	return nil
}

// FailRun marks a running run failed with a terminal failure.
func (db *DB) FailRun(ctx context.Context, id uuid.UUID, failure model.RunFailure) error {
	payload, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("storage: marshal run failure: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'failed', failure = $1, ended_at = now()
		 WHERE id = $2 AND status = 'running'`, payload, id,
	)
	if err != nil {
		return fmt.Errorf("storage: fail run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not running: %w", id, ErrConflict)
	}
	return nil
}

// AbortRun cancels a run that has not reached a terminal state. Scoped to
// the tenant because aborts arrive through the API.
func (db *DB) AbortRun(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'aborted', ended_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND status IN ('pending', 'running', 'blocked')`,
		id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("storage: abort run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetRun(ctx, tenantID, id); err != nil {
			return err
		}
		return fmt.Errorf("storage: run %s already terminal: %w", id, ErrConflict)
	}
	return nil
}

// InterruptRunningRuns moves every running run to blocked with an
// interrupted failure, returning how many were moved. Called once at
// boot before any executor starts, when a run can only be running
// because a previous process died mid-execution.
func (db *DB) InterruptRunningRuns(ctx context.Context) (int64, error) {
	payload, err := json.Marshal(model.RunFailure{
		Code:   "interrupted",
		Reason: "process exited during execution",
	})
	if err != nil {
		return 0, fmt.Errorf("storage: marshal run failure: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'blocked', failure = $1 WHERE status = 'running'`, payload,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: interrupt running runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetCheckpoint loads a run's checkpoint.
func (db *DB) GetCheckpoint(ctx context.Context, runID uuid.UUID) (model.Checkpoint, error) {
	var (
		cp      model.Checkpoint
		outputs []byte
		retries []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT run_id, last_completed_stage, stage_outputs, retry_counts, updated_at
		 FROM checkpoints WHERE run_id = $1`, runID,
	).Scan(&cp.RunID, &cp.LastCompletedStage, &outputs, &retries, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Checkpoint{}, fmt.Errorf("storage: checkpoint for run %s: %w", runID, ErrNotFound)
		}
		return model.Checkpoint{}, fmt.Errorf("storage: get checkpoint: %w", err)
	}
	if err := json.Unmarshal(outputs, &cp.StageOutputs); err != nil {
		return model.Checkpoint{}, fmt.Errorf("storage: unmarshal stage outputs: %w", err)
	}
	if err := json.Unmarshal(retries, &cp.RetryCounts); err != nil {
		return model.Checkpoint{}, fmt.Errorf("storage: unmarshal retry counts: %w", err)
	}
	if cp.StageOutputs == nil {
		cp.StageOutputs = map[string]uuid.UUID{}
	}
	if cp.RetryCounts == nil {
		cp.RetryCounts = map[string]int{}
	}
	return cp, nil
}

// SaveCheckpoint persists checkpoint progress. The row is created with the
// run, so this is always an update of an existing row.
func (db *DB) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	outputs, err := json.Marshal(cp.StageOutputs)
	if err != nil {
		return fmt.Errorf("storage: marshal stage outputs: %w", err)
	}
	retries, err := json.Marshal(cp.RetryCounts)
	if err != nil {
		return fmt.Errorf("storage: marshal retry counts: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE checkpoints SET last_completed_stage = $1, stage_outputs = $2, retry_counts = $3, updated_at = now()
		 WHERE run_id = $4`,
		cp.LastCompletedStage, outputs, retries, cp.RunID,
	)
	if err != nil {
		return fmt.Errorf("storage: save checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: checkpoint for run %s: %w", cp.RunID, ErrNotFound)
	}
	return nil
}
