package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsumugi/internal/integrity"
	"github.com/ashita-ai/tsumugi/internal/model"
)

// AppendStageRecord durably appends a record to a run's ledger. The run
// row's record_seq counter is bumped inside the transaction, which both
// allocates the next seq and takes a row lock that serializes concurrent
// appends for the run, so the prev-hash lookup is race-free. Seq, PrevHash
// and RecordHash are assigned here; callers must not set them.
func (db *DB) AppendStageRecord(ctx context.Context, rec model.StageRecord) (model.StageRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = now
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.StageRecord{}, fmt.Errorf("storage: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`UPDATE runs SET record_seq = record_seq + 1 WHERE id = $1 RETURNING record_seq`,
		rec.RunID,
	).Scan(&rec.Seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StageRecord{}, fmt.Errorf("storage: run %s: %w", rec.RunID, ErrNotFound)
		}
		return model.StageRecord{}, fmt.Errorf("storage: allocate record seq: %w", err)
	}

	var prev string
	err = tx.QueryRow(ctx,
		`SELECT record_hash FROM stage_records WHERE run_id = $1 ORDER BY seq DESC LIMIT 1`,
		rec.RunID,
	).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.StageRecord{}, fmt.Errorf("storage: load chain head: %w", err)
	}
	rec.PrevHash = prev
	rec.RecordHash = integrity.ComputeRecordHash(prev, rec)

	var evaluation, decision []byte
	if rec.Evaluation != nil {
		if evaluation, err = json.Marshal(rec.Evaluation); err != nil {
			return model.StageRecord{}, fmt.Errorf("storage: marshal evaluation: %w", err)
		}
	}
	if rec.Decision != nil {
		if decision, err = json.Marshal(rec.Decision); err != nil {
			return model.StageRecord{}, fmt.Errorf("storage: marshal decision: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO stage_records (id, run_id, tenant_id, seq, stage_name, stage_index, attempt,
		 outcome, model_used, cost_micros, artifact_id, artifact, evaluation, decision,
		 prev_hash, record_hash, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		rec.ID, rec.RunID, rec.TenantID, rec.Seq, rec.StageName, rec.StageIndex, rec.Attempt,
		string(rec.Outcome), rec.ModelUsed, int64(rec.Cost), rec.ArtifactID, rec.Artifact,
		evaluation, decision, rec.PrevHash, rec.RecordHash, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return model.StageRecord{}, fmt.Errorf("storage: append stage record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.StageRecord{}, fmt.Errorf("storage: commit append tx: %w", err)
	}
	return rec, nil
}

// ListStageRecords retrieves a run's records in seq order, scoped by tenant.
// The limit caps rows returned; if limit <= 0 it defaults to 10000. Callers
// can compare the result length against the limit to detect truncation.
func (db *DB) ListStageRecords(ctx context.Context, tenantID, runID uuid.UUID, limit int) ([]model.StageRecord, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, tenant_id, seq, stage_name, stage_index, attempt, outcome, model_used,
		 cost_micros, artifact_id, artifact, evaluation, decision, prev_hash, record_hash, started_at, ended_at
		 FROM stage_records WHERE run_id = $1 AND tenant_id = $2
		 ORDER BY seq ASC
		 LIMIT $3`, runID, tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stage records: %w", err)
	}
	defer rows.Close()

	return scanStageRecords(rows)
}

// GetStageRecord retrieves a single record by artifact ID, scoped by tenant.
// Used when a later stage consumes an earlier stage's artifact.
func (db *DB) GetStageRecord(ctx context.Context, tenantID, artifactID uuid.UUID) (model.StageRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, tenant_id, seq, stage_name, stage_index, attempt, outcome, model_used,
		 cost_micros, artifact_id, artifact, evaluation, decision, prev_hash, record_hash, started_at, ended_at
		 FROM stage_records WHERE artifact_id = $1 AND tenant_id = $2
		 ORDER BY seq DESC LIMIT 1`, artifactID, tenantID,
	)
	if err != nil {
		return model.StageRecord{}, fmt.Errorf("storage: get stage record: %w", err)
	}
	defer rows.Close()

	recs, err := scanStageRecords(rows)
	if err != nil {
		return model.StageRecord{}, err
	}
	if len(recs) == 0 {
		return model.StageRecord{}, fmt.Errorf("storage: artifact %s: %w", artifactID, ErrNotFound)
	}
	return recs[0], nil
}

// SumRunCost totals the committed cost across a run's records.
func (db *DB) SumRunCost(ctx context.Context, runID uuid.UUID) (model.Micros, error) {
	var total int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_micros), 0) FROM stage_records WHERE run_id = $1`, runID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: sum run cost: %w", err)
	}
	return model.Micros(total), nil
}

func scanStageRecords(rows pgx.Rows) ([]model.StageRecord, error) {
	var records []model.StageRecord
	for rows.Next() {
		var (
			rec        model.StageRecord
			cost       int64
			evaluation []byte
			decision   []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.TenantID, &rec.Seq, &rec.StageName, &rec.StageIndex,
			&rec.Attempt, &rec.Outcome, &rec.ModelUsed, &cost, &rec.ArtifactID, &rec.Artifact,
			&evaluation, &decision, &rec.PrevHash, &rec.RecordHash, &rec.StartedAt, &rec.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan stage record: %w", err)
		}
		rec.Cost = model.Micros(cost)
		if len(evaluation) > 0 {
			rec.Evaluation = &model.EvaluationResult{}
			if err := json.Unmarshal(evaluation, rec.Evaluation); err != nil {
				return nil, fmt.Errorf("storage: unmarshal evaluation: %w", err)
			}
		}
		if len(decision) > 0 {
			rec.Decision = &model.ReleaseDecision{}
			if err := json.Unmarshal(decision, rec.Decision); err != nil {
				return nil, fmt.Errorf("storage: unmarshal decision: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
