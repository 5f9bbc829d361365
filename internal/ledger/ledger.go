// Package ledger is the append-only telemetry trail of stage executions.
// Every attempt, evaluation, decision and cost lands here as a StageRecord,
// and the durable append is the commit point of a stage: the runner only
// advances a checkpoint after Append returns. Records are hash-chained per
// run so rewrites are detectable.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsumugi/internal/integrity"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// Ledger wraps the stage record store with retry, metrics and fan-out.
type Ledger struct {
	db     *storage.DB
	logger *slog.Logger
	sink   func(model.StageRecord)

	appends   metric.Int64Counter
	appendDur metric.Float64Histogram
}

// New creates a ledger. sink, when non-nil, receives every successfully
// appended record after it is durable; it must not block.
func New(db *storage.DB, logger *slog.Logger, sink func(model.StageRecord)) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("tsumugi/ledger")
	appends, _ := meter.Int64Counter("tsumugi.ledger.appends",
		metric.WithDescription("Stage records appended"),
	)
	appendDur, _ := meter.Float64Histogram("tsumugi.ledger.append.duration",
		metric.WithDescription("Durable append latency (ms)"),
		metric.WithUnit("ms"),
	)
	return &Ledger{
		db:        db,
		logger:    logger,
		sink:      sink,
		appends:   appends,
		appendDur: appendDur,
	}
}

// Append durably writes a record and returns it with seq and hashes
// assigned. Transient storage conflicts are retried here because an
// append must eventually land before the caller may advance a
// checkpoint; a returned error means the stage is not committed.
func (l *Ledger) Append(ctx context.Context, rec model.StageRecord) (model.StageRecord, error) {
	start := time.Now()
	var appended model.StageRecord
	err := storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var aerr error
		appended, aerr = l.db.AppendStageRecord(ctx, rec)
		return aerr
	})
	l.appendDur.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return model.StageRecord{}, fmt.Errorf("ledger: append: %w", err)
	}

	l.appends.Add(ctx, 1)
	l.logger.Debug("ledger: appended",
		"run_id", appended.RunID, "seq", appended.Seq,
		"stage", appended.StageName, "outcome", appended.Outcome)

	if l.sink != nil {
		l.sink(appended)
	}
	return appended, nil
}

// Query returns a run's records in seq order, scoped by tenant.
func (l *Ledger) Query(ctx context.Context, tenantID, runID uuid.UUID) ([]model.StageRecord, error) {
	records, err := l.db.ListStageRecords(ctx, tenantID, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	return records, nil
}

// VerifyRunChain recomputes a run's hash chain. nil means every record is
// intact and correctly linked; otherwise the error names the first break.
func (l *Ledger) VerifyRunChain(ctx context.Context, tenantID, runID uuid.UUID) error {
	records, err := l.Query(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	return integrity.VerifyChain(records)
}

// RunCost totals the cost committed to a run's records.
func (l *Ledger) RunCost(ctx context.Context, runID uuid.UUID) (model.Micros, error) {
	cost, err := l.db.SumRunCost(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("ledger: run cost: %w", err)
	}
	return cost, nil
}
