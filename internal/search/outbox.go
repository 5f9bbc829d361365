package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// maxOutboxAttempts is the dead-letter threshold; entries that fail this
// many times stop being retried and are reaped after a week.
const maxOutboxAttempts = 10

// outboxEntry is one row of the search_outbox table.
type outboxEntry struct {
	ID        int64
	ItemID    uuid.UUID
	Scope     string
	Operation string
	Attempts  int
}

// OutboxWorker polls search_outbox and converges the Qdrant index with
// Postgres. Knowledge mutations enqueue entries in the same transaction
// as the row change, so no ingest or supersede can miss the index.
type OutboxWorker struct {
	pool         *pgxpool.Pool
	index        *QdrantIndex
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewOutboxWorker creates an outbox worker. A nil index turns the worker
// into a no-op: entries accumulate until an index is configured.
func NewOutboxWorker(pool *pgxpool.Pool, index *QdrantIndex, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		pool:         pool,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("search outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and
// blocks until done or the context expires.
func (w *OutboxWorker) Drain(ctx context.Context) {
	// The drain context travels by channel so the final poll respects the
	// caller's deadline. It must be sent before cancelLoop fires.
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("search outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Direct cancellation without Drain, e.g. in tests.
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *OutboxWorker) processBatch(ctx context.Context) {
	if w.index == nil {
		return
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("search outbox: begin tx", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, item_id, tenant_scope, operation, attempts
		 FROM search_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("search outbox: select pending", "error", err)
		return
	}

	entries, err := scanOutboxEntries(rows)
	if err != nil {
		w.logger.Error("search outbox: scan entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	// Lock for 60 seconds, longer than the 30s batch context, so a second
	// worker cannot claim entries the first is still processing.
	entryIDs := make([]int64, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE search_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		entryIDs,
	); err != nil {
		w.logger.Error("search outbox: lock entries", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("search outbox: commit lock", "error", err)
		return
	}

	var upserts []outboxEntry
	var deletes []outboxEntry
	for _, e := range entries {
		switch e.Operation {
		case "upsert":
			upserts = append(upserts, e)
		case "delete":
			deletes = append(deletes, e)
		}
	}

	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM search_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("search outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("search outbox: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *OutboxWorker) processUpserts(ctx context.Context, entries []outboxEntry) {
	itemIDs := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		itemIDs[i] = e.ItemID
	}

	points, err := w.fetchPointsForIndex(ctx, itemIDs)
	if err != nil {
		w.logger.Error("search outbox: fetch chunks", "error", err, "count", len(itemIDs))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	if len(points) == 0 {
		// Every item was superseded or has no embedding; nothing to index.
		w.succeedEntries(ctx, entries)
		return
	}

	if err := w.index.Upsert(ctx, points); err != nil {
		w.logger.Error("search outbox: qdrant upsert", "error", err, "count", len(points))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Info("search outbox: upserted", "count", len(points))
}

func (w *OutboxWorker) processDeletes(ctx context.Context, entries []outboxEntry) {
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ItemID
	}

	if err := w.index.DeleteByIDs(ctx, ids); err != nil {
		w.logger.Error("search outbox: qdrant delete", "error", err, "count", len(ids))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Info("search outbox: deleted", "count", len(ids))
}

func (w *OutboxWorker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`DELETE FROM search_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		w.logger.Error("search outbox: delete completed entries", "error", err)
	}
}

func (w *OutboxWorker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	// Exponential backoff: locked_until = now() + 2^attempts seconds,
	// capped at 5 minutes, so a Qdrant outage does not become a tight
	// retry loop.
	if _, err := w.pool.Exec(ctx,
		`UPDATE search_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("search outbox: update failed entries", "error", err)
	}

	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("search outbox: dead-letter entry",
				"outbox_id", e.ID,
				"item_id", e.ItemID,
				"operation", e.Operation,
				"attempts", e.Attempts+1,
			)
		}
	}
}

func (w *OutboxWorker) fetchPointsForIndex(ctx context.Context, ids []uuid.UUID) ([]Point, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT id, tenant_scope, source, chunk_index, ingested_at, embedding
		 FROM knowledge_items
		 WHERE id = ANY($1) AND superseded_at IS NULL AND embedding IS NOT NULL`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("search outbox: query knowledge items: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var emb pgvector.Vector
		if err := rows.Scan(&p.ID, &p.Scope, &p.Source, &p.ChunkIndex, &p.IngestedAt, &emb); err != nil {
			return nil, fmt.Errorf("search outbox: scan knowledge item: %w", err)
		}
		p.Embedding = emb.Slice()
		points = append(points, p)
	}
	return points, rows.Err()
}

// registerMetrics registers an observable gauge for outbox depth; a
// growing backlog is the first sign the index has fallen behind.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("tsumugi/outbox")

	_, _ = meter.Int64ObservableGauge("tsumugi.outbox.depth",
		metric.WithDescription("Number of pending entries in the search outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := w.pool.QueryRow(ctx, `SELECT COUNT(*) FROM search_outbox WHERE attempts < $1`, maxOutboxAttempts).Scan(&count)
			if err != nil {
				return nil // Skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Scope, &e.Operation, &e.Attempts); err != nil {
			return nil, fmt.Errorf("search outbox: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
