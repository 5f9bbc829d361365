package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// InsertKnowledgeChunks bulk-loads chunks with duplicate safety. Rows are
// COPYed into a temp table and moved across with ON CONFLICT DO NOTHING on
// (tenant_scope, source, chunk_hash), so re-ingesting unchanged text is a
// no-op and a partially failed ingest can simply be retried. Embeddings may
// be nil when the embedding provider is degraded; such chunks stay
// reachable through the lexical path. Returns the number actually inserted.
func (db *DB) InsertKnowledgeChunks(ctx context.Context, items []model.KnowledgeItem, embeddings []pgvector.Vector) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if embeddings != nil && len(embeddings) != len(items) {
		return 0, fmt.Errorf("storage: %d embeddings for %d chunks", len(embeddings), len(items))
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin ingest tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE _ingest_chunks (LIKE knowledge_items INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return 0, fmt.Errorf("storage: create ingest temp table: %w", err)
	}

	columns := []string{"id", "tenant_id", "tenant_scope", "source", "chunk_index", "chunk_hash",
		"content", "token_count", "embedding", "ingested_at"}
	rows := make([][]any, len(items))
	for i, item := range items {
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		if item.IngestedAt.IsZero() {
			item.IngestedAt = time.Now().UTC()
		}
		var embedding any
		if embeddings != nil {
			embedding = embeddings[i]
		}
		rows[i] = []any{
			item.ID,
			item.TenantID,
			model.ScopeKey(item.TenantID),
			item.Source,
			item.ChunkIndex,
			item.ChunkHash,
			item.Content,
			item.TokenCount,
			embedding,
			item.IngestedAt,
		}
	}

	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	_, err = tx.CopyFrom(copyCtx, pgx.Identifier{"_ingest_chunks"}, columns, pgx.CopyFromRows(rows))
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy chunks: %w", err)
	}

	// Move rows across and queue index upserts for the ones that landed,
	// atomically, so the search index can never miss an inserted chunk.
	tag, err := tx.Exec(ctx,
		`WITH moved AS (
		   INSERT INTO knowledge_items SELECT * FROM _ingest_chunks
		   ON CONFLICT (tenant_scope, source, chunk_hash) DO NOTHING
		   RETURNING id, tenant_scope
		 )
		 INSERT INTO search_outbox (item_id, tenant_scope, operation)
		 SELECT id, tenant_scope, 'upsert' FROM moved
		 ON CONFLICT (item_id, operation) DO UPDATE SET created_at = now(), attempts = 0, locked_until = NULL`)
	if err != nil {
		return 0, fmt.Errorf("storage: insert chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit ingest tx: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SupersedeStaleChunks marks a source's live chunks superseded, except the
// ones whose hashes appear in keep, and queues their removal from the
// search index in the same statement. Called after an ingest so chunks
// that vanished from the re-ingested text stop matching retrieval.
func (db *DB) SupersedeStaleChunks(ctx context.Context, tenantID *uuid.UUID, source string, keep []string) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`WITH stale AS (
		   UPDATE knowledge_items SET superseded_at = now()
		   WHERE tenant_scope = $1 AND source = $2 AND superseded_at IS NULL
		     AND NOT (chunk_hash = ANY($3))
		   RETURNING id, tenant_scope
		 ), queued AS (
		   INSERT INTO search_outbox (item_id, tenant_scope, operation)
		   SELECT id, tenant_scope, 'delete' FROM stale
		   ON CONFLICT (item_id, operation) DO UPDATE SET created_at = now(), attempts = 0, locked_until = NULL
		 )
		 SELECT id FROM stale`,
		model.ScopeKey(tenantID), source, keep,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: supersede chunks: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan superseded id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SearchKnowledgeByEmbedding runs cosine similarity over a tenant's live
// chunks plus the shared pool. Rows without embeddings are skipped.
func (db *DB) SearchKnowledgeByEmbedding(ctx context.Context, tenantID *uuid.UUID, embedding pgvector.Vector, limit int) ([]model.ScoredItem, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, source, chunk_index, chunk_hash, content, token_count, ingested_at, superseded_at,
		 (1 - (embedding <=> $1))::float4 AS similarity
		 FROM knowledge_items
		 WHERE tenant_scope IN ($2, $3) AND superseded_at IS NULL AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1
		 LIMIT $4`,
		embedding, model.ScopeKey(tenantID), model.SharedScope, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search knowledge: %w", err)
	}
	defer rows.Close()

	return scanScoredItems(rows)
}

// SearchKnowledgeLexical is the degraded retrieval path: Postgres full-text
// rank instead of vector similarity, same tenant scoping.
func (db *DB) SearchKnowledgeLexical(ctx context.Context, tenantID *uuid.UUID, query string, limit int) ([]model.ScoredItem, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, source, chunk_index, chunk_hash, content, token_count, ingested_at, superseded_at,
		 ts_rank(to_tsvector('english', content), websearch_to_tsquery('english', $1))::float4 AS rank
		 FROM knowledge_items
		 WHERE tenant_scope IN ($2, $3) AND superseded_at IS NULL
		   AND to_tsvector('english', content) @@ websearch_to_tsquery('english', $1)
		 ORDER BY rank DESC
		 LIMIT $4`,
		query, model.ScopeKey(tenantID), model.SharedScope, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: lexical search: %w", err)
	}
	defer rows.Close()

	return scanScoredItems(rows)
}

// GetKnowledgeByIDs hydrates chunks by ID, scoped so IDs leaked across
// tenants resolve to nothing. Used to backfill content for search index
// hits. Superseded chunks are excluded.
func (db *DB) GetKnowledgeByIDs(ctx context.Context, tenantID *uuid.UUID, ids []uuid.UUID) ([]model.KnowledgeItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, source, chunk_index, chunk_hash, content, token_count, ingested_at, superseded_at
		 FROM knowledge_items
		 WHERE id = ANY($1) AND tenant_scope IN ($2, $3) AND superseded_at IS NULL`,
		ids, model.ScopeKey(tenantID), model.SharedScope,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get knowledge by ids: %w", err)
	}
	defer rows.Close()

	var items []model.KnowledgeItem
	for rows.Next() {
		var item model.KnowledgeItem
		if err := rows.Scan(&item.ID, &item.TenantID, &item.Source, &item.ChunkIndex, &item.ChunkHash,
			&item.Content, &item.TokenCount, &item.IngestedAt, &item.SupersededAt); err != nil {
			return nil, fmt.Errorf("storage: scan knowledge item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListKnowledgeSources summarizes a tenant's live sources with chunk counts.
func (db *DB) ListKnowledgeSources(ctx context.Context, tenantID *uuid.UUID) ([]model.SourceSummary, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT source, COUNT(*), MAX(ingested_at)
		 FROM knowledge_items
		 WHERE tenant_scope = $1 AND superseded_at IS NULL
		 GROUP BY source ORDER BY source ASC`,
		model.ScopeKey(tenantID),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list knowledge sources: %w", err)
	}
	defer rows.Close()

	var sources []model.SourceSummary
	for rows.Next() {
		var s model.SourceSummary
		if err := rows.Scan(&s.Source, &s.Chunks, &s.LastIngestedAt); err != nil {
			return nil, fmt.Errorf("storage: scan source summary: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// PruneSupersededKnowledge deletes superseded chunks older than the cutoff,
// re-queueing index deletes for them in case the supersede-time delete
// never made it to the search index.
func (db *DB) PruneSupersededKnowledge(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	tag, err := db.pool.Exec(ctx,
		`WITH pruned AS (
		   DELETE FROM knowledge_items
		   WHERE id IN (
		     SELECT id FROM knowledge_items
		     WHERE superseded_at IS NOT NULL AND superseded_at < $1
		     ORDER BY superseded_at ASC
		     LIMIT $2
		   )
		   RETURNING id, tenant_scope
		 )
		 INSERT INTO search_outbox (item_id, tenant_scope, operation)
		 SELECT id, tenant_scope, 'delete' FROM pruned
		 ON CONFLICT (item_id, operation) DO UPDATE SET created_at = now(), attempts = 0, locked_until = NULL`,
		cutoff, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune knowledge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanScoredItems(rows pgx.Rows) ([]model.ScoredItem, error) {
	var items []model.ScoredItem
	for rows.Next() {
		var item model.ScoredItem
		if err := rows.Scan(&item.ID, &item.TenantID, &item.Source, &item.ChunkIndex, &item.ChunkHash,
			&item.Content, &item.TokenCount, &item.IngestedAt, &item.SupersededAt, &item.Score); err != nil {
			return nil, fmt.Errorf("storage: scan scored item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
