// Package knowledge manages the tenant-scoped retrieval corpus: document
// ingestion with deterministic chunking, embedding, and a degrading
// retrieval chain over Qdrant, pgvector, and Postgres full-text rank.
//
// Postgres is the source of truth; the Qdrant index converges through the
// search outbox and losing it only costs ranking quality, never data.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsumugi/internal/embedding"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/search"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// Service is the knowledge ingestion and retrieval layer shared by the
// HTTP API, the MCP server, and the pipeline runner.
type Service struct {
	db       *storage.DB
	embedder embedding.Provider
	searcher search.Searcher
	logger   *slog.Logger

	ingestLocks keyedMutex

	embedDuration    metric.Float64Histogram
	retrieveDuration metric.Float64Histogram
	chunksIngested   metric.Int64Counter
}

// New creates a knowledge Service. searcher may be nil when Qdrant is not
// configured; retrieval then starts at the pgvector tier.
func New(db *storage.DB, embedder embedding.Provider, searcher search.Searcher, logger *slog.Logger) *Service {
	meter := telemetry.Meter("tsumugi/knowledge")
	embDur, _ := meter.Float64Histogram("tsumugi.embedding.duration",
		metric.WithDescription("Time to generate embeddings (ms)"),
		metric.WithUnit("ms"),
	)
	retDur, _ := meter.Float64Histogram("tsumugi.retrieval.duration",
		metric.WithDescription("Time to answer a retrieval query (ms)"),
		metric.WithUnit("ms"),
	)
	ingested, _ := meter.Int64Counter("tsumugi.knowledge.chunks_ingested",
		metric.WithDescription("Knowledge chunks written by ingestion"),
	)
	return &Service{
		db:               db,
		embedder:         embedder,
		searcher:         searcher,
		logger:           logger,
		embedDuration:    embDur,
		retrieveDuration: retDur,
		chunksIngested:   ingested,
	}
}

// IngestResult summarizes one ingestion pass over a source.
type IngestResult struct {
	Source     string `json:"source"`
	Chunks     int    `json:"chunks"`
	Inserted   int    `json:"inserted"`
	Superseded int    `json:"superseded"`
	Embedded   bool   `json:"embedded"`
}

// Ingest chunks text, embeds the chunks, and replaces the source's
// previous content. A nil tenantID ingests into the shared pool. Writes
// for the same (tenant, source) serialize on a keyed lock: two concurrent
// ingests would otherwise supersede each other's chunks and leave the
// source half-replaced.
//
// Embedding failure degrades rather than fails the ingest; the chunks
// land without vectors and stay reachable through the lexical tier.
func (s *Service) Ingest(ctx context.Context, tenantID *uuid.UUID, source, text string) (IngestResult, error) {
	if source == "" {
		return IngestResult{}, fmt.Errorf("knowledge: source is required")
	}

	chunks := Split(text)
	if len(chunks) == 0 {
		return IngestResult{}, fmt.Errorf("knowledge: source %q has no content", source)
	}

	unlock := s.ingestLocks.lock(model.ScopeKey(tenantID) + "\x00" + source)
	defer unlock()

	vectors := s.embedChunks(ctx, chunks)

	items := make([]model.KnowledgeItem, len(chunks))
	for i, c := range chunks {
		items[i] = model.KnowledgeItem{
			ID:         uuid.New(),
			TenantID:   tenantID,
			Source:     source,
			ChunkIndex: c.Index,
			ChunkHash:  c.Hash,
			Content:    c.Content,
			TokenCount: c.TokenCount,
		}
	}

	inserted, err := s.db.InsertKnowledgeChunks(ctx, items, vectors)
	if err != nil {
		return IngestResult{}, fmt.Errorf("knowledge: ingest %q: %w", source, err)
	}

	keep := make([]string, len(chunks))
	for i, c := range chunks {
		keep[i] = c.Hash
	}
	superseded, err := s.db.SupersedeStaleChunks(ctx, tenantID, source, keep)
	if err != nil {
		return IngestResult{}, fmt.Errorf("knowledge: supersede stale chunks of %q: %w", source, err)
	}

	s.chunksIngested.Add(ctx, inserted)
	s.logger.Info("knowledge: ingested source",
		"source", source,
		"scope", model.ScopeKey(tenantID),
		"chunks", len(chunks),
		"inserted", inserted,
		"superseded", len(superseded),
		"embedded", vectors != nil,
	)

	return IngestResult{
		Source:     source,
		Chunks:     len(chunks),
		Inserted:   int(inserted),
		Superseded: len(superseded),
		Embedded:   vectors != nil,
	}, nil
}

// embedChunks returns one vector per chunk, or nil when no usable
// embeddings can be produced.
func (s *Service) embedChunks(ctx context.Context, chunks []Chunk) []pgvector.Vector {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	start := time.Now()
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	s.embedDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		s.logger.Warn("knowledge: embedding failed, ingesting without vectors", "error", err)
		return nil
	}
	if len(vectors) != len(chunks) {
		s.logger.Warn("knowledge: embedder returned wrong vector count, ingesting without vectors",
			"got", len(vectors), "want", len(chunks))
		return nil
	}
	// The noop provider emits zero vectors; storing them would make every
	// chunk equidistant under cosine similarity.
	if embedding.IsZero(vectors[0]) {
		return nil
	}
	return vectors
}

// Retrieve finds the chunks most relevant to query, visible to the given
// tenant. Tiers: Qdrant when healthy, pgvector cosine when not, Postgres
// full-text rank when the query cannot be embedded at all. Results never
// include another tenant's items no matter which tier answers.
func (s *Service) Retrieve(ctx context.Context, tenantID *uuid.UUID, query string, limit int) ([]model.ScoredItem, error) {
	if query == "" {
		return nil, fmt.Errorf("knowledge: query is required")
	}
	if limit <= 0 {
		limit = 10
	}

	start := time.Now()
	defer func() {
		s.retrieveDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	queryVec, ok := s.embedQuery(ctx, query)
	if ok {
		if s.searcher != nil {
			if err := s.searcher.Healthy(ctx); err == nil {
				items, err := s.searchIndex(ctx, tenantID, queryVec, limit)
				if err == nil {
					return items, nil
				}
				s.logger.Warn("knowledge: index search failed, falling back to pgvector", "error", err)
			} else {
				s.logger.Debug("knowledge: search index unhealthy, using pgvector", "error", err)
			}
		}

		items, err := s.db.SearchKnowledgeByEmbedding(ctx, tenantID, queryVec, limit)
		if err == nil {
			return items, nil
		}
		s.logger.Warn("knowledge: pgvector search failed, falling back to lexical", "error", err)
	}

	items, err := s.db.SearchKnowledgeLexical(ctx, tenantID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge: retrieve: %w", err)
	}
	return items, nil
}

func (s *Service) embedQuery(ctx context.Context, query string) (pgvector.Vector, bool) {
	start := time.Now()
	vec, err := s.embedder.Embed(ctx, query)
	s.embedDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		s.logger.Warn("knowledge: query embedding failed, using lexical retrieval", "error", err)
		return pgvector.Vector{}, false
	}
	if embedding.IsZero(vec) {
		return pgvector.Vector{}, false
	}
	return vec, true
}

// searchIndex queries Qdrant and hydrates hits from Postgres. Hydration
// is scope-checked, so an index hit that drifted across tenants resolves
// to nothing; superseded chunks lingering in the index drop out the same
// way, which is why the index over-fetches.
func (s *Service) searchIndex(ctx context.Context, tenantID *uuid.UUID, queryVec pgvector.Vector, limit int) ([]model.ScoredItem, error) {
	scopes := []string{model.SharedScope}
	if tenantID != nil {
		scopes = append(scopes, tenantID.String())
	}

	results, err := s.searcher.Search(ctx, scopes, queryVec.Slice(), "", limit)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return []model.ScoredItem{}, nil
	}

	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.ItemID
	}
	hydrated, err := s.db.GetKnowledgeByIDs(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate index hits: %w", err)
	}

	byID := make(map[uuid.UUID]model.KnowledgeItem, len(hydrated))
	for _, item := range hydrated {
		byID[item.ID] = item
	}

	items := make([]model.ScoredItem, 0, min(len(results), limit))
	for _, r := range results {
		item, found := byID[r.ItemID]
		if !found {
			continue
		}
		items = append(items, model.ScoredItem{KnowledgeItem: item, Score: r.Score})
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

// DeleteSource supersedes every live chunk of a source and queues their
// removal from the search index. Returns the number of chunks superseded.
func (s *Service) DeleteSource(ctx context.Context, tenantID *uuid.UUID, source string) (int, error) {
	if source == "" {
		return 0, fmt.Errorf("knowledge: source is required")
	}

	unlock := s.ingestLocks.lock(model.ScopeKey(tenantID) + "\x00" + source)
	defer unlock()

	superseded, err := s.db.SupersedeStaleChunks(ctx, tenantID, source, []string{})
	if err != nil {
		return 0, fmt.Errorf("knowledge: delete source %q: %w", source, err)
	}

	s.logger.Info("knowledge: deleted source",
		"source", source,
		"scope", model.ScopeKey(tenantID),
		"superseded", len(superseded),
	)
	return len(superseded), nil
}

// ListSources summarizes the tenant's live sources.
func (s *Service) ListSources(ctx context.Context, tenantID *uuid.UUID) ([]model.SourceSummary, error) {
	return s.db.ListKnowledgeSources(ctx, tenantID)
}

// PruneSuperseded hard-deletes chunks superseded before the cutoff,
// re-queueing index deletes for them. Meant for a periodic maintenance
// call; superseded chunks are invisible to retrieval either way.
func (s *Service) PruneSuperseded(ctx context.Context, olderThan time.Duration) (int64, error) {
	pruned, err := s.db.PruneSupersededKnowledge(ctx, time.Now().UTC().Add(-olderThan), 1000)
	if err != nil {
		return 0, fmt.Errorf("knowledge: prune superseded: %w", err)
	}
	if pruned > 0 {
		s.logger.Info("knowledge: pruned superseded chunks", "count", pruned)
	}
	return pruned, nil
}

// keyedMutex serializes operations sharing a key while letting distinct
// keys proceed in parallel. Lock entries are not reclaimed; the key space
// is bounded by the number of distinct (tenant, source) pairs ingested
// over the process lifetime.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
