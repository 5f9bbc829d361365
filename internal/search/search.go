// Package search maintains an external vector index over knowledge chunks
// and keeps it converged with Postgres through a transactional outbox.
//
// Postgres stays the source of truth: the index stores only IDs, vectors,
// and filter payloads, and retrieval hydrates full items from storage. If
// the index is down, retrieval falls back to pgvector similarity inside
// Postgres, so search degrades instead of failing.
package search

import (
	"context"

	"github.com/google/uuid"
)

// Result holds a knowledge item ID and its raw similarity score from the
// index. The caller hydrates full items from Postgres.
type Result struct {
	ItemID uuid.UUID
	Score  float32
}

// Searcher is the read side of a vector index. Implementations must be
// safe for concurrent use.
type Searcher interface {
	// Search returns item IDs similar to the embedding, restricted to the
	// given tenant scopes. A non-empty source narrows to one source.
	Search(ctx context.Context, scopes []string, embedding []float32, source string, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}
