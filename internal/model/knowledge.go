package model

import (
	"time"

	"github.com/google/uuid"
)

// KnowledgeItem is one ingested, retrievable chunk of reference text.
// TenantID nil marks a system-wide item visible to every tenant; a
// non-nil TenantID scopes the item to exactly that tenant. Items are
// never mutated, only superseded or pruned.
type KnowledgeItem struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     *uuid.UUID `json:"tenant_id,omitempty"`
	Source       string     `json:"source"`
	ChunkIndex   int        `json:"chunk_index"`
	ChunkHash    string     `json:"chunk_hash"`
	Content      string     `json:"content"`
	TokenCount   int        `json:"token_count"`
	IngestedAt   time.Time  `json:"ingested_at"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// ScoredItem is a knowledge item paired with its retrieval score.
type ScoredItem struct {
	KnowledgeItem
	Score float32 `json:"score"`
}

// SourceSummary aggregates the live chunks of one ingested source.
type SourceSummary struct {
	Source         string    `json:"source"`
	Chunks         int       `json:"chunks"`
	LastIngestedAt time.Time `json:"last_ingested_at"`
}

// SharedScope is the payload scope value used for system-wide knowledge
// items wherever a non-null key is required (vector index payloads,
// uniqueness keys). It is not a valid tenant ID.
const SharedScope = "shared"

// ScopeKey returns the isolation key for an optional tenant: the tenant
// UUID string, or SharedScope for system-wide items.
func ScopeKey(tenantID *uuid.UUID) string {
	if tenantID == nil {
		return SharedScope
	}
	return tenantID.String()
}
