// Package embedding turns knowledge text into vectors for retrieval.
//
// A Provider abstracts the embedding backend so ingestion and search do
// not care whether vectors come from OpenAI, a local Ollama server, or
// nothing at all. The noop provider keeps the pipeline functional without
// any embedding backend; retrieval then falls back to lexical search.
package embedding

import (
	"context"
	"log/slog"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/tsumugi/internal/config"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int

	// Name identifies the backend for logs and health reporting.
	Name() string
}

// New selects a provider from configuration. "auto" prefers OpenAI when a
// key is present and otherwise degrades to noop, so a bare deployment
// still ingests and retrieves (lexically) without extra setup.
func New(cfg config.Config, logger *slog.Logger) Provider {
	switch cfg.EmbeddingProvider {
	case "openai":
		return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case "ollama":
		return NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	case "noop":
		return NewNoopProvider(cfg.EmbeddingDimensions)
	default: // auto
		if cfg.OpenAIAPIKey != "" {
			return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		}
		logger.Warn("no embedding backend configured, semantic retrieval disabled",
			"provider", "noop")
		return NewNoopProvider(cfg.EmbeddingDimensions)
	}
}

// NoopProvider returns zero vectors. Ingestion stores chunks without
// usable embeddings and retrieval falls through to lexical ranking.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Name identifies the backend.
func (p *NoopProvider) Name() string { return "noop" }

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int { return p.dims }

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}

// IsZero reports whether a vector carries no signal, which is what the
// noop provider produces. Callers skip semantic search for such vectors.
func IsZero(vec pgvector.Vector) bool {
	for _, v := range vec.Slice() {
		if v != 0 {
			return false
		}
	}
	return true
}
