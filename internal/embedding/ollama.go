package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
)

// ollamaMaxConcurrency bounds parallel requests; a local GPU serves one
// model and queues the rest anyway.
const ollamaMaxConcurrency = 4

// OllamaProvider generates embeddings with a local Ollama server, keeping
// tenant knowledge on the operator's own hardware.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOllamaProvider creates a provider for Ollama's embedding API.
// dimensions must match the model's native output size, for example 1024
// for mxbai-embed-large.
func NewOllamaProvider(baseURL, model string, dimensions int) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: dimensions,
	}
}

// Name identifies the backend.
func (p *OllamaProvider) Name() string { return "ollama" }

// Dimensions returns the model's native vector size.
func (p *OllamaProvider) Dimensions() int { return p.dimensions }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates a single embedding vector.
func (p *OllamaProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	reqBody, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: ollama: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return pgvector.Vector{}, fmt.Errorf("embedding: ollama: status %d: %s", resp.StatusCode, string(body))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding: ollama: decode response: %w", err)
	}
	if len(result.Embedding) != p.dimensions {
		return pgvector.Vector{}, fmt.Errorf("embedding: ollama: got %d dimensions, store expects %d", len(result.Embedding), p.dimensions)
	}

	return pgvector.NewVector(result.Embedding), nil
}

// EmbedBatch generates embeddings for multiple texts. Ollama has no batch
// API, so calls fan out over a bounded worker pool.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) == 1 {
		vec, err := p.Embed(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return []pgvector.Vector{vec}, nil
	}

	vecs := make([]pgvector.Vector, len(texts))
	errs := make([]error, len(texts))
	sem := make(chan struct{}, ollamaMaxConcurrency)

	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			vec, err := p.Embed(ctx, text)
			if err != nil {
				errs[i] = fmt.Errorf("embedding: ollama: batch item %d: %w", i, err)
				return
			}
			vecs[i] = vec
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return vecs, nil
}
