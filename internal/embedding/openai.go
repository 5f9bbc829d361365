package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAIMaxBatch caps inputs per request, well under the API's own limit,
// so one oversized ingest cannot produce an oversized request body.
const openAIMaxBatch = 512

// OpenAIProvider generates embeddings through the OpenAI embeddings API.
// Dimensions are passed to the API, so models that support shortened
// output (text-embedding-3-*) return vectors matching the store's column.
type OpenAIProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIProvider creates an OpenAI embedding provider.
func NewOpenAIProvider(apiKey, model string, dimensions int) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultOpenAIBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		dimensions: dimensions,
	}
}

// Name identifies the backend.
func (p *OpenAIProvider) Name() string { return "openai" }

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts, splitting oversized
// input into sequential API calls.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vecs := make([]pgvector.Vector, 0, len(texts))
	for start := 0; start < len(texts); start += openAIMaxBatch {
		end := min(start+openAIMaxBatch, len(texts))
		batch, err := p.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, batch...)
	}
	return vecs, nil
}

func (p *OpenAIProvider) embedChunk(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	reqBody, err := json.Marshal(openAIRequest{Input: texts, Model: p.model, Dimensions: p.dimensions})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embedding: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: unexpected status %d", resp.StatusCode)
	}

	// The API may reorder; indexes restore input order.
	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: invalid index %d in response", d.Index)
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}
	return vecs, nil
}
