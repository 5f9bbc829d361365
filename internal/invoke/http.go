package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/router"
)

// HTTPInvoker calls OpenAI-compatible chat-completions endpoints. One
// invoker serves every model provider in the routing table; the endpoint
// and pricing come from the target, the credential from the key map.
type HTTPInvoker struct {
	apiKeys    map[string]string
	httpClient *http.Client
}

// NewHTTPInvoker creates a model invoker. apiKeys maps provider names to
// bearer credentials; providers missing from the map fall back to the
// PROVIDER_API_KEY environment variable, and an empty key sends no
// Authorization header, which is what local endpoints expect.
func NewHTTPInvoker(apiKeys map[string]string) *HTTPInvoker {
	return &HTTPInvoker{
		apiKeys: apiKeys,
		// Per-attempt deadlines arrive via ctx; the client timeout is only
		// a backstop against targets with no timeout configured at all.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (h *HTTPInvoker) keyFor(provider string) string {
	if key, ok := h.apiKeys[provider]; ok {
		return key
	}
	return os.Getenv(strings.ToUpper(provider) + "_API_KEY")
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Invoke implements Invoker: one chat-completions round trip, with the
// actual cost computed from the response's token usage and the target's
// per-1k rates.
func (h *HTTPInvoker) Invoke(ctx context.Context, target router.Target, input Input) (Result, error) {
	var messages []chatMessage
	if input.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: input.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: input.Prompt})

	reqBody, err := json.Marshal(chatRequest{Model: target.Model, Messages: messages})
	if err != nil {
		return Result{}, fatalf("invoke: %s: marshal request", target.Name())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(target.Endpoint, "/")+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, fatalf("invoke: %s: create request: %v", target.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := h.keyFor(target.Provider); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("invoke: %s: %w", target.Name(), err)
		}
		return Result{}, transientf("invoke: %s: send request: %v", target.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, transientf("invoke: %s: read response: %v", target.Name(), err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := apiErrorMessage(body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Result{}, transientf("invoke: %s: status %d: %s", target.Name(), resp.StatusCode, msg)
		}
		return Result{}, fatalf("invoke: %s: status %d: %s", target.Name(), resp.StatusCode, msg)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, transientf("invoke: %s: unmarshal response: %v", target.Name(), err)
	}
	if result.Error != nil {
		return Result{}, fatalf("invoke: %s: api error: %s: %s", target.Name(), result.Error.Type, result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return Result{}, fatalf("invoke: %s: response has no choices", target.Name())
	}

	usage := result.Usage
	return Result{
		Artifact:     result.Choices[0].Message.Content,
		Cost:         tokenCost(target.Rates, usage.PromptTokens, usage.CompletionTokens),
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}, nil
}

// apiErrorMessage pulls a human-readable message out of an error body,
// falling back to a trimmed raw excerpt.
func apiErrorMessage(body []byte) string {
	var parsed struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	return excerpt
}

// tokenCost prices token usage against per-1k rates. Fractional micros
// round toward zero.
func tokenCost(rates router.TokenRates, inputTokens, outputTokens int) model.Micros {
	in := int64(inputTokens) * int64(rates.InputPer1K)
	out := int64(outputTokens) * int64(rates.OutputPer1K)
	return model.Micros((in + out) / 1000)
}
