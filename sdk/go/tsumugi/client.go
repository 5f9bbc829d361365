package tsumugi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Tsumugi server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is the secret used to obtain a JWT token. Service keys run
	// pipelines and use the knowledge store; operator keys additionally
	// manage tenants and keys.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Tsumugi pipeline API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tsumugi: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tsumugi: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.APIKey, httpClient),
	}, nil
}

// ---------------------------------------------------------------------------
// Run lifecycle
// ---------------------------------------------------------------------------

// StartRun starts a pipeline run of the named skill. Execution is
// asynchronous: the response carries the run ID for GetRun polling or
// WaitForRun. Set req.IdempotencyKey to make retries safe.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*StartRunResponse, error) {
	var headers http.Header
	if req.IdempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{req.IdempotencyKey}}
	}
	var resp StartRunResponse
	if err := c.post(ctx, "/v1/runs", req, &resp, headers); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun retrieves a run snapshot. A blocked run is a normal result, not
// an error; inspect Run.Failure for the budget denial that blocked it.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRunsOptions are optional filters for ListRuns.
type ListRunsOptions struct {
	Status RunStatus
	Limit  int
	Offset int
}

// ListRuns returns the caller's runs, newest first.
func (c *Client) ListRuns(ctx context.Context, opts *ListRunsOptions) (*RunList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp RunList
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResumeRun picks a blocked or interrupted run back up from its
// checkpoint. Stages that already released are not re-executed or
// re-charged. Returns IsConflict on runs that are not resumable.
func (c *Client) ResumeRun(ctx context.Context, runID uuid.UUID) (*StartRunResponse, error) {
	var resp StartRunResponse
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/resume", nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AbortRun aborts a pending, running, or blocked run. Reserved budget is
// released; spent budget stays spent.
func (c *Client) AbortRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/abort", nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunRecords retrieves a run's full telemetry ledger in sequence order,
// with the hash-chain verification verdict.
func (c *Client) RunRecords(ctx context.Context, runID uuid.UUID) (*RunRecords, error) {
	var resp RunRecords
	if err := c.get(ctx, "/v1/runs/"+runID.String()+"/records", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForRun polls until the run reaches a terminal status or blocks,
// then returns the final snapshot. Blocked counts as settled: the run
// will not progress without a resume, so waiting longer is pointless.
// A poll interval of 0 defaults to 2 seconds.
func (c *Client) WaitForRun(ctx context.Context, runID uuid.UUID, pollInterval time.Duration) (*Run, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() || run.Status == RunStatusBlocked {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ---------------------------------------------------------------------------
// Knowledge
// ---------------------------------------------------------------------------

// Ingest chunks, embeds, and stores text under a named source,
// atomically superseding the source's previous content.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	var resp IngestResult
	if err := c.post(ctx, "/v1/knowledge", req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Search performs semantic retrieval over the caller's pool plus the
// shared pool. k <= 0 uses the server default.
func (c *Client) Search(ctx context.Context, query string, k int) ([]ScoredItem, error) {
	body := map[string]any{"query": query}
	if k > 0 {
		body["k"] = k
	}
	var resp struct {
		Items []ScoredItem `json:"items"`
	}
	if err := c.post(ctx, "/v1/knowledge/search", body, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ListSources returns per-source summaries of the caller's pool, or of
// the shared pool when shared is true.
func (c *Client) ListSources(ctx context.Context, shared bool) ([]SourceSummary, error) {
	path := "/v1/knowledge"
	if shared {
		path += "?shared=true"
	}
	var resp []SourceSummary
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DeleteSource removes a source from retrieval by superseding its live
// chunks. Shared-pool deletion requires the operator role.
func (c *Client) DeleteSource(ctx context.Context, source string, shared bool) (*DeleteSourceResult, error) {
	path := "/v1/knowledge/" + url.PathEscape(source)
	if shared {
		path += "?shared=true"
	}
	var resp DeleteSourceResult
	if err := c.doDelete(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Budget
// ---------------------------------------------------------------------------

// BudgetUsage returns the caller's current-period spend ledger, one
// entry per provider.
func (c *Client) BudgetUsage(ctx context.Context) (*BudgetUsage, error) {
	var resp BudgetUsage
	if err := c.get(ctx, "/v1/budget", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Tenant administration (operator role)
// ---------------------------------------------------------------------------

// CreateTenant creates a tenant plus its bootstrap API key. The raw key
// appears in this response only.
func (c *Client) CreateTenant(ctx context.Context, req CreateTenantRequest) (*CreateTenantResponse, error) {
	var resp CreateTenantResponse
	if err := c.post(ctx, "/v1/tenants", req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTenants lists all tenants.
func (c *Client) ListTenants(ctx context.Context) ([]Tenant, error) {
	var resp []Tenant
	if err := c.get(ctx, "/v1/tenants", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ArchiveTenant archives a tenant, revoking all of its keys. Archiving
// is terminal.
func (c *Client) ArchiveTenant(ctx context.Context, tenantID uuid.UUID) (*Tenant, error) {
	var resp Tenant
	if err := c.post(ctx, "/v1/tenants/"+tenantID.String()+"/archive", nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateKey mints an API key for a tenant. The raw key is shown once.
func (c *Client) CreateKey(ctx context.Context, tenantID uuid.UUID, req CreateKeyRequest) (*APIKeyWithRawKey, error) {
	var resp APIKeyWithRawKey
	if err := c.post(ctx, "/v1/tenants/"+tenantID.String()+"/keys", req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListKeys lists a tenant's API keys. Hashes are never returned.
func (c *Client) ListKeys(ctx context.Context, tenantID uuid.UUID) ([]APIKey, error) {
	var resp []APIKey
	if err := c.get(ctx, "/v1/tenants/"+tenantID.String()+"/keys", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RevokeKey revokes an API key. Returns nil on success (204 No Content).
func (c *Client) RevokeKey(ctx context.Context, tenantID, keyID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/tenants/"+tenantID.String()+"/keys/"+keyID.String(), nil)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health checks the server's health status. This endpoint does not
// require authentication and works even with invalid credentials.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any, headers http.Header) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tsumugi: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("tsumugi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tsumugi: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tsumugi: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tsumugi: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tsumugi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tsumugi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tsumugi: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("tsumugi: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
