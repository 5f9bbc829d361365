package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits on caller-controlled payloads. These keep a single
// oversized field from exhausting the embedding pipeline or filling
// Postgres TEXT columns with garbage.
const (
	MaxSourceLen     = 512
	MaxIngestBytes   = 1 << 20 // 1 MB raw text per ingest call
	MaxQueryLen      = 8 * 1024
	MaxInputValueLen = 64 * 1024
)

// ValidateIngest checks per-field limits on a knowledge ingest request.
func ValidateIngest(source, text string) error {
	if source == "" {
		return fmt.Errorf("source must not be empty")
	}
	if len(source) > MaxSourceLen {
		return fmt.Errorf("source exceeds maximum length of %d characters", MaxSourceLen)
	}
	if text == "" {
		return fmt.Errorf("text must not be empty")
	}
	if len(text) > MaxIngestBytes {
		return fmt.Errorf("text exceeds maximum size of %d bytes", MaxIngestBytes)
	}
	return nil
}

// ValidateRunInputs checks per-value limits on run inputs.
func ValidateRunInputs(inputs map[string]string) error {
	for k, v := range inputs {
		if k == "" {
			return fmt.Errorf("input keys must not be empty")
		}
		if len(v) > MaxInputValueLen {
			return fmt.Errorf("input %q exceeds maximum length of %d bytes", k, MaxInputValueLen)
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInvalidSkill  = "INVALID_SKILL"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateTenantRequest is the request body for POST /v1/tenants.
type CreateTenantRequest struct {
	Name         string            `json:"name"`
	BudgetLimits map[string]Micros `json:"budget_limits,omitempty"`
	KeyRole      KeyRole           `json:"key_role,omitempty"` // role of the bootstrap key; defaults to service
}

// CreateTenantResponse is the response for POST /v1/tenants: the tenant
// plus its bootstrap API key, shown exactly once.
type CreateTenantResponse struct {
	Tenant Tenant           `json:"tenant"`
	Key    APIKeyWithRawKey `json:"key"`
}

// CreateKeyRequest is the request body for POST /v1/tenants/{id}/keys.
type CreateKeyRequest struct {
	Role  KeyRole `json:"role,omitempty"` // defaults to service
	Label string  `json:"label,omitempty"`
}

// StartRunRequest is the request body for POST /v1/runs. The tenant is
// taken from the token claims, never from the body.
type StartRunRequest struct {
	Skill  string            `json:"skill"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// StartRunResponse is the response for POST /v1/runs.
type StartRunResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Status RunStatus `json:"status"`
}

// RunListResponse is the response for GET /v1/runs.
type RunListResponse struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// RunRecordsResponse is the response for GET /v1/runs/{id}/records.
type RunRecordsResponse struct {
	RunID   uuid.UUID     `json:"run_id"`
	Records []StageRecord `json:"records"`
	Chain   string        `json:"chain"` // "verified" or the verification failure
}

// IngestRequest is the request body for POST /v1/knowledge.
type IngestRequest struct {
	Source string `json:"source"`
	Text   string `json:"text"`
	Shared bool   `json:"shared,omitempty"` // operator-only: ingest into the system-wide pool
}

// SearchRequest is the request body for POST /v1/knowledge/search.
type SearchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

// SearchResponse is the response for POST /v1/knowledge/search.
type SearchResponse struct {
	Items []ScoredItem `json:"items"`
}

// BudgetUsageResponse is the response for GET /v1/budget.
type BudgetUsageResponse struct {
	TenantID uuid.UUID           `json:"tenant_id"`
	Period   string              `json:"period"`
	Entries  []BudgetLedgerEntry `json:"entries"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
