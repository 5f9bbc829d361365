package tsumugi

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusBlocked   RunStatus = "blocked"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// Terminal reports whether the status is final. Blocked is not terminal:
// a blocked run resumes once budget frees up.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusAborted
}

// Run mirrors the server's run snapshot for API consumers.
type Run struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	SkillName    string         `json:"skill_name"`
	SkillVersion string         `json:"skill_version"`
	Status       RunStatus      `json:"status"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	FinalOutput  *string        `json:"final_output,omitempty"`
	Failure      *RunFailure    `json:"failure,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RunFailure explains why a run is blocked, failed, or aborted.
type RunFailure struct {
	Code   string `json:"code"`
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason"`
}

// StageRecord is one appended telemetry ledger entry.
type StageRecord struct {
	ID         uuid.UUID         `json:"id"`
	RunID      uuid.UUID         `json:"run_id"`
	TenantID   uuid.UUID         `json:"tenant_id"`
	Seq        int64             `json:"seq"`
	StageName  string            `json:"stage_name"`
	StageIndex int               `json:"stage_index"`
	Attempt    int               `json:"attempt"`
	Outcome    string            `json:"outcome"`
	ModelUsed  string            `json:"model_used,omitempty"`
	CostMicros int64             `json:"cost_micros"`
	ArtifactID *uuid.UUID        `json:"artifact_id,omitempty"`
	Artifact   *string           `json:"artifact,omitempty"`
	Evaluation *EvaluationResult `json:"evaluation,omitempty"`
	Decision   *ReleaseDecision  `json:"decision,omitempty"`
	PrevHash   string            `json:"prev_hash"`
	RecordHash string            `json:"record_hash"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
}

// DimensionScore is one scored quality dimension. Degraded marks a
// scorer that errored; its score is pinned to 0.0.
type DimensionScore struct {
	Score    float64 `json:"score"`
	Degraded bool    `json:"degraded,omitempty"`
}

// EvaluationResult is the multi-dimension quality evaluation of one
// artifact.
type EvaluationResult struct {
	ArtifactID      uuid.UUID                 `json:"artifact_id"`
	DimensionScores map[string]DimensionScore `json:"dimension_scores"`
	AggregateScore  float64                   `json:"aggregate_score"`
	ScoredAt        time.Time                 `json:"scored_at"`
	ModelVersion    string                    `json:"model_version"`
}

// ReleaseDecision is the deterministic release verdict derived from an
// evaluation and a named threshold profile.
type ReleaseDecision struct {
	ArtifactID       uuid.UUID `json:"artifact_id"`
	Outcome          string    `json:"outcome"`
	Reason           string    `json:"reason"`
	ThresholdProfile string    `json:"threshold_profile"`
}

// StartRunRequest is the payload for StartRun. IdempotencyKey, when set,
/// is sent as the Idempotency-Key header: a retried call with the same key
// and payload replays the original response instead of starting a second
// paid run.
type StartRunRequest struct {
	Skill          string            `json:"skill"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// StartRunResponse acknowledges an accepted run.
type StartRunResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Status RunStatus `json:"status"`
}

// RunList is one page of runs plus the unpaginated total.
type RunList struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

/// RunRecords is a run's full ledger trail plus the hash-chain verdict:
// "verified", or a description of the first break.
type RunRecords struct {
	RunID   uuid.UUID     `json:"run_id"`
	Records []StageRecord `json:"records"`
	Chain   string        `json:"chain"`
}

// IngestRequest is the payload for Ingest. Shared requires the operator
// role and targets the system-wide pool.
type IngestRequest struct {
	Source string `json:"source"`
	Text   string `json:"text"`
	Shared bool   `json:"shared,omitempty"`
}

// IngestResult summarises one ingest call.
type IngestResult struct {
	Source     string `json:"source"`
	Chunks     int    `json:"chunks"`
	Inserted   int    `json:"inserted"`
	Superseded int    `json:"superseded"`
	Embedded   bool   `json:"embedded"`
}

// SourceSummary aggregates the live chunks of one ingested source.
type SourceSummary struct {
	Source         string    `json:"source"`
	Chunks         int       `json:"chunks"`
	LastIngestedAt time.Time `json:"last_ingested_at"`
}

// ScoredItem is a knowledge chunk paired with its retrieval score.
// TenantID is nil for shared-pool items.
type ScoredItem struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   *uuid.UUID `json:"tenant_id,omitempty"`
	Source     string     `json:"source"`
	ChunkIndex int        `json:"chunk_index"`
	ChunkHash  string     `json:"chunk_hash"`
	Content    string     `json:"content"`
	TokenCount int        `json:"token_count"`
	IngestedAt time.Time  `json:"ingested_at"`
	Score      float32    `json:"score"`
}

// DeleteSourceResult summarises a source deletion.
type DeleteSourceResult struct {
	Source     string `json:"source"`
	Superseded int    `json:"superseded"`
}

// BudgetEntry is one provider's ledger row for a period. Amounts are
// micro-USD integers.
type BudgetEntry struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	Provider  string    `json:"provider"`
	Period    string    `json:"period"`
	Reserved  int64     `json:"reserved_micros"`
	Spent     int64     `json:"spent_micros"`
	Limit     int64     `json:"limit_micros"`
	Overruns  int       `json:"overruns"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BudgetUsage is the caller's spend ledger for the current period.
type BudgetUsage struct {
	TenantID uuid.UUID     `json:"tenant_id"`
	Period   string        `json:"period"`
	Entries  []BudgetEntry `json:"entries"`
}

// Tenant mirrors the server's tenant for operator callers.
type Tenant struct {
	ID           uuid.UUID        `json:"id"`
	Name         string           `json:"name"`
	Status       string           `json:"status"`
	BudgetLimits map[string]int64 `json:"budget_limits,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// APIKey is a key's metadata; the hash never leaves the server.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	Prefix     string     `json:"prefix"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	Role       string     `json:"role"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// APIKeyWithRawKey is returned only on creation; RawKey is shown once.
type APIKeyWithRawKey struct {
	APIKey
	RawKey string `json:"raw_key"`
}

// CreateTenantRequest is the payload for CreateTenant (operator role).
type CreateTenantRequest struct {
	Name         string           `json:"name"`
	BudgetLimits map[string]int64 `json:"budget_limits,omitempty"`
	KeyRole      string           `json:"key_role,omitempty"`
}

// CreateTenantResponse is the new tenant plus its bootstrap key.
type CreateTenantResponse struct {
	Tenant Tenant           `json:"tenant"`
	Key    APIKeyWithRawKey `json:"key"`
}

// CreateKeyRequest is the payload for CreateKey (operator role).
type CreateKeyRequest struct {
	Role  string `json:"role,omitempty"`
	Label string `json:"label,omitempty"`
}

// Health is the server's health report.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
