package model

import (
	"time"

	"github.com/google/uuid"
)

// StageOutcome is the terminal outcome of one stage attempt.
type StageOutcome string

const (
	StageOutcomeReleased StageOutcome = "released"
	StageOutcomeRevise   StageOutcome = "revise"
	StageOutcomeRejected StageOutcome = "rejected"
	StageOutcomeFailed   StageOutcome = "failed"
	StageOutcomeBlocked  StageOutcome = "blocked"
)

// StageRecord is one append-only ledger entry describing a single stage
// attempt. Records are never updated; each row is hash-chained to its
// predecessor within the run so tampering and lost appends are detectable.
type StageRecord struct {
	ID         uuid.UUID         `json:"id"`
	RunID      uuid.UUID         `json:"run_id"`
	TenantID   uuid.UUID         `json:"tenant_id"`
	Seq        int64             `json:"seq"`
	StageName  string            `json:"stage_name"`
	StageIndex int               `json:"stage_index"`
	Attempt    int               `json:"attempt"`
	Outcome    StageOutcome      `json:"outcome"`
	ModelUsed  string            `json:"model_used,omitempty"`
	Cost       Micros            `json:"cost_micros"`
	ArtifactID *uuid.UUID        `json:"artifact_id,omitempty"`
	Artifact   *string           `json:"artifact,omitempty"`
	Evaluation *EvaluationResult `json:"evaluation,omitempty"`
	Decision   *ReleaseDecision  `json:"decision,omitempty"`
	PrevHash   string            `json:"prev_hash"`
	RecordHash string            `json:"record_hash"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
}

// DimensionScore is one scored evaluation dimension. Degraded marks a
// scorer that errored: its score is pinned to 0.0 rather than omitted, so
// a broken scorer can never bias the aggregate upward.
type DimensionScore struct {
	Score    float64 `json:"score"`
	Degraded bool    `json:"degraded,omitempty"`
}

// EvaluationResult is the immutable outcome of one evaluation pass over
// one artifact. Re-evaluation produces a new result, never a mutation.
type EvaluationResult struct {
	ArtifactID      uuid.UUID                 `json:"artifact_id"`
	DimensionScores map[string]DimensionScore `json:"dimension_scores"`
	AggregateScore  float64                   `json:"aggregate_score"`
	ScoredAt        time.Time                 `json:"scored_at"`
	ModelVersion    string                    `json:"model_version"`
}

// Degraded reports whether any dimension was scored in degraded mode.
func (r EvaluationResult) Degraded() bool {
	for _, d := range r.DimensionScores {
		if d.Degraded {
			return true
		}
	}
	return false
}

// ReleaseOutcome is the verdict of the release policy on one artifact.
type ReleaseOutcome string

const (
	ReleasePending ReleaseOutcome = "pending"
	ReleaseRelease ReleaseOutcome = "release"
	ReleaseRevise  ReleaseOutcome = "revise"
	ReleaseReject  ReleaseOutcome = "reject"
)

// ReleaseDecision is a pure function of an EvaluationResult and a named
// threshold profile. Given identical inputs the decision is always
// identical, so any decision in the ledger can be replayed for audit.
type ReleaseDecision struct {
	ArtifactID       uuid.UUID      `json:"artifact_id"`
	Outcome          ReleaseOutcome `json:"outcome"`
	Reason           string         `json:"reason"`
	ThresholdProfile string         `json:"threshold_profile"`
}
