// Package model defines the core domain types for Tsumugi.
//
// All types correspond directly to database tables and API payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible. Monetary amounts are integer micro-USD;
// floats appear only at API edges.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Micros is a monetary amount in micro-USD (1e-6 USD).
type Micros int64

// RunStatus represents the lifecycle state of a skill run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusBlocked   RunStatus = "blocked"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// runTransitions enumerates the legal status transitions. Blocked is the
// only non-terminal pause: a blocked run returns to running on resume.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusAborted},
	RunStatusRunning: {RunStatusBlocked, RunStatusCompleted, RunStatusFailed, RunStatusAborted},
	RunStatusBlocked: {RunStatusRunning, RunStatusAborted},
}

// ValidTransition reports whether a run may move from one status to another.
// Completed, failed and aborted are terminal.
func ValidTransition(from, to RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return len(runTransitions[s]) == 0
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusBlocked,
		RunStatusCompleted, RunStatusFailed, RunStatusAborted:
		return true
	}
	return false
}

// Run is one execution of a skill's stage pipeline for one tenant.
// The run owns its checkpoint and stage records exclusively.
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

// RunFailure captures why a run ended in failed or aborted.
type RunFailure struct {
	Code   string `json:"code"`
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason"`
}

// Checkpoint is the durable resume point for a run. LastCompletedStage is
// -1 until the first stage completes. StageOutputs maps stage name to the
// artifact produced by that stage; RetryCounts maps stage name to the
// number of revise attempts consumed so far.
type Checkpoint struct {
	RunID              uuid.UUID            `json:"run_id"`
	LastCompletedStage int                  `json:"last_completed_stage"`
	StageOutputs       map[string]uuid.UUID `json:"stage_outputs"`
	RetryCounts        map[string]int       `json:"retry_counts"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// NewCheckpoint returns an empty checkpoint for a freshly created run.
func NewCheckpoint(runID uuid.UUID) Checkpoint {
	return Checkpoint{
		RunID:              runID,
		LastCompletedStage: -1,
		StageOutputs:       make(map[string]uuid.UUID),
		RetryCounts:        make(map[string]int),
	}
}
