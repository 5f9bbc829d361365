package tsumugi

import (
	"time"

	"github.com/google/uuid"
)

// StageRecord is the public view of one telemetry ledger entry. It is a
// curated copy of internal/model.StageRecord for use in extension
// interfaces; no internal package imports, safe outside the module.
type StageRecord struct {
	RunID      uuid.UUID
	TenantID   uuid.UUID
	Seq        int64
	Stage      string
	StageIndex int
	Attempt    int
	// Outcome is one of released, revise, rejected, failed, blocked.
	Outcome    string
	ModelUsed  string
	CostMicros int64
	ArtifactID *uuid.UUID
	RecordHash string
	EndedAt    time.Time
}

// Artifact is the text unit handed to custom scorers. Instructions carry
// the stage prompt so a scorer can judge the text against what it was
// asked to be.
type Artifact struct {
	ID           uuid.UUID
	Content      string
	Instructions string
}

// Target describes the invocation destination a custom Invoker receives.
// Model is set for model-kind targets, Tool for tool-kind ones.
type Target struct {
	TaskType string
	// Kind is "model" or "mcp_tool".
	Kind     string
	Provider string
	Model    string
	Tool     string
	Endpoint string
}

// Input is the assembled payload for one stage attempt. Prompt carries
// the rendered text for model targets; tool targets additionally receive
// Arguments.
type Input struct {
	System    string
	Prompt    string
	Arguments map[string]any
}

// Result is a successful invocation: the artifact produced and what it
// actually cost, in micro-USD.
type Result struct {
	Artifact     string
	CostMicros   int64
	InputTokens  int
	OutputTokens int
}
