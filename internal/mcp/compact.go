package mcp

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/skill"
)

const maxCompactContent = 400

// compactRun returns a minimal representation of a run for MCP responses.
// Drops inputs (the caller supplied them) and truncates the final output;
// the full artifact is available over the REST API when needed.
func compactRun(run model.Run) map[string]any {
	m := map[string]any{
		"id":            run.ID,
		"skill":         run.SkillName,
		"skill_version": run.SkillVersion,
		"status":        run.Status,
		"created_at":    run.CreatedAt,
	}
	if run.FinalOutput != nil && *run.FinalOutput != "" {
		m["final_output"] = truncate(*run.FinalOutput, maxCompactContent)
	}
	if run.Failure != nil {
		m["failure_code"] = run.Failure.Code
		if run.Failure.Stage != "" {
			m["failure_stage"] = run.Failure.Stage
		}
		m["failure_reason"] = truncate(run.Failure.Reason, maxCompactContent)
	}
	if run.StartedAt != nil {
		m["started_at"] = run.StartedAt
	}
	if run.EndedAt != nil {
		m["ended_at"] = run.EndedAt
	}
	return m
}

// compactRecord returns a minimal representation of a stage record.
// Drops the hash-chain fields and the artifact body; agents act on
// outcomes and scores, auditors read tsumugi://runs/{id}/records.
func compactRecord(rec model.StageRecord) map[string]any {
	m := map[string]any{
		"seq":      rec.Seq,
		"stage":    rec.StageName,
		"attempt":  rec.Attempt,
		"outcome":  rec.Outcome,
		"ended_at": rec.EndedAt,
	}
	if rec.ModelUsed != "" {
		m["model_used"] = rec.ModelUsed
	}
	if rec.Cost > 0 {
		m["cost_micros"] = rec.Cost
	}
	if rec.ArtifactID != nil {
		m["artifact_id"] = rec.ArtifactID
	}
	if rec.Evaluation != nil {
		m["score"] = rec.Evaluation.AggregateScore
		if rec.Evaluation.Degraded() {
			m["score_degraded"] = true
		}
	}
	if rec.Decision != nil {
		m["decision"] = rec.Decision.Outcome
		if rec.Decision.Reason != "" {
			m["decision_reason"] = truncate(rec.Decision.Reason, maxCompactContent)
		}
	}
	return m
}

// compactItem returns a minimal representation of a retrieved knowledge
// chunk with its similarity score.
func compactItem(item model.ScoredItem) map[string]any {
	scope := "tenant"
	if item.TenantID == nil {
		scope = "shared"
	}
	return map[string]any{
		"source":      item.Source,
		"chunk_index": item.ChunkIndex,
		"content":     truncate(item.Content, maxCompactContent),
		"score":       item.Score,
		"scope":       scope,
		"ingested_at": item.IngestedAt,
	}
}

// compactSkill returns the catalog view of a skill. Stage prompts stay
// server-side; agents need the shape of the pipeline, not its wording.
func compactSkill(def skill.Definition) map[string]any {
	stages := make([]map[string]any, len(def.Stages))
	for i, st := range def.Stages {
		stage := map[string]any{
			"name":      st.Name,
			"task_type": st.TaskType,
		}
		if len(st.InputFrom) > 0 {
			stage["input_from"] = st.InputFrom
		}
		if st.Evaluation != nil {
			if len(st.Evaluation.Dimensions) > 0 {
				stage["evaluation_dimensions"] = st.Evaluation.Dimensions
			}
			if st.Evaluation.Profile != "" {
				stage["evaluation_profile"] = st.Evaluation.Profile
			}
		}
		stages[i] = stage
	}

	m := map[string]any{
		"name":    def.Name,
		"version": def.Version,
		"stages":  stages,
	}
	if def.Description != "" {
		m["description"] = def.Description
	}
	return m
}

// runSummary creates a 1-2 sentence human-readable synthesis of where a
// run stands. Template-based, no LLM dependency.
func runSummary(run model.Run, records []model.StageRecord) string {
	var cost model.Micros
	revises := 0
	for _, rec := range records {
		cost += rec.Cost
		if rec.Outcome == model.StageOutcomeRevise {
			revises++
		}
	}

	var head string
	switch run.Status {
	case model.RunStatusCompleted:
		head = fmt.Sprintf("Run completed: %d stage record(s), total cost %d micro-USD.", len(records), cost)

	case model.RunStatusBlocked:
		head = "Run blocked on budget"
		if run.Failure != nil && run.Failure.Stage != "" {
			head = fmt.Sprintf("Run blocked on budget at stage %q", run.Failure.Stage)
		}
		head += ". Resume after the budget period rolls over, or after an operator raises the tenant limit."

	case model.RunStatusFailed:
		head = "Run failed."
		if run.Failure != nil {
			head = fmt.Sprintf("Run failed at stage %q (%s): %s",
				run.Failure.Stage, run.Failure.Code, truncate(run.Failure.Reason, 120))
			if !strings.HasSuffix(head, ".") {
				head += "."
			}
		}

	case model.RunStatusAborted:
		head = "Run aborted by request."

	default:
		head = fmt.Sprintf("Run in progress: %d stage record(s) so far.", len(records))
	}

	parts := []string{head}
	if revises > 0 {
		parts = append(parts, fmt.Sprintf("Includes %d revise cycle(s).", revises))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
