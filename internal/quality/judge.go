package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// JudgeFunc sends a judging prompt to a model and returns its raw reply.
// The runner supplies one bound to the configured judge model so this
// package stays free of transport concerns.
type JudgeFunc func(ctx context.Context, prompt string) (string, error)

// judgeResponse is the JSON shape the judge prompt asks for.
type judgeResponse struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// JudgeScorer rates a dimension by asking a model. Invocation or parse
// failures surface as errors so the evaluator records the dimension as
// degraded instead of trusting a half-read reply.
type JudgeScorer struct {
	dimension string
	criteria  string
	invoke    JudgeFunc
}

// NewJudgeScorer builds a judge for one dimension. criteria is a short
// plain-language description of what a high score means.
func NewJudgeScorer(dimension, criteria string, invoke JudgeFunc) *JudgeScorer {
	return &JudgeScorer{dimension: dimension, criteria: criteria, invoke: invoke}
}

// Score implements Scorer.
func (s *JudgeScorer) Score(ctx context.Context, artifact Artifact) (float64, error) {
	reply, err := s.invoke(ctx, s.buildPrompt(artifact))
	if err != nil {
		return 0, fmt.Errorf("quality: judge %s: %w", s.dimension, err)
	}

	var resp judgeResponse
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &resp); err != nil {
		return 0, fmt.Errorf("quality: judge %s: parse reply: %w", s.dimension, err)
	}
	return clamp(resp.Score), nil
}

func (s *JudgeScorer) buildPrompt(artifact Artifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a strict content reviewer. Rate the text below on %q.\n", s.dimension)
	if s.criteria != "" {
		fmt.Fprintf(&b, "A score of 1.0 means: %s\n", s.criteria)
	}
	if artifact.Instructions != "" {
		fmt.Fprintf(&b, "\nThe text was produced for this instruction:\n%s\n", artifact.Instructions)
	}
	fmt.Fprintf(&b, "\nText:\n%s\n", artifact.Content)
	b.WriteString("\nReply with only JSON: {\"score\": <0.0-1.0>, \"reasoning\": \"<one sentence>\"}")
	return b.String()
}

// stripCodeFence removes a surrounding markdown code fence, which models
// add around JSON despite instructions not to.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
