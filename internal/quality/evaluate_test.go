package quality

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
)

func newTestEvaluator(scores map[string]any) *Evaluator {
	registry := NewRegistry()
	for dim, v := range scores {
		switch v := v.(type) {
		case float64:
			registry.Register(dim, ScorerFunc(func(context.Context, Artifact) (float64, error) {
				return v, nil
			}))
		case error:
			registry.Register(dim, ScorerFunc(func(context.Context, Artifact) (float64, error) {
				return 0, v
			}))
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewEvaluator(registry, logger)
}

func TestEvaluateAggregates(t *testing.T) {
	e := newTestEvaluator(map[string]any{
		"novelty": 0.8,
		"safety":  0.95,
		"voice":   0.6,
	})
	profile := validProfile()
	artifact := Artifact{ID: uuid.New(), Content: "draft"}

	result, err := e.Evaluate(context.Background(), artifact, profile, nil)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}

	if math.Abs(result.AggregateScore-0.835) > 1e-9 {
		t.Errorf("aggregate = %v, want 0.835", result.AggregateScore)
	}
	if len(result.DimensionScores) != 3 {
		t.Fatalf("scored %d dimensions, want 3", len(result.DimensionScores))
	}
	if result.DimensionScores["safety"].Score != 0.95 {
		t.Errorf("safety = %v, want 0.95", result.DimensionScores["safety"].Score)
	}
	if result.ArtifactID != artifact.ID {
		t.Errorf("ArtifactID = %s, want %s", result.ArtifactID, artifact.ID)
	}
	if result.Degraded() {
		t.Error("no scorer failed, result should not be degraded")
	}

	if d := Decide(result, profile); d.Outcome != model.ReleaseRelease {
		t.Errorf("outcome = %s, want release", d.Outcome)
	}
}

func TestEvaluateDegradesFailedScorer(t *testing.T) {
	e := newTestEvaluator(map[string]any{
		"novelty": 0.8,
		"safety":  errors.New("lexicon service down"),
		"voice":   0.6,
	})
	profile := validProfile()

	result, err := e.Evaluate(context.Background(), Artifact{ID: uuid.New()}, profile, nil)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}

	ds, ok := result.DimensionScores["safety"]
	if !ok {
		t.Fatal("failed dimension must still appear in the result")
	}
	if ds.Score != 0 || !ds.Degraded {
		t.Errorf("failed dimension = %+v, want score 0 and degraded", ds)
	}
	if !result.Degraded() {
		t.Error("result should report degraded")
	}

	// 0.3*0.8 + 0.5*0 + 0.2*0.6 = 0.36.
	if math.Abs(result.AggregateScore-0.36) > 1e-9 {
		t.Errorf("aggregate = %v, want 0.36", result.AggregateScore)
	}

	// A degraded safety score of zero trips the floor.
	if d := Decide(result, profile); d.Outcome != model.ReleaseReject {
		t.Errorf("outcome = %s, want reject", d.Outcome)
	}
}

func TestEvaluateMissingScorerDegrades(t *testing.T) {
	e := newTestEvaluator(map[string]any{
		"novelty": 0.8,
		"voice":   0.6,
	})
	profile := validProfile()

	result, err := e.Evaluate(context.Background(), Artifact{ID: uuid.New()}, profile, nil)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	ds := result.DimensionScores["safety"]
	if ds.Score != 0 || !ds.Degraded {
		t.Errorf("unregistered dimension = %+v, want score 0 and degraded", ds)
	}
}

func TestEvaluateClampsScores(t *testing.T) {
	e := newTestEvaluator(map[string]any{
		"high": 1.7,
		"low":  -0.3,
	})
	profile := WeightProfile{
		Name:             "clamp",
		Weights:          map[string]float64{"high": 0.5, "low": 0.5},
		ReleaseThreshold: 0.9,
		ReviseThreshold:  0.1,
	}

	result, err := e.Evaluate(context.Background(), Artifact{ID: uuid.New()}, profile, nil)
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if got := result.DimensionScores["high"].Score; got != 1 {
		t.Errorf("high = %v, want clamped to 1", got)
	}
	if got := result.DimensionScores["low"].Score; got != 0 {
		t.Errorf("low = %v, want clamped to 0", got)
	}
}

func TestEvaluateSubsetRenormalizes(t *testing.T) {
	e := newTestEvaluator(map[string]any{"novelty": 0.8})
	profile := validProfile()

	result, err := e.Evaluate(context.Background(), Artifact{ID: uuid.New()}, profile, []string{"novelty"})
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	// Only novelty (weight 0.3) selected: 0.3*0.8 / 0.3 = 0.8.
	if math.Abs(result.AggregateScore-0.8) > 1e-9 {
		t.Errorf("aggregate = %v, want 0.8", result.AggregateScore)
	}
	if len(result.DimensionScores) != 1 {
		t.Errorf("scored %d dimensions, want 1", len(result.DimensionScores))
	}
}

func TestEvaluateUnknownDimension(t *testing.T) {
	e := newTestEvaluator(map[string]any{"novelty": 0.8})

	_, err := e.Evaluate(context.Background(), Artifact{ID: uuid.New()}, validProfile(), []string{"factuality"})
	if err == nil {
		t.Fatal("unweighted dimension should fail evaluation")
	}
}

func TestEvaluateCanceledContext(t *testing.T) {
	e := newTestEvaluator(map[string]any{"novelty": 0.8})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Evaluate(ctx, Artifact{ID: uuid.New()}, validProfile(), []string{"novelty"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Evaluate() = %v, want context.Canceled", err)
	}
}
