package quality

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// scorerSuiteVersion is recorded on every result so a rescored artifact
// can be told apart from one scored by an older heuristic set.
const scorerSuiteVersion = "scorers/v1"

// Evaluator runs dimension scorers and assembles evaluation results.
type Evaluator struct {
	registry *Registry
	logger   *slog.Logger

	evaluations metric.Int64Counter
	degraded    metric.Int64Counter
}

// NewEvaluator wires an evaluator over a scorer registry.
func NewEvaluator(registry *Registry, logger *slog.Logger) *Evaluator {
	meter := telemetry.Meter("tsumugi/quality")
	evaluations, _ := meter.Int64Counter("quality.evaluations",
		metric.WithDescription("Artifacts evaluated"))
	degraded, _ := meter.Int64Counter("quality.scorers_degraded",
		metric.WithDescription("Dimension scores pinned to zero after a scorer failure"))

	return &Evaluator{
		registry:    registry,
		logger:      logger,
		evaluations: evaluations,
		degraded:    degraded,
	}
}

// Evaluate scores the artifact on the given dimensions concurrently and
// returns the weighted aggregate. A nil dims slice means every dimension
// the profile weighs. A failing scorer degrades its dimension to 0.0
// rather than being omitted; omission would bias the aggregate upward.
// The aggregate divides by the selected dimensions' total weight, so a
// subset of a profile still lands in [0,1].
func (e *Evaluator) Evaluate(ctx context.Context, artifact Artifact, profile WeightProfile, dims []string) (model.EvaluationResult, error) {
	if len(dims) == 0 {
		dims = profile.Dimensions()
	}
	totalWeight := 0.0
	for _, dim := range dims {
		w, ok := profile.Weights[dim]
		if !ok {
			return model.EvaluationResult{}, fmt.Errorf("quality: dimension %q has no weight in profile %q", dim, profile.Name)
		}
		totalWeight += w
	}
	if totalWeight <= 0 {
		return model.EvaluationResult{}, fmt.Errorf("quality: selected dimensions of profile %q have zero total weight", profile.Name)
	}

	scores := make([]model.DimensionScore, len(dims))
	g, gCtx := errgroup.WithContext(ctx)
	for i, dim := range dims {
		scorer, ok := e.registry.Lookup(dim)
		if !ok {
			scores[i] = model.DimensionScore{Score: 0, Degraded: true}
			e.degraded.Add(ctx, 1)
			e.logger.Warn("no scorer registered for dimension, scoring degraded",
				"dimension", dim, "artifact_id", artifact.ID)
			continue
		}
		g.Go(func() error {
			score, err := scorer.Score(gCtx, artifact)
			if err != nil {
				scores[i] = model.DimensionScore{Score: 0, Degraded: true}
				e.degraded.Add(gCtx, 1)
				e.logger.Warn("scorer failed, scoring degraded",
					"dimension", dim, "artifact_id", artifact.ID, "error", err)
				return nil
			}
			scores[i] = model.DimensionScore{Score: clamp(score)}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return model.EvaluationResult{}, fmt.Errorf("quality: evaluate: %w", err)
	}

	result := model.EvaluationResult{
		ArtifactID:      artifact.ID,
		DimensionScores: make(map[string]model.DimensionScore, len(dims)),
		ScoredAt:        time.Now().UTC(),
		ModelVersion:    scorerSuiteVersion,
	}
	aggregate := 0.0
	for i, dim := range dims {
		result.DimensionScores[dim] = scores[i]
		aggregate += profile.Weights[dim] * scores[i].Score
	}
	result.AggregateScore = aggregate / totalWeight

	e.evaluations.Add(ctx, 1)
	return result, nil
}
