package tsumugi

import "context"

// EmbeddingProvider generates vector embeddings for knowledge chunks.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// Ollama/OpenAI/noop provider. Uses []float32 (not pgvector.Vector) so
// external consumers never import the pgvector dependency; New() wraps
// it in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Invoker executes routed stage targets. When provided via WithInvoker,
// it replaces the built-in HTTP chat-completions and MCP tool backends
// for every target, which is how embedders plug in custom providers or
// stub invocation in tests.
type Invoker interface {
	Invoke(ctx context.Context, target Target, input Input) (Result, error)
}

// Scorer rates one quality dimension of an artifact in [0,1]. Registered
// via WithScorer, it becomes available to weight profiles under its
// dimension name, replacing any built-in scorer of that name. An error
// marks the dimension degraded (scored 0.0), never skipped.
type Scorer interface {
	Score(ctx context.Context, artifact Artifact) (float64, error)
}

// RunHook receives async notifications as runs progress. Hooks run in
// goroutines after the record is durable; they must not block
// indefinitely. Failures are logged and never affect the run.
type RunHook interface {
	// OnStageRecorded fires for every appended stage record.
	OnStageRecorded(ctx context.Context, record StageRecord) error
	// OnRunBlocked fires additionally when a record reports a budget
	// denial, the moment a spend-cap alert would go out.
	OnRunBlocked(ctx context.Context, record StageRecord) error
}
