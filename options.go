package tsumugi

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port              int
	databaseURL       string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	invoker           Invoker
	scorers           map[string]Scorer
	runHooks          []RunHook
	extraMigrations   []fs.FS
}

// WithPort overrides the TCP port from config (TSUMUGI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (Ollama/OpenAI/noop) used for knowledge ingestion and retrieval.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithInvoker replaces the built-in stage invoker (HTTP chat completions
// for model targets, MCP for tool targets). Only the last call wins.
// The judge scorer, when routed, goes through the same invoker.
func WithInvoker(inv Invoker) Option {
	return func(o *resolvedOptions) { o.invoker = inv }
}

// WithScorer registers a quality scorer under a dimension name, replacing
// any built-in scorer of that name. Weight profiles reference dimensions
// by these names.
func WithScorer(dimension string, s Scorer) Option {
	return func(o *resolvedOptions) {
		if o.scorers == nil {
			o.scorers = make(map[string]Scorer)
		}
		o.scorers[dimension] = s
	}
}

// WithRunHook registers a hook receiving run lifecycle notifications.
// Multiple hooks may be registered; all receive every event.
func WithRunHook(hook RunHook) Option {
	return func(o *resolvedOptions) { o.runHooks = append(o.runHooks, hook) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
