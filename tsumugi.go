// Package tsumugi is the public API for embedding the Tsumugi pipeline server.
//
// Platform consumers import this package to construct and extend the
// server without forking it:
//
//	app, err := tsumugi.New(
//	    tsumugi.WithVersion(version),
//	    tsumugi.WithLogger(logger),
//	    tsumugi.WithScorer("grounding", myScorer),
//	    tsumugi.WithRunHook(mySpendAlerter{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: tsumugi (root) imports
// internal/*, but internal/* never imports tsumugi (root). Public types
// (StageRecord, Target, etc.) are standalone structs with no internal
// imports; conversion helpers (toPublicRecord, adapters) live here because
// this is the only file that sees both sides of the boundary.
package tsumugi

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/tsumugi/api"
	"github.com/ashita-ai/tsumugi/internal/auth"
	"github.com/ashita-ai/tsumugi/internal/authz"
	"github.com/ashita-ai/tsumugi/internal/budget"
	"github.com/ashita-ai/tsumugi/internal/config"
	"github.com/ashita-ai/tsumugi/internal/embedding"
	"github.com/ashita-ai/tsumugi/internal/invoke"
	"github.com/ashita-ai/tsumugi/internal/knowledge"
	"github.com/ashita-ai/tsumugi/internal/ledger"
	"github.com/ashita-ai/tsumugi/internal/mcp"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/quality"
	"github.com/ashita-ai/tsumugi/internal/router"
	"github.com/ashita-ai/tsumugi/internal/runner"
	"github.com/ashita-ai/tsumugi/internal/search"
	"github.com/ashita-ai/tsumugi/internal/server"
	"github.com/ashita-ai/tsumugi/internal/skill"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
	"github.com/ashita-ai/tsumugi/migrations"
)

// judgeCriteria is what a 1.0 on the judge dimension means. Deployments
// that want different judging register their own scorer via WithScorer.
const judgeCriteria = "the text follows its instructions, states no fabricated specifics, and would be safe to publish as-is"

// App is the Tsumugi server lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	runner       *runner.Service
	sweeper      *budget.Sweeper
	outbox       *search.OutboxWorker // nil when Qdrant is not configured
	qdrantIndex  *search.QdrantIndex  // nil when Qdrant is not configured
	broker       *server.Broker       // nil when no notify connection
	verifier     *authz.KeyVerifier
	knowledge    *knowledge.Service
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Tsumugi server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("tsumugi starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	fail := func(step string, err error) (*App, error) {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		return fail("migrations", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			return fail(fmt.Sprintf("extra migrations[%d]", i), err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail("auth", err)
	}

	// Embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &embeddingAdapter{p: o.embeddingProvider}
	} else {
		embedder = embedding.New(cfg, logger)
	}

	// Qdrant index and outbox worker (optional; pgvector fallback otherwise).
	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fail("qdrant", err)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			return fail("qdrant ensure collection", err)
		}
		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL), retrieval uses pgvector")
	}

	knowledgeSvc := knowledge.New(db, embedder, searcher, logger)

	catalog, err := loadCatalog(cfg.SkillsDir, logger)
	if err != nil {
		if qdrantIndex != nil {
			_ = qdrantIndex.Close()
		}
		return fail("skill catalog", err)
	}

	table, err := router.Load(cfg.RouterConfig, logger)
	if err != nil {
		if qdrantIndex != nil {
			_ = qdrantIndex.Close()
		}
		return fail("routing table", err)
	}

	budgetMgr := budget.NewManager(db, logger, cfg.BudgetPeriod, model.Micros(cfg.BudgetDefaultLimit))
	route := router.New(table, budgetMgr, logger)
	sweeper := budget.NewSweeper(db, logger, cfg.SweepInterval, cfg.ReservationTTL)

	profiles, err := loadProfiles(cfg.ProfilesConfig, logger)
	if err != nil {
		if qdrantIndex != nil {
			_ = qdrantIndex.Close()
		}
		return fail("weight profiles", err)
	}

	// Stage invoker — external override replaces both built-in backends.
	var stageInvoker invoke.Invoker
	if o.invoker != nil {
		stageInvoker = &invokerAdapter{inv: o.invoker}
	} else {
		stageInvoker = invoke.NewMux(invoke.NewHTTPInvoker(nil), invoke.NewMCPInvoker(nil, logger), logger)
	}

	// Scorer registry: built-in heuristics, then the judge when the table
	// routes one, then external registrations on top.
	registry := quality.DefaultRegistry()
	if candidates, ok := table.Candidates("judge"); ok && len(candidates) > 0 {
		target := candidates[0]
		registry.Register("judge", quality.NewJudgeScorer("judge", judgeCriteria,
			func(ctx context.Context, prompt string) (string, error) {
				res, err := stageInvoker.Invoke(ctx, target, invoke.Input{Prompt: prompt})
				if err != nil {
					return "", err
				}
				return res.Artifact, nil
			}))
		logger.Info("quality: judge scorer routed", "target", target.Name())
	}
	for dim, s := range o.scorers {
		registry.Register(dim, &scorerAdapter{s: s})
		logger.Info("quality: external scorer registered", "dimension", dim)
	}

	// SSE broker needs the dedicated LISTEN connection; without it the
	// events endpoint reports unavailable and everything else still works.
	var broker *server.Broker
	if err := db.ConnectNotify(context.Background()); err != nil {
		logger.Warn("SSE broker: disabled", "error", err)
	} else {
		broker = server.NewBroker(db, logger)
	}

	led := ledger.New(db, logger, recordSink(logger, broker, o.runHooks))

	runnerSvc := runner.New(runner.Config{
		DB:             db,
		Catalog:        catalog,
		Router:         route,
		Budget:         budgetMgr,
		Invoker:        stageInvoker,
		Evaluator:      quality.NewEvaluator(registry, logger),
		Profiles:       profiles,
		Ledger:         led,
		Logger:         logger,
		MaxConcurrent:  cfg.MaxConcurrent,
		StageTimeout:   cfg.StageTimeout,
		RetryBase:      cfg.RetryBase,
		RetryFactor:    cfg.RetryFactor,
		MaxAttempts:    cfg.MaxAttempts,
		MaxReviseLoops: cfg.MaxReviseLoops,
	})

	verifier := authz.NewKeyVerifier(db, cfg.KeyStatusTTL, logger)
	mcpSrv := mcp.New(db, runnerSvc, knowledgeSvc, catalog, led, logger, version)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Runner:              runnerSvc,
		Ledger:              led,
		Budget:              budgetMgr,
		Knowledge:           knowledgeSvc,
		Catalog:             catalog,
		Logger:              logger,
		Verifier:            verifier,
		Broker:              broker,
		Searcher:            searcher,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RateLimitPerMin:     cfg.RateLimitPerMin,
		AuthRateLimitPerMin: cfg.AuthRateLimitPerMin,
		OpenAPISpec:         api.OpenAPISpec,
	})

	// Seed the bootstrap operator key so a fresh deployment can mint
	// tenants. Without one, only pre-existing keys can authenticate.
	if cfg.OperatorAPIKey != "" {
		if err := seedOperator(context.Background(), db, cfg.OperatorAPIKey, logger); err != nil {
			verifier.Close()
			if qdrantIndex != nil {
				_ = qdrantIndex.Close()
			}
			return fail("operator seed", err)
		}
	} else {
		logger.Info("operator seed: skipped (no TSUMUGI_OPERATOR_API_KEY); use scripts/genkey to mint one")
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		runner:       runnerSvc,
		sweeper:      sweeper,
		outbox:       outboxWorker,
		qdrantIndex:  qdrantIndex,
		broker:       broker,
		verifier:     verifier,
		knowledge:    knowledgeSvc,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically — callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	// Runs left in running by a dead process move to blocked before any
	// executor starts, so nothing double-executes after a crash.
	if _, err := a.runner.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}

	a.sweeper.Start(ctx)
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if a.broker != nil {
		go a.broker.Start(ctx)
	}
	go a.idempotencyCleanupLoop(ctx)
	go a.knowledgePruneLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a three-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) stop background workers: in-flight runs finish their current stage
// or roll back to the last durable record, outbox and sweeper drain,
// (3) close the index, OTEL provider, and database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("tsumugi shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	runnerCtx, runnerCancel := context.WithTimeout(ctx, 30*time.Second)
	a.runner.Shutdown(runnerCtx)
	runnerCancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, 10*time.Second)
	a.sweeper.Drain(drainCtx)
	if a.outbox != nil {
		a.outbox.Drain(drainCtx)
	}
	drainCancel()

	a.verifier.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("tsumugi stopped")
	return nil
}

// ── Background loops ───────────────────────────────────────────────────────────

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyCompletedTTL, a.cfg.IdempotencyAbandonedTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

// knowledgePruneLoop hard-deletes superseded chunks past the retention
// window. Superseding already removes them from retrieval; this loop only
// reclaims storage, so it runs rarely.
func (a *App) knowledgePruneLoop(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			pruned, err := a.knowledge.PruneSuperseded(opCtx, a.cfg.KnowledgeRetention)
			cancel()
			if err != nil {
				a.logger.Warn("knowledge prune failed", "error", err)
				continue
			}
			if pruned > 0 {
				a.logger.Info("knowledge prune deleted chunks", "deleted", pruned)
			}
		}
	}
}

// ── Startup helpers ────────────────────────────────────────────────────────────

// loadCatalog loads the skills directory, tolerating its absence: a
// deployment without skills still serves tenants and knowledge.
func loadCatalog(dir string, logger *slog.Logger) (*skill.Catalog, error) {
	catalog, err := skill.LoadDir(dir, logger)
	if err == nil {
		return catalog, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("skill catalog: directory missing, starting empty", "dir", dir)
		return skill.NewCatalog(logger), nil
	}
	return nil, err
}

func loadProfiles(path string, logger *slog.Logger) (quality.ProfileSet, error) {
	if path == "" {
		logger.Info("weight profiles: using built-in defaults")
		return quality.DefaultProfileSet(), nil
	}
	return quality.LoadProfileSet(path)
}

// seedOperator ensures the configured bootstrap operator key exists.
// Repeated boots with the same key are no-ops; a new key seeds a fresh
// control-plane credential alongside the old one.
func seedOperator(ctx context.Context, db *storage.DB, rawKey string, logger *slog.Logger) error {
	prefix, _, err := model.ParseRawKey(rawKey)
	if err != nil {
		return err
	}

	_, err = db.GetAPIKeyByPrefix(ctx, prefix)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		return err
	}
	tenant, key, err := db.CreateTenantAndKeyTx(ctx,
		model.Tenant{Name: "control-plane"},
		model.APIKey{Prefix: prefix, KeyHash: hash, Role: model.RoleOperator, Label: "bootstrap"},
	)
	if err != nil {
		return err
	}
	logger.Info("operator key seeded", "tenant_id", tenant.ID, "key_id", key.ID, "prefix", prefix)
	return nil
}

// recordSink builds the ledger's append sink: broker publication for SSE
// plus external run hooks. Returns nil when there is nothing to notify,
// so the ledger skips the call entirely.
func recordSink(logger *slog.Logger, broker *server.Broker, hooks []RunHook) func(model.StageRecord) {
	if broker == nil && len(hooks) == 0 {
		return nil
	}
	return func(rec model.StageRecord) {
		if broker != nil {
			broker.PublishStageRecord(rec)
		}
		if len(hooks) == 0 {
			return
		}
		public := toPublicRecord(rec)
		blocked := rec.Outcome == model.StageOutcomeBlocked
		go func() {
			hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for _, h := range hooks {
				if err := h.OnStageRecorded(hookCtx, public); err != nil {
					logger.Warn("run hook OnStageRecorded failed", "error", err)
				}
				if blocked {
					if err := h.OnRunBlocked(hookCtx, public); err != nil {
						logger.Warn("run hook OnRunBlocked failed", "error", err)
					}
				}
			}
		}()
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// embeddingAdapter wraps a public EmbeddingProvider to satisfy
// embedding.Provider, converting raw float slices to pgvector values at
// the boundary so external providers never see a pgvector type.
type embeddingAdapter struct {
	p EmbeddingProvider
}

func (a *embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	raw, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(raw), nil
}

func (a *embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	raws, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	vecs := make([]pgvector.Vector, len(raws))
	for i, raw := range raws {
		vecs[i] = pgvector.NewVector(raw)
	}
	return vecs, nil
}

func (a *embeddingAdapter) Dimensions() int {
	return a.p.Dimensions()
}

func (a *embeddingAdapter) Name() string {
	return "external"
}

// invokerAdapter wraps a public Invoker to satisfy invoke.Invoker,
// converting internal target/result types at the boundary.
type invokerAdapter struct {
	inv Invoker
}

func (a *invokerAdapter) Invoke(ctx context.Context, target router.Target, input invoke.Input) (invoke.Result, error) {
	res, err := a.inv.Invoke(ctx, Target{
		TaskType: target.TaskType,
		Kind:     string(target.Kind),
		Provider: target.Provider,
		Model:    target.Model,
		Tool:     target.Tool,
		Endpoint: target.Endpoint,
	}, Input{
		System:    input.System,
		Prompt:    input.Prompt,
		Arguments: input.Arguments,
	})
	if err != nil {
		return invoke.Result{}, err
	}
	return invoke.Result{
		Artifact:     res.Artifact,
		Cost:         model.Micros(res.CostMicros),
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	}, nil
}

// scorerAdapter wraps a public Scorer to satisfy quality.Scorer.
type scorerAdapter struct {
	s Scorer
}

func (a *scorerAdapter) Score(ctx context.Context, artifact quality.Artifact) (float64, error) {
	return a.s.Score(ctx, Artifact{
		ID:           artifact.ID,
		Content:      artifact.Content,
		Instructions: artifact.Instructions,
	})
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicRecord converts an internal model.StageRecord to the public
// tsumugi.StageRecord. Lives here because this is the only file that
// imports both sides of the boundary.
func toPublicRecord(rec model.StageRecord) StageRecord {
	return StageRecord{
		RunID:      rec.RunID,
		TenantID:   rec.TenantID,
		Seq:        rec.Seq,
		Stage:      rec.StageName,
		StageIndex: rec.StageIndex,
		Attempt:    rec.Attempt,
		Outcome:    string(rec.Outcome),
		ModelUsed:  rec.ModelUsed,
		CostMicros: int64(rec.Cost),
		ArtifactID: rec.ArtifactID,
		RecordHash: rec.RecordHash,
		EndedAt:    rec.EndedAt,
	}
}
