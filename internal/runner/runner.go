// Package runner sequences stage execution for skill runs.
//
// One run executes one skill's stage pipeline for one tenant. Per stage the
// runner asks the router for a budget-backed target, invokes it, evaluates
// the artifact and acts on the release decision. The telemetry ledger is
// the commit point: a stage counts as done only once its released record is
// durable, and the checkpoint advances strictly after that, so a resumed
// run can never re-execute a completed stage.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsumugi/internal/budget"
	"github.com/ashita-ai/tsumugi/internal/invoke"
	"github.com/ashita-ai/tsumugi/internal/ledger"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/quality"
	"github.com/ashita-ai/tsumugi/internal/router"
	"github.com/ashita-ai/tsumugi/internal/skill"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// ErrInvalidSkill is returned when a run references an unknown skill or a
// definition whose task types, profiles or dimensions cannot be satisfied.
var ErrInvalidSkill = errors.New("runner: invalid skill definition")

// ErrTenantNotFound is returned when the tenant does not exist or is
// archived.
var ErrTenantNotFound = errors.New("runner: tenant not found")

// ErrRunNotFound is returned when the run does not exist for the tenant.
var ErrRunNotFound = errors.New("runner: run not found")

// ErrRunNotResumable is returned when a run is failed, aborted, or already
// executing.
var ErrRunNotResumable = errors.New("runner: run not resumable")

// ErrRunBlocked is returned when a stage could not reserve budget. The run
// is paused, not failed; it resumes once headroom returns.
var ErrRunBlocked = errors.New("runner: run blocked on budget")

// StageRejectedError is the terminal failure of a run whose artifact did
// not clear the release policy.
type StageRejectedError struct {
	Stage  string
	Reason string
}

func (e *StageRejectedError) Error() string {
	return fmt.Sprintf("runner: stage %q rejected: %s", e.Stage, e.Reason)
}

// Config wires a runner service.
type Config struct {
	DB        *storage.DB
	Catalog   *skill.Catalog
	Router    *router.Router
	Budget    *budget.Manager
	Invoker   invoke.Invoker
	Evaluator *quality.Evaluator
	Profiles  quality.ProfileSet
	Ledger    *ledger.Ledger
	Logger    *slog.Logger

	// MaxConcurrent caps runs executing at once; further scheduled runs
	// queue on the semaphore.
	MaxConcurrent int
	// StageTimeout bounds one invocation attempt when neither the stage
	// nor the target sets its own.
	StageTimeout time.Duration
	// RetryBase and RetryFactor shape the transient backoff; MaxAttempts
	// caps invocation attempts per stage cycle.
	RetryBase   time.Duration
	RetryFactor int
	MaxAttempts int
	// MaxReviseLoops is the default revise budget for stages that do not
	// set max_retries.
	MaxReviseLoops int
}

// Service is the pipeline runner.
type Service struct {
	db        *storage.DB
	catalog   *skill.Catalog
	router    *router.Router
	budget    *budget.Manager
	invoker   invoke.Invoker
	evaluator *quality.Evaluator
	profiles  quality.ProfileSet
	ledger    *ledger.Ledger
	logger    *slog.Logger

	stageTimeout time.Duration
	retryBase    time.Duration
	retryFactor  int
	maxAttempts  int
	maxRevise    int

	sem        chan struct{}
	wg         sync.WaitGroup
	stop       chan struct{}
	stopOnce   sync.Once
	execCtx    context.Context
	execCancel context.CancelFunc

	runsStarted   metric.Int64Counter
	runsCompleted metric.Int64Counter
	runsFailed    metric.Int64Counter
	runsBlocked   metric.Int64Counter
	stageDur      metric.Float64Histogram
}

// New creates a runner service. Zero timing fields fall back to the
// stock retry policy: 2m stage timeout, 1s backoff base doubling across
// 3 attempts, 2 revise loops.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 2 * time.Minute
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryFactor < 1 {
		cfg.RetryFactor = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxReviseLoops <= 0 {
		cfg.MaxReviseLoops = 2
	}

	meter := telemetry.Meter("tsumugi/runner")
	started, _ := meter.Int64Counter("tsumugi.runner.runs_started",
		metric.WithDescription("Run executions claimed"))
	completed, _ := meter.Int64Counter("tsumugi.runner.runs_completed",
		metric.WithDescription("Runs that reached completed"))
	failed, _ := meter.Int64Counter("tsumugi.runner.runs_failed",
		metric.WithDescription("Runs that reached failed"))
	blocked, _ := meter.Int64Counter("tsumugi.runner.runs_blocked",
		metric.WithDescription("Runs paused on budget denial"))
	stageDur, _ := meter.Float64Histogram("tsumugi.runner.stage.duration",
		metric.WithDescription("Wall time per completed stage (ms)"),
		metric.WithUnit("ms"))

	execCtx, execCancel := context.WithCancel(context.Background())
	return &Service{
		db:            cfg.DB,
		catalog:       cfg.Catalog,
		router:        cfg.Router,
		budget:        cfg.Budget,
		invoker:       cfg.Invoker,
		evaluator:     cfg.Evaluator,
		profiles:      cfg.Profiles,
		ledger:        cfg.Ledger,
		logger:        cfg.Logger,
		stageTimeout:  cfg.StageTimeout,
		retryBase:     cfg.RetryBase,
		retryFactor:   cfg.RetryFactor,
		maxAttempts:   cfg.MaxAttempts,
		maxRevise:     cfg.MaxReviseLoops,
		sem:           make(chan struct{}, cfg.MaxConcurrent),
		stop:          make(chan struct{}),
		execCtx:       execCtx,
		execCancel:    execCancel,
		runsStarted:   started,
		runsCompleted: completed,
		runsFailed:    failed,
		runsBlocked:   blocked,
		stageDur:      stageDur,
	}
}

// StartRun validates the request, creates the run and schedules it for
// asynchronous execution, returning the pending run immediately. Callers
// poll the run or subscribe to its record stream for progress.
func (s *Service) StartRun(ctx context.Context, tenantID uuid.UUID, skillName string, inputs map[string]any) (model.Run, error) {
	tenant, err := s.activeTenant(ctx, tenantID)
	if err != nil {
		return model.Run{}, err
	}

	def, ok := s.catalog.Get(skillName)
	if !ok {
		return model.Run{}, fmt.Errorf("%w: unknown skill %q", ErrInvalidSkill, skillName)
	}
	if err := s.validateSkill(def); err != nil {
		return model.Run{}, err
	}

	run, err := s.db.CreateRun(ctx, model.Run{
		TenantID:     tenant.ID,
		SkillName:    def.Name,
		SkillVersion: def.Version,
		Inputs:       inputs,
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("runner: create run: %w", err)
	}

	s.logger.Info("runner: run created",
		"run_id", run.ID, "tenant_id", tenant.ID, "skill", def.Name, "version", def.Version)
	s.Schedule(tenant, run.ID)
	return run, nil
}

// ResumeRun executes a pending or blocked run synchronously and returns
// its final state. Resuming a completed run returns it unchanged, so
// replaying a resume is idempotent.
func (s *Service) ResumeRun(ctx context.Context, tenantID, runID uuid.UUID) (model.Run, error) {
	tenant, err := s.activeTenant(ctx, tenantID)
	if err != nil {
		return model.Run{}, err
	}
	return s.Execute(ctx, tenant, runID)
}

// ResumeRunAsync validates that the run can execute again, schedules it
// and returns immediately with the run's pre-resume snapshot. Completed
// runs are returned unchanged without scheduling; terminal runs refuse.
// Concurrent resumes race on the claim, so at most one executor wins.
func (s *Service) ResumeRunAsync(ctx context.Context, tenantID, runID uuid.UUID) (model.Run, error) {
	tenant, err := s.activeTenant(ctx, tenantID)
	if err != nil {
		return model.Run{}, err
	}

	run, err := s.db.GetRun(ctx, tenant.ID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return model.Run{}, fmt.Errorf("runner: load run: %w", err)
	}
	if run.Status == model.RunStatusCompleted {
		return run, nil
	}
	if run.Status.Terminal() {
		return run, fmt.Errorf("%w: status %s", ErrRunNotResumable, run.Status)
	}

	s.Schedule(tenant, run.ID)
	return run, nil
}

// Schedule queues a run for background execution under the concurrency
// cap. Used by StartRun and by the API's asynchronous resume.
func (s *Service) Schedule(tenant model.Tenant, runID uuid.UUID) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.stop:
			s.logger.Info("runner: shutdown before execution, run stays claimable", "run_id", runID)
			return
		case s.sem <- struct{}{}:
		}
		defer func() { <-s.sem }()

		run, err := s.Execute(s.execCtx, tenant, runID)
		s.logOutcome(runID, run, err)
	}()
}

func (s *Service) logOutcome(runID uuid.UUID, run model.Run, err error) {
	var rejected *StageRejectedError
	switch {
	case err == nil:
		s.logger.Info("runner: run finished", "run_id", runID, "status", run.Status)
	case errors.Is(err, ErrRunBlocked):
		s.logger.Info("runner: run blocked", "run_id", runID, "reason", err.Error())
	case errors.As(err, &rejected):
		s.logger.Info("runner: run rejected",
			"run_id", runID, "stage", rejected.Stage, "reason", rejected.Reason)
	case errors.Is(err, ErrRunNotResumable):
		s.logger.Debug("runner: run no longer executable", "run_id", runID, "error", err)
	case errors.Is(err, storage.ErrConflict):
		s.logger.Info("runner: run state changed underneath executor", "run_id", runID, "error", err)
	default:
		s.logger.Error("runner: run failed", "run_id", runID, "error", err)
	}
}

// Execute claims the run and drives its stage loop to a terminal or
// blocked state. A completed run is returned as-is; failed and aborted
// runs are not executable again.
func (s *Service) Execute(ctx context.Context, tenant model.Tenant, runID uuid.UUID) (model.Run, error) {
	run, err := s.db.GetRun(ctx, tenant.ID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return model.Run{}, fmt.Errorf("runner: load run: %w", err)
	}
	if run.Status == model.RunStatusCompleted {
		return run, nil
	}
	if run.Status.Terminal() {
		return run, fmt.Errorf("%w: status %s", ErrRunNotResumable, run.Status)
	}

	def, ok := s.catalog.Get(run.SkillName)
	if !ok {
		return run, fmt.Errorf("%w: skill %q no longer in catalog", ErrInvalidSkill, run.SkillName)
	}
	if def.Version != run.SkillVersion {
		s.logger.Warn("runner: skill changed since run started, using current definition",
			"run_id", run.ID, "skill", def.Name,
			"run_version", run.SkillVersion, "catalog_version", def.Version)
	}
	if err := s.validateSkill(def); err != nil {
		return run, err
	}

	if err := s.db.ClaimRun(ctx, runID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return run, fmt.Errorf("%w: already executing", ErrRunNotResumable)
		}
		return run, fmt.Errorf("runner: claim run: %w", err)
	}
	run.Status = model.RunStatusRunning
	s.runsStarted.Add(ctx, 1)

	e := &execution{svc: s, tenant: tenant, run: run, def: def}
	return e.execute(ctx)
}

// Abort cancels a run that has not reached a terminal state and releases
// any budget holds it still owns.
func (s *Service) Abort(ctx context.Context, tenantID, runID uuid.UUID) error {
	if err := s.db.AbortRun(ctx, tenantID, runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("%w: already terminal", ErrRunNotResumable)
		}
		return fmt.Errorf("runner: abort: %w", err)
	}

	held, err := s.db.HeldReservationsForRun(ctx, runID)
	if err != nil {
		s.logger.Warn("runner: abort could not list held reservations, sweeper will reclaim",
			"run_id", runID, "error", err)
		return nil
	}
	for _, res := range held {
		if err := s.budget.Release(ctx, res); err != nil {
			s.logger.Warn("runner: abort release failed, sweeper will reclaim",
				"run_id", runID, "reservation_id", res.ID, "error", err)
		}
	}
	s.logger.Info("runner: run aborted", "run_id", runID, "released_holds", len(held))
	return nil
}

// RecoverInterrupted moves runs left in running by a dead process to
// blocked so they can be resumed. Call once at boot, before any executor
// starts.
func (s *Service) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := s.db.InterruptRunningRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("runner: recover interrupted: %w", err)
	}
	if n > 0 {
		s.logger.Warn("runner: interrupted runs moved to blocked", "count", n)
	}
	return n, nil
}

// Shutdown stops accepting queued work and waits for in-flight runs. When
// the context expires first, in-flight executions are canceled; their
// stages roll back to the last durable record and resume later.
func (s *Service) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stop) })
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("runner: shutdown deadline passed, canceling in-flight runs")
		s.execCancel()
		<-done
	}
	s.execCancel()
}

func (s *Service) activeTenant(ctx context.Context, tenantID uuid.UUID) (model.Tenant, error) {
	tenant, err := s.db.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Tenant{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
		}
		return model.Tenant{}, fmt.Errorf("runner: load tenant: %w", err)
	}
	if tenant.Status != model.TenantActive {
		return model.Tenant{}, fmt.Errorf("%w: %s is %s", ErrTenantNotFound, tenantID, tenant.Status)
	}
	return tenant, nil
}

// validateSkill cross-checks a structurally valid definition against the
// routing table and evaluation profiles, so a run can only start if every
// stage is executable and scorable.
func (s *Service) validateSkill(def skill.Definition) error {
	for _, st := range def.Stages {
		if !s.router.Table().HasRoute(st.TaskType) {
			return fmt.Errorf("%w: stage %q task type %q has no route",
				ErrInvalidSkill, st.Name, st.TaskType)
		}
		if st.Evaluation == nil {
			continue
		}
		profile, err := s.profiles.Get(st.Evaluation.Profile)
		if err != nil {
			return fmt.Errorf("%w: stage %q: %v", ErrInvalidSkill, st.Name, err)
		}
		for _, dim := range st.Evaluation.Dimensions {
			if _, ok := profile.Weights[dim]; !ok {
				return fmt.Errorf("%w: stage %q dimension %q has no weight in profile %q",
					ErrInvalidSkill, st.Name, dim, profile.Name)
			}
		}
	}
	return nil
}
