package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/invoke"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/quality"
	"github.com/ashita-ai/tsumugi/internal/router"
	"github.com/ashita-ai/tsumugi/internal/skill"
)

// execution carries the per-run state of one claimed run through its stage
// loop. It is confined to a single goroutine.
type execution struct {
	svc    *Service
	tenant model.Tenant
	run    model.Run
	def    skill.Definition
	cp     model.Checkpoint
	final  string
}

func (e *execution) execute(ctx context.Context) (model.Run, error) {
	cp, err := e.svc.db.GetCheckpoint(ctx, e.run.ID)
	if err != nil {
		return e.run, fmt.Errorf("runner: load checkpoint: %w", err)
	}
	e.cp = cp
	if e.cp.StageOutputs == nil {
		e.cp.StageOutputs = make(map[string]uuid.UUID)
	}
	if e.cp.RetryCounts == nil {
		e.cp.RetryCounts = make(map[string]int)
	}

	if err := e.reconcile(ctx); err != nil {
		return e.run, err
	}

	for idx := e.cp.LastCompletedStage + 1; idx < len(e.def.Stages); idx++ {
		if err := e.executeStage(ctx, idx); err != nil {
			if errors.Is(err, ErrRunBlocked) {
				e.svc.runsBlocked.Add(ctx, 1)
			} else {
				e.svc.runsFailed.Add(ctx, 1)
			}
			return e.reload(ctx), err
		}
	}

	final, err := e.finalOutput(ctx)
	if err != nil {
		return e.reload(ctx), err
	}
	if err := e.svc.db.CompleteRun(ctx, e.run.ID, final); err != nil {
		return e.reload(ctx), fmt.Errorf("runner: complete run: %w", err)
	}
	e.svc.runsCompleted.Add(ctx, 1)
	e.svc.logger.Info("runner: run completed",
		"run_id", e.run.ID, "tenant_id", e.tenant.ID,
		"skill", e.def.Name, "stages", len(e.def.Stages))
	return e.reload(ctx), nil
}

// reconcile folds released ledger records into the checkpoint. The ledger
// is the commit point: a released record whose stage the checkpoint has
// not absorbed means the process died between the durable append and the
// checkpoint save. Those stages are done and must never re-execute.
func (e *execution) reconcile(ctx context.Context) error {
	records, err := e.svc.ledger.Query(ctx, e.tenant.ID, e.run.ID)
	if err != nil {
		return fmt.Errorf("runner: reconcile: %w", err)
	}

	changed := false
	for _, rec := range records {
		if rec.Outcome != model.StageOutcomeReleased || rec.ArtifactID == nil {
			continue
		}
		if _, ok := e.cp.StageOutputs[rec.StageName]; !ok {
			e.cp.StageOutputs[rec.StageName] = *rec.ArtifactID
			changed = true
		}
		if rec.StageIndex > e.cp.LastCompletedStage {
			e.cp.LastCompletedStage = rec.StageIndex
			changed = true
		}
	}
	if !changed {
		return nil
	}

	e.svc.logger.Info("runner: checkpoint behind ledger, folded released records",
		"run_id", e.run.ID, "last_completed_stage", e.cp.LastCompletedStage)
	if err := e.saveCheckpoint(ctx); err != nil {
		return fmt.Errorf("runner: reconcile checkpoint: %w", err)
	}
	return nil
}

// executeStage drives one stage through route, invoke, evaluate and the
// release decision, holding a single budget reservation across revise
// cycles. Only a RELEASE commits spend; every other exit releases the
// hold.
func (e *execution) executeStage(ctx context.Context, idx int) error {
	stage := e.def.Stages[idx]
	stageStart := time.Now().UTC()

	target, reservation, err := e.svc.router.Route(ctx, stage.TaskType, e.tenant, &e.run.ID)
	if err != nil {
		if errors.Is(err, router.ErrDenied) {
			return e.blockStage(ctx, stage, idx, stageStart, err)
		}
		e.failRun(ctx, "route_failed", stage.Name, err.Error())
		e.appendBestEffort(ctx, model.StageRecord{
			RunID:      e.run.ID,
			TenantID:   e.tenant.ID,
			StageName:  stage.Name,
			StageIndex: idx,
			Outcome:    model.StageOutcomeFailed,
			StartedAt:  stageStart,
			EndedAt:    time.Now().UTC(),
		})
		return fmt.Errorf("runner: stage %q: %w", stage.Name, err)
	}

	profileName := ""
	var dims []string
	if stage.Evaluation != nil {
		profileName = stage.Evaluation.Profile
		dims = stage.Evaluation.Dimensions
	}
	profile, err := e.svc.profiles.Get(profileName)
	if err != nil {
		return e.failStage(ctx, stage, idx, 0, reservation, target, stageStart, err)
	}

	maxRevise := stage.Retries(e.svc.maxRevise)
	var (
		feedback []string
		prev     string
		total    model.Micros
	)

	for attempt := 0; ; attempt++ {
		attemptStart := time.Now().UTC()

		input, err := e.buildInput(ctx, stage, prev, feedback)
		if err != nil {
			return e.failStage(ctx, stage, idx, attempt, reservation, target, attemptStart, err)
		}

		res, err := e.invokeWithRetry(ctx, stage, target, input)
		if err != nil {
			return e.failStage(ctx, stage, idx, attempt, reservation, target, attemptStart, err)
		}
		total += res.Cost

		artifactID := uuid.New()
		artifact := quality.Artifact{ID: artifactID, Content: res.Artifact, Instructions: input.System}
		evaluation, err := e.svc.evaluator.Evaluate(ctx, artifact, profile, dims)
		if err != nil {
			return e.failStage(ctx, stage, idx, attempt, reservation, target, attemptStart, err)
		}
		decision := quality.Decide(evaluation, profile)

		rec := model.StageRecord{
			RunID:      e.run.ID,
			TenantID:   e.tenant.ID,
			StageName:  stage.Name,
			StageIndex: idx,
			Attempt:    attempt,
			ModelUsed:  target.Name(),
			Cost:       res.Cost,
			ArtifactID: &artifactID,
			Artifact:   &res.Artifact,
			Evaluation: &evaluation,
			Decision:   &decision,
			StartedAt:  attemptStart,
			EndedAt:    time.Now().UTC(),
		}

		switch decision.Outcome {
		case model.ReleaseRelease:
			if err := e.svc.budget.Commit(ctx, reservation, total); err != nil {
				e.svc.logger.Warn("runner: budget commit failed, hold left for sweeper",
					"run_id", e.run.ID, "stage", stage.Name,
					"reservation_id", reservation.ID, "error", err)
			}
			rec.Outcome = model.StageOutcomeReleased
			if _, err := e.svc.ledger.Append(ctx, rec); err != nil {
				e.failRun(ctx, "record_append_failed", stage.Name, err.Error())
				return fmt.Errorf("runner: stage %q: append released record: %w", stage.Name, err)
			}

			e.cp.LastCompletedStage = idx
			e.cp.StageOutputs[stage.Name] = artifactID
			e.cp.RetryCounts[stage.Name] = attempt
			if err := e.saveCheckpoint(ctx); err != nil {
				e.svc.logger.Warn("runner: checkpoint save failed, ledger reconcile covers the gap",
					"run_id", e.run.ID, "stage", stage.Name, "error", err)
			}
			e.final = res.Artifact

			e.svc.stageDur.Record(ctx, float64(time.Since(stageStart).Milliseconds()))
			e.svc.logger.Info("runner: stage released",
				"run_id", e.run.ID, "stage", stage.Name, "attempt", attempt,
				"model", target.Name(), "cost_micros", int64(total),
				"aggregate", evaluation.AggregateScore)
			return nil

		case model.ReleaseRevise:
			if attempt >= maxRevise {
				reason := fmt.Sprintf("revise limit reached after %d attempts: %s", attempt+1, decision.Reason)
				rec.Outcome = model.StageOutcomeRejected
				return e.rejectStage(ctx, stage, reservation, rec, reason)
			}
			rec.Outcome = model.StageOutcomeRevise
			if _, err := e.svc.ledger.Append(ctx, rec); err != nil {
				return e.failStage(ctx, stage, idx, attempt, reservation, target, attemptStart,
					fmt.Errorf("append revise record: %w", err))
			}
			feedback = append(feedback, decision.Reason)
			prev = res.Artifact
			e.svc.logger.Info("runner: stage revising",
				"run_id", e.run.ID, "stage", stage.Name, "attempt", attempt,
				"aggregate", evaluation.AggregateScore, "reason", decision.Reason)

		case model.ReleaseReject:
			rec.Outcome = model.StageOutcomeRejected
			return e.rejectStage(ctx, stage, reservation, rec, decision.Reason)

		default:
			return e.failStage(ctx, stage, idx, attempt, reservation, target, attemptStart,
				fmt.Errorf("unexpected release outcome %q", decision.Outcome))
		}
	}
}

// blockStage records the denial and pauses the run. No reservation is held
// on this path; blocked is resumable, so the record append is best effort.
func (e *execution) blockStage(ctx context.Context, stage skill.StageSpec, idx int, start time.Time, cause error) error {
	e.appendBestEffort(ctx, model.StageRecord{
		RunID:      e.run.ID,
		TenantID:   e.tenant.ID,
		StageName:  stage.Name,
		StageIndex: idx,
		Outcome:    model.StageOutcomeBlocked,
		StartedAt:  start,
		EndedAt:    time.Now().UTC(),
	})
	failure := model.RunFailure{Code: "budget_denied", Stage: stage.Name, Reason: cause.Error()}
	if err := e.svc.db.BlockRun(ctx, e.run.ID, failure); err != nil {
		e.svc.logger.Error("runner: block run failed",
			"run_id", e.run.ID, "stage", stage.Name, "error", err)
	}
	e.svc.logger.Info("runner: run blocked on budget",
		"run_id", e.run.ID, "tenant_id", e.tenant.ID, "stage", stage.Name)
	return fmt.Errorf("runner: stage %q: %w", stage.Name, ErrRunBlocked)
}

// failStage releases the stage's hold, records the failure and marks the
// run failed.
func (e *execution) failStage(ctx context.Context, stage skill.StageSpec, idx, attempt int, reservation model.Reservation, target router.Target, start time.Time, cause error) error {
	e.release(ctx, reservation)
	e.appendBestEffort(ctx, model.StageRecord{
		RunID:      e.run.ID,
		TenantID:   e.tenant.ID,
		StageName:  stage.Name,
		StageIndex: idx,
		Attempt:    attempt,
		Outcome:    model.StageOutcomeFailed,
		ModelUsed:  target.Name(),
		StartedAt:  start,
		EndedAt:    time.Now().UTC(),
	})
	e.failRun(ctx, "stage_failed", stage.Name, cause.Error())
	return fmt.Errorf("runner: stage %q: %w", stage.Name, cause)
}

// rejectStage releases the hold, appends the rejected record and fails the
// run with the rejection reason.
func (e *execution) rejectStage(ctx context.Context, stage skill.StageSpec, reservation model.Reservation, rec model.StageRecord, reason string) error {
	e.release(ctx, reservation)
	if _, err := e.svc.ledger.Append(ctx, rec); err != nil {
		e.svc.logger.Warn("runner: append rejected record failed",
			"run_id", e.run.ID, "stage", stage.Name, "error", err)
	}
	e.failRun(ctx, "stage_rejected", stage.Name, reason)
	return &StageRejectedError{Stage: stage.Name, Reason: reason}
}

func (e *execution) release(ctx context.Context, reservation model.Reservation) {
	if err := e.svc.budget.Release(ctx, reservation); err != nil {
		e.svc.logger.Warn("runner: release reservation failed, sweeper will reclaim",
			"run_id", e.run.ID, "reservation_id", reservation.ID, "error", err)
	}
}

func (e *execution) failRun(ctx context.Context, code, stage, reason string) {
	failure := model.RunFailure{Code: code, Stage: stage, Reason: reason}
	if err := e.svc.db.FailRun(ctx, e.run.ID, failure); err != nil {
		e.svc.logger.Error("runner: fail run failed",
			"run_id", e.run.ID, "stage", stage, "error", err)
	}
}

func (e *execution) appendBestEffort(ctx context.Context, rec model.StageRecord) {
	if _, err := e.svc.ledger.Append(ctx, rec); err != nil {
		e.svc.logger.Warn("runner: append stage record failed",
			"run_id", e.run.ID, "stage", rec.StageName, "outcome", rec.Outcome, "error", err)
	}
}

func (e *execution) saveCheckpoint(ctx context.Context) error {
	e.cp.UpdatedAt = time.Now().UTC()
	return e.svc.db.SaveCheckpoint(ctx, e.cp)
}

// invokeWithRetry calls the target, retrying transient failures with
// jitterless exponential backoff. An attempt that outruns its own timeout
// while the run context is still live counts as transient; fatal errors
// and run-context expiry return immediately.
func (e *execution) invokeWithRetry(ctx context.Context, stage skill.StageSpec, target router.Target, input invoke.Input) (invoke.Result, error) {
	timeout := e.svc.stageTimeout
	if target.Timeout > 0 {
		timeout = target.Timeout
	}
	timeout = stage.StageTimeout(timeout)

	delay := e.svc.retryBase
	var lastErr error
	for attempt := 1; attempt <= e.svc.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := e.svc.invoker.Invoke(attemptCtx, target, input)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err

		transient := errors.Is(err, invoke.ErrTransient) ||
			(errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil)
		if !transient {
			return invoke.Result{}, err
		}
		if attempt == e.svc.maxAttempts {
			break
		}

		e.svc.logger.Warn("runner: transient invocation failure, backing off",
			"run_id", e.run.ID, "stage", stage.Name, "target", target.Name(),
			"attempt", attempt, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return invoke.Result{}, ctx.Err()
		case <-timer.C:
		}
		delay *= time.Duration(e.svc.retryFactor)
	}
	return invoke.Result{}, fmt.Errorf("%d attempts failed: %w", e.svc.maxAttempts, lastErr)
}

// buildInput assembles the invocation from the stage prompt, the run
// inputs, referenced upstream artifacts and accumulated revision feedback.
// The rendered prompt becomes the system message when other sections
// exist, otherwise it is the whole prompt.
func (e *execution) buildInput(ctx context.Context, stage skill.StageSpec, prev string, feedback []string) (invoke.Input, error) {
	instructions := renderTemplate(stage.Prompt, e.run.Inputs)

	var b strings.Builder
	if len(e.run.Inputs) > 0 {
		encoded, err := json.Marshal(e.run.Inputs)
		if err != nil {
			return invoke.Input{}, fmt.Errorf("encode run inputs: %w", err)
		}
		b.WriteString("Run inputs:\n")
		b.Write(encoded)
		b.WriteString("\n")
	}

	for _, ref := range stage.InputFrom {
		artifactID, ok := e.cp.StageOutputs[ref]
		if !ok {
			return invoke.Input{}, fmt.Errorf("stage %q output not in checkpoint", ref)
		}
		rec, err := e.svc.db.GetStageRecord(ctx, e.tenant.ID, artifactID)
		if err != nil {
			return invoke.Input{}, fmt.Errorf("load artifact of stage %q: %w", ref, err)
		}
		content := ""
		if rec.Artifact != nil {
			content = *rec.Artifact
		}
		fmt.Fprintf(&b, "\nOutput of stage %q:\n%s\n", ref, content)
	}

	if len(feedback) > 0 {
		b.WriteString("\nPrevious attempt:\n")
		b.WriteString(prev)
		b.WriteString("\n\nRevision feedback, most recent last:\n")
		for _, f := range feedback {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
		b.WriteString("\nRevise the previous attempt to address every point of feedback.\n")
	}

	if b.Len() == 0 {
		return invoke.Input{Prompt: instructions, Arguments: e.run.Inputs}, nil
	}
	return invoke.Input{System: instructions, Prompt: b.String(), Arguments: e.run.Inputs}, nil
}

// renderTemplate substitutes {{key}} placeholders with run input values.
// Unknown placeholders are left as-is. Keys are applied in sorted order so
// rendering is deterministic.
func renderTemplate(s string, inputs map[string]any) string {
	if len(inputs) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s = strings.ReplaceAll(s, "{{"+k+"}}", fmt.Sprint(inputs[k]))
	}
	return s
}

func (e *execution) finalOutput(ctx context.Context) (string, error) {
	if e.final != "" || len(e.def.Stages) == 0 {
		return e.final, nil
	}
	// Every stage was already released before this execution, so the
	// final artifact comes from the ledger rather than this process.
	last := e.def.Stages[len(e.def.Stages)-1].Name
	artifactID, ok := e.cp.StageOutputs[last]
	if !ok {
		return "", fmt.Errorf("runner: final stage %q output missing from checkpoint", last)
	}
	rec, err := e.svc.db.GetStageRecord(ctx, e.tenant.ID, artifactID)
	if err != nil {
		return "", fmt.Errorf("runner: load final artifact: %w", err)
	}
	if rec.Artifact == nil {
		return "", nil
	}
	return *rec.Artifact, nil
}

func (e *execution) reload(ctx context.Context) model.Run {
	run, err := e.svc.db.GetRun(ctx, e.tenant.ID, e.run.ID)
	if err != nil {
		e.svc.logger.Warn("runner: reload run failed", "run_id", e.run.ID, "error", err)
		return e.run
	}
	return run
}
