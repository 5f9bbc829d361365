package server

import (
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsumugi/internal/auth"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/runner"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

// HandleStartRun handles POST /v1/runs. The run is created and scheduled
// asynchronously; the 202 carries the run ID for polling or streaming.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())

	var req model.StartRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.Skill == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "skill is required")
		return
	}
	if err := model.ValidateRunInputs(req.Inputs); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("tsumugi.skill", req.Skill))

	// A retried POST with the same Idempotency-Key replays the original
	// 202 instead of starting a second paid run.
	idem, proceed := h.beginIdempotentWrite(w, r, claims.TenantID, endpointStartRun, req)
	if !proceed {
		return
	}

	inputs := make(map[string]any, len(req.Inputs))
	for k, v := range req.Inputs {
		inputs[k] = v
	}

	run, err := h.runner.StartRun(r.Context(), claims.TenantID, req.Skill, inputs)
	if err != nil {
		h.clearIdempotentWrite(r, claims.TenantID, idem)
		switch {
		case errors.Is(err, runner.ErrInvalidSkill):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidSkill, err.Error())
		case errors.Is(err, runner.ErrTenantNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "tenant not found or archived")
		default:
			h.writeInternalError(w, r, "failed to start run", err)
		}
		return
	}

	span.SetAttributes(attribute.String("tsumugi.run_id", run.ID.String()))

	resp := model.StartRunResponse{
		RunID:  run.ID,
		Status: run.Status,
	}
	h.completeIdempotentWriteBestEffort(r, claims.TenantID, idem, http.StatusAccepted, resp)
	writeJSON(w, r, http.StatusAccepted, resp)
}

// HandleListRuns handles GET /v1/runs with optional status filter and
// limit/offset pagination.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())

	status := r.URL.Query().Get("status")
	if status != "" && !model.RunStatus(status).Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status: "+status)
		return
	}

	limit := queryInt(r, "limit", 50, 1, 200)
	offset := queryInt(r, "offset", 0, 0, 1_000_000)

	runs, total, err := h.db.ListRuns(r.Context(), claims.TenantID, status, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}

	writeJSON(w, r, http.StatusOK, model.RunListResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// HandleGetRun handles GET /v1/runs/{run_id}. A blocked run is a normal
// 200: blocked is a resumable state of the run, not a request error.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	id, ok := pathUUID(r, "run_id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.db.GetRun(r.Context(), claims.TenantID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

// HandleResumeRun handles POST /v1/runs/{run_id}/resume. Picks a blocked
// or interrupted run back up from its checkpoint; stages that already
// released an artifact are not re-executed. Execution is asynchronous,
// mirroring run creation: the response is a snapshot and callers poll.
func (h *Handlers) HandleResumeRun(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	id, ok := pathUUID(r, "run_id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.runner.ResumeRunAsync(r.Context(), claims.TenantID, id)
	if err != nil {
		switch {
		case errors.Is(err, runner.ErrRunNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		case errors.Is(err, runner.ErrRunNotResumable):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		case errors.Is(err, runner.ErrTenantNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "tenant not found or archived")
		default:
			h.writeInternalError(w, r, "failed to resume run", err)
		}
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.StartRunResponse{
		RunID:  run.ID,
		Status: run.Status,
	})
}

// HandleAbortRun handles POST /v1/runs/{run_id}/abort.
func (h *Handlers) HandleAbortRun(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	id, ok := pathUUID(r, "run_id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	if err := h.runner.Abort(r.Context(), claims.TenantID, id); err != nil {
		switch {
		case errors.Is(err, runner.ErrRunNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		case errors.Is(err, runner.ErrRunNotResumable):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already terminal")
		default:
			h.writeInternalError(w, r, "failed to abort run", err)
		}
		return
	}

	run, err := h.db.GetRun(r.Context(), claims.TenantID, id)
	if err != nil {
		h.writeInternalError(w, r, "failed to load aborted run", err)
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

// HandleRunRecords handles GET /v1/runs/{run_id}/records: the run's full
// ledger trail plus the hash-chain verification verdict.
func (h *Handlers) HandleRunRecords(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	id, ok := pathUUID(r, "run_id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	// Distinguish an unknown run from a run with no records yet.
	if _, err := h.db.GetRun(r.Context(), claims.TenantID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}

	records, err := h.ledger.Query(r.Context(), claims.TenantID, id)
	if err != nil {
		h.writeInternalError(w, r, "failed to query ledger", err)
		return
	}
	if records == nil {
		records = []model.StageRecord{}
	}

	chain := "verified"
	if err := h.ledger.VerifyRunChain(r.Context(), claims.TenantID, id); err != nil {
		chain = err.Error()
	}

	writeJSON(w, r, http.StatusOK, model.RunRecordsResponse{
		RunID:   id,
		Records: records,
		Chain:   chain,
	})
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events (SSE). Streams
// stage-record events for one run as they are appended to the ledger.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"event streaming not available (LISTEN/NOTIFY not configured)")
		return
	}

	claims := auth.ClaimsFromContext(r.Context())
	id, ok := pathUUID(r, "run_id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	// Tenant scoping happens here: subscribing requires owning the run.
	if _, err := h.db.GetRun(r.Context(), claims.TenantID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(id)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
