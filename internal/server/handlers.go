package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/auth"
	"github.com/ashita-ai/tsumugi/internal/authz"
	"github.com/ashita-ai/tsumugi/internal/budget"
	"github.com/ashita-ai/tsumugi/internal/knowledge"
	"github.com/ashita-ai/tsumugi/internal/ledger"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/runner"
	"github.com/ashita-ai/tsumugi/internal/search"
	"github.com/ashita-ai/tsumugi/internal/skill"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	verifier            *authz.KeyVerifier
	runner              *runner.Service
	ledger              *ledger.Ledger
	budget              *budget.Manager
	knowledge           *knowledge.Service
	catalog             *skill.Catalog
	broker              *Broker
	searcher            search.Searcher
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Verifier, Broker, Searcher, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Verifier            *authz.KeyVerifier
	Runner              *runner.Service
	Ledger              *ledger.Ledger
	Budget              *budget.Manager
	Knowledge           *knowledge.Service
	Catalog             *skill.Catalog
	Broker              *Broker
	Searcher            search.Searcher
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		verifier:            d.Verifier,
		runner:              d.Runner,
		ledger:              d.Ledger,
		budget:              d.Budget,
		knowledge:           d.Knowledge,
		catalog:             d.Catalog,
		broker:              d.Broker,
		searcher:            d.Searcher,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token: exchanges a raw API key for
// a short-lived JWT carrying the key's tenant and role.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	prefix, rawKey, err := model.ParseRawKey(req.APIKey)
	if err != nil {
		// Burn the same time a real verification would, so response
		// timing does not reveal whether the prefix exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	key, err := h.db.GetAPIKeyByPrefix(r.Context(), prefix)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(rawKey, key.KeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	if key.RevokedAt != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(key)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	// Best-effort; last-used is advisory and must not block the response.
	go func(keyID uuid.UUID) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.db.TouchAPIKeyLastUsed(ctx, keyID); err != nil {
			h.logger.Debug("touch api key last used", "key_id", keyID, "error", err)
		}
	}(key.ID)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "OpenAPI spec not embedded in this build")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs the underlying error and writes a generic 500
// so internals never leak into responses.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed, and clamping to [min, max].
func queryInt(r *http.Request, name string, def, min, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// pathUUID parses a UUID path segment. The boolean is false if the
// segment is missing or not a UUID; the caller writes the 400.
func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
