package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/auth"
	"github.com/ashita-ai/tsumugi/internal/model"
)

// knowledgeScope resolves which pool a request addresses: the caller's
// own tenant, or the shared pool (nil) when shared is set. Writing the
// shared pool is operator-only; reading it is open to any caller, who
// sees it through retrieval anyway.
func knowledgeScope(claims *auth.Claims, shared, write bool) (*uuid.UUID, bool) {
	if !shared {
		tid := claims.TenantID
		return &tid, true
	}
	if write && claims.Role != model.RoleOperator {
		return nil, false
	}
	return nil, true
}

// HandleIngestKnowledge handles POST /v1/knowledge: chunk, embed, and
// store text under a named source, superseding the source's previous
// content.
func (h *Handlers) HandleIngestKnowledge(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())

	var req model.IngestRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := model.ValidateIngest(req.Source, req.Text); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	scope, ok := knowledgeScope(claims, req.Shared, true)
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "shared-pool ingest requires the operator role")
		return
	}

	result, err := h.knowledge.Ingest(r.Context(), scope, req.Source, req.Text)
	if err != nil {
		h.writeInternalError(w, r, "failed to ingest knowledge", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, result)
}

// HandleListKnowledge handles GET /v1/knowledge: per-source summaries of
// the caller's pool, or of the shared pool with ?shared=true.
func (h *Handlers) HandleListKnowledge(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())
	shared := r.URL.Query().Get("shared") == "true"

	scope, _ := knowledgeScope(claims, shared, false)
	sources, err := h.knowledge.ListSources(r.Context(), scope)
	if err != nil {
		h.writeInternalError(w, r, "failed to list knowledge sources", err)
		return
	}
	if sources == nil {
		sources = []model.SourceSummary{}
	}

	writeJSON(w, r, http.StatusOK, sources)
}

// HandleSearchKnowledge handles POST /v1/knowledge/search. Retrieval
// spans the caller's tenant plus the shared pool; other tenants' items
// are never reachable.
func (h *Handlers) HandleSearchKnowledge(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())

	var req model.SearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}
	if len(req.Query) > model.MaxQueryLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query too long")
		return
	}
	k := req.K
	if k <= 0 {
		k = 8
	}
	if k > 50 {
		k = 50
	}

	tid := claims.TenantID
	items, err := h.knowledge.Retrieve(r.Context(), &tid, req.Query, k)
	if err != nil {
		h.writeInternalError(w, r, "failed to search knowledge", err)
		return
	}
	if items == nil {
		items = []model.ScoredItem{}
	}

	writeJSON(w, r, http.StatusOK, model.SearchResponse{Items: items})
}

// HandleDeleteKnowledgeSource handles DELETE /v1/knowledge/{source}.
func (h *Handlers) HandleDeleteKnowledgeSource(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())

	source := r.PathValue("source")
	if source == "" || len(source) > model.MaxSourceLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid source")
		return
	}

	shared := r.URL.Query().Get("shared") == "true"
	scope, ok := knowledgeScope(claims, shared, true)
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "shared-pool delete requires the operator role")
		return
	}

	superseded, err := h.knowledge.DeleteSource(r.Context(), scope, source)
	if err != nil {
		h.writeInternalError(w, r, "failed to delete knowledge source", err)
		return
	}
	if superseded == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "source not found")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"source":     source,
		"superseded": superseded,
	})
}
