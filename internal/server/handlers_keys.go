package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/tsumugi/internal/auth"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

// HandleCreateKey handles POST /v1/tenants/{tenant_id}/keys (operator
// only). Mints an additional API key for the tenant and returns the raw
// key exactly once. After this response, only the prefix is available.
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(r, "tenant_id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid tenant id")
		return
	}

	var req model.CreateKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	role := req.Role
	if role == "" {
		role = model.RoleService
	}
	if !role.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "role must be operator or service")
		return
	}
	if len(req.Label) > 255 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "label must be at most 255 characters")
		return
	}

	tenant, err := h.db.GetTenant(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "tenant not found")
			return
		}
		h.writeInternalError(w, r, "failed to load tenant", err)
		return
	}
	if tenant.Status == model.TenantArchived {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "tenant is archived")
		return
	}

	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}
	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	created, err := h.db.CreateAPIKey(r.Context(), model.APIKey{
		Prefix:   prefix,
		KeyHash:  hash,
		TenantID: tenantID,
		Role:     role,
		Label:    req.Label,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create api key", err)
		return
	}

	h.logger.Info("api key created",
		"tenant_id", tenantID,
		"key_id", created.ID,
		"role", created.Role,
	)

	writeJSON(w, r, http.StatusCreated, model.APIKeyWithRawKey{
		APIKey: created,
		RawKey: rawKey,
	})
}

// HandleListKeys handles GET /v1/tenants/{tenant_id}/keys (operator
// only). Key hashes are never exposed.
func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(r, "tenant_id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid tenant id")
		return
	}

	keys, err := h.db.ListAPIKeys(r.Context(), tenantID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list api keys", err)
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}

	writeJSON(w, r, http.StatusOK, keys)
}

// HandleRevokeKey handles DELETE /v1/tenants/{tenant_id}/keys/{key_id}
// (operator only). Outstanding tokens from the key stop working as soon
// as the verifier sees the revocation.
func (h *Handlers) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(r, "tenant_id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid tenant id")
		return
	}
	keyID, ok := pathUUID(r, "key_id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid key id")
		return
	}

	if err := h.db.RevokeAPIKey(r.Context(), tenantID, keyID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "api key not found")
			return
		}
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "api key already revoked")
			return
		}
		h.writeInternalError(w, r, "failed to revoke api key", err)
		return
	}

	if h.verifier != nil {
		h.verifier.Invalidate(keyID)
	}

	h.logger.Info("api key revoked", "tenant_id", tenantID, "key_id", keyID)
	w.WriteHeader(http.StatusNoContent)
}
