package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/tsumugi/internal/auth"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

// HandleCreateTenant handles POST /v1/tenants (operator only). Onboards
// a tenant together with its first API key; the raw key appears in this
// response and never again.
func (h *Handlers) HandleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTenantRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := model.ValidateTenantName(req.Name); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	keyRole := req.KeyRole
	if keyRole == "" {
		keyRole = model.RoleService
	}
	if !keyRole.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "key_role must be operator or service")
		return
	}

	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}
	keyHash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	tenant, key, err := h.db.CreateTenantAndKeyTx(r.Context(),
		model.Tenant{
			Name:         req.Name,
			BudgetLimits: req.BudgetLimits,
		},
		model.APIKey{
			Prefix:  prefix,
			KeyHash: keyHash,
			Role:    keyRole,
			Label:   "bootstrap",
		},
	)
	if err != nil {
		h.writeInternalError(w, r, "failed to create tenant", err)
		return
	}

	h.logger.Info("tenant created",
		"tenant_id", tenant.ID,
		"name", tenant.Name,
		"key_role", key.Role,
	)

	writeJSON(w, r, http.StatusCreated, model.CreateTenantResponse{
		Tenant: tenant,
		Key:    model.APIKeyWithRawKey{APIKey: key, RawKey: rawKey},
	})
}

// HandleListTenants handles GET /v1/tenants (operator only).
func (h *Handlers) HandleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.db.ListTenants(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list tenants", err)
		return
	}
	if tenants == nil {
		tenants = []model.Tenant{}
	}
	writeJSON(w, r, http.StatusOK, tenants)
}

// HandleArchiveTenant handles POST /v1/tenants/{tenant_id}/archive
// (operator only). Archiving revokes the tenant's keys, so it also
// invalidates the verifier's cached status for them.
func (h *Handlers) HandleArchiveTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "tenant_id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid tenant id")
		return
	}

	// Look up the keys first; after the archive they are revoked and the
	// cache entries must go with them.
	keys, keysErr := h.db.ListAPIKeys(r.Context(), id)

	if err := h.db.ArchiveTenant(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "tenant not found")
		case errors.Is(err, storage.ErrConflict):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "tenant already archived")
		default:
			h.writeInternalError(w, r, "failed to archive tenant", err)
		}
		return
	}

	if h.verifier != nil && keysErr == nil {
		for _, k := range keys {
			h.verifier.Invalidate(k.ID)
		}
	}

	tenant, err := h.db.GetTenant(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to load archived tenant", err)
		return
	}

	h.logger.Info("tenant archived", "tenant_id", id)
	writeJSON(w, r, http.StatusOK, tenant)
}
