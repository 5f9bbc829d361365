package server

import (
	"net/http"

	"github.com/ashita-ai/tsumugi/internal/auth"
	"github.com/ashita-ai/tsumugi/internal/model"
)

// HandleBudgetUsage handles GET /v1/budget: the caller's spend ledger
// for the current period, one entry per provider.
func (h *Handlers) HandleBudgetUsage(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())

	entries, err := h.budget.Usage(r.Context(), claims.TenantID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load budget usage", err)
		return
	}
	if entries == nil {
		entries = []model.BudgetLedgerEntry{}
	}

	writeJSON(w, r, http.StatusOK, model.BudgetUsageResponse{
		TenantID: claims.TenantID,
		Period:   h.budget.CurrentPeriod(),
		Entries:  entries,
	})
}
