// Package budget enforces per-tenant provider spend limits through a
// reservation ledger. Every stage execution reserves an estimate up front,
// then commits the actual cost or releases the hold. Limits apply per
// (tenant, provider, period); periods roll over lazily when the first
// reservation of a new period creates its ledger row, and old rows are
// kept as spend history.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
)

// ErrDenied is returned when a reservation does not fit the period's
// remaining headroom. It is an expected outcome, not a failure: callers
// branch on it and surface the run as blocked.
var ErrDenied = errors.New("budget: denied")

// Period granularities.
const (
	PeriodDay   = "day"
	PeriodMonth = "month"
)

// PeriodKey returns the ledger period key for a point in time.
func PeriodKey(granularity string, t time.Time) string {
	if granularity == PeriodMonth {
		return t.UTC().Format("2006-01")
	}
	return t.UTC().Format("2006-01-02")
}

// Manager mediates all budget movements against the storage ledger.
type Manager struct {
	db           *storage.DB
	logger       *slog.Logger
	granularity  string
	defaultLimit model.Micros
	now          func() time.Time

	denials  metric.Int64Counter
	overruns metric.Int64Counter
}

// NewManager creates a budget manager. granularity is PeriodDay or
// PeriodMonth; defaultLimit applies to providers a tenant has no explicit
// limit for.
func NewManager(db *storage.DB, logger *slog.Logger, granularity string, defaultLimit model.Micros) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("tsumugi/budget")
	denials, _ := meter.Int64Counter("tsumugi.budget.denials",
		metric.WithDescription("Reservations denied for insufficient headroom"),
	)
	overruns, _ := meter.Int64Counter("tsumugi.budget.overruns",
		metric.WithDescription("Commits whose actual cost pushed spend past the period limit"),
	)
	return &Manager{
		db:           db,
		logger:       logger,
		granularity:  granularity,
		defaultLimit: defaultLimit,
		now:          time.Now,
		denials:      denials,
		overruns:     overruns,
	}
}

// CurrentPeriod returns the ledger period key for now.
func (m *Manager) CurrentPeriod() string {
	return PeriodKey(m.granularity, m.now())
}

// limitFor resolves the applicable limit: tenant override, then default.
func (m *Manager) limitFor(tenant model.Tenant, provider string) model.Micros {
	if limit, ok := tenant.BudgetLimits[provider]; ok {
		return limit
	}
	return m.defaultLimit
}

// Reserve places a hold for an estimated cost against the current period.
// Denial returns ErrDenied with the ledger left untouched; the caller
// decides whether to try another provider or block the run. runID ties the
// hold to a run so crash recovery can find it.
func (m *Manager) Reserve(ctx context.Context, tenant model.Tenant, provider string, estimate model.Micros, runID *uuid.UUID) (model.Reservation, error) {
	period := m.CurrentPeriod()
	res := model.Reservation{
		TenantID: tenant.ID,
		Provider: provider,
		Period:   period,
		Amount:   estimate,
		RunID:    runID,
	}
	res, err := m.db.ReserveBudget(ctx, res, m.limitFor(tenant, provider))
	if err != nil {
		if errors.Is(err, storage.ErrBudgetExceeded) {
			m.denials.Add(ctx, 1)
			headroom := m.headroom(ctx, tenant.ID, provider, period)
			m.logger.Info("budget: reservation denied",
				"tenant_id", tenant.ID, "provider", provider, "period", period,
				"estimate_micros", int64(estimate), "headroom_micros", int64(headroom))
			return model.Reservation{}, fmt.Errorf("budget: %s estimate %d exceeds headroom %d in %s: %w",
				provider, int64(estimate), int64(headroom), period, ErrDenied)
		}
		return model.Reservation{}, fmt.Errorf("budget: reserve: %w", err)
	}
	return res, nil
}

// Commit settles a reservation with the actual cost. An actual above the
// estimate still commits; crossing the limit is recorded as an overrun and
// warned about, never rejected, because the spend already happened.
func (m *Manager) Commit(ctx context.Context, res model.Reservation, actual model.Micros) error {
	overrun, err := m.db.CommitReservation(ctx, res.ID, actual)
	if err != nil {
		return fmt.Errorf("budget: commit: %w", err)
	}
	if overrun {
		m.overruns.Add(ctx, 1)
		m.logger.Warn("budget: overrun",
			"tenant_id", res.TenantID, "provider", res.Provider, "period", res.Period,
			"reserved_micros", int64(res.Amount), "actual_micros", int64(actual))
	}
	return nil
}

// Release lifts a hold without charging. Releasing an already-settled
// reservation is a no-op, so abort and the stale-hold sweeper cannot
// double-release each other's work.
func (m *Manager) Release(ctx context.Context, res model.Reservation) error {
	if err := m.db.ReleaseReservation(ctx, res.ID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			m.logger.Debug("budget: reservation already settled", "reservation_id", res.ID)
			return nil
		}
		return fmt.Errorf("budget: release: %w", err)
	}
	return nil
}

// Usage returns the tenant's current-period ledger rows, one per provider.
// Providers without activity this period have no row and report nothing.
func (m *Manager) Usage(ctx context.Context, tenantID uuid.UUID) ([]model.BudgetLedgerEntry, error) {
	entries, err := m.db.ListLedgerEntries(ctx, tenantID, m.CurrentPeriod())
	if err != nil {
		return nil, fmt.Errorf("budget: usage: %w", err)
	}
	return entries, nil
}

func (m *Manager) headroom(ctx context.Context, tenantID uuid.UUID, provider, period string) model.Micros {
	entry, err := m.db.GetLedgerEntry(ctx, tenantID, provider, period)
	if err != nil {
		return 0
	}
	return entry.Headroom()
}
