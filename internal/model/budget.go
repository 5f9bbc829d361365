package model

import (
	"time"

	"github.com/google/uuid"
)

// BudgetLedgerEntry tracks spend for one (tenant, provider, period) key.
// Mutated exclusively through reserve/commit/release; one row exists per
// period and rows for past periods are retained for audit.
type BudgetLedgerEntry struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	Provider  string    `json:"provider"`
	Period    string    `json:"period"`
	Reserved  Micros    `json:"reserved_micros"`
	Spent     Micros    `json:"spent_micros"`
	Limit     Micros    `json:"limit_micros"`
	Overruns  int       `json:"overruns"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Headroom returns the amount still reservable under the entry's limit.
func (e BudgetLedgerEntry) Headroom() Micros {
	h := e.Limit - e.Spent - e.Reserved
	if h < 0 {
		return 0
	}
	return h
}

// ReservationState is the settlement state of a budget reservation.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation is a provisional hold against a budget ledger entry. Every
// reservation is settled exactly once: committed with an actual cost, or
// released untouched. Persisting reservations makes holds recoverable
// after a crash; a sweeper releases rows stuck in held past a TTL.
type Reservation struct {
	ID        uuid.UUID        `json:"id"`
	TenantID  uuid.UUID        `json:"tenant_id"`
	Provider  string           `json:"provider"`
	Period    string           `json:"period"`
	Amount    Micros           `json:"amount_micros"`
	State     ReservationState `json:"state"`
	RunID     *uuid.UUID       `json:"run_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	SettledAt *time.Time       `json:"settled_at,omitempty"`
}
