// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package budget implements the budget-atomic accounting engine for the
// gateway. It enforces per-community monthly spending limits through an
// atomic reserve/finalize/abort protocol against a fast counter store,
// backed by an append-only durable ledger of realized cost.
package budget

import (
	"fmt"
	"time"
)

// MicroUSD is an integer currency unit equal to 1/1,000,000 of a dollar.
// All accounting is done in micro-USD to avoid floating-point rounding.
type MicroUSD int64

// USD returns the dollar value for display purposes only.
func (m MicroUSD) USD() float64 {
	return float64(m) / 1e6
}

// FromUSD converts a dollar amount to micro-USD.
func FromUSD(usd float64) MicroUSD {
	return MicroUSD(usd * 1e6)
}

// PeriodKey identifies a monthly accounting period (YYYY-MM, UTC).
// Budget counters are keyed by community + period; rollover happens by
// addressing a new key, never by resetting counters in place.
type PeriodKey string

// PeriodKeyFor returns the period key for the given instant.
func PeriodKeyFor(t time.Time) PeriodKey {
	return PeriodKey(t.UTC().Format("2006-01"))
}

// CurrentPeriodKey returns the period key for the current month.
func CurrentPeriodKey() PeriodKey {
	return PeriodKeyFor(time.Now())
}

// ReservationState represents the lifecycle state of a reservation.
type ReservationState string

const (
	StateActive    ReservationState = "ACTIVE"
	StateFinalized ReservationState = "FINALIZED"
	StateAborted   ReservationState = "ABORTED"
	StateExpired   ReservationState = "EXPIRED"
)

// Terminal reports whether the state is immutable. Any finalize/abort on a
// terminal reservation is an idempotent no-op returning the prior outcome.
func (s ReservationState) Terminal() bool {
	switch s {
	case StateFinalized, StateAborted, StateExpired:
		return true
	}
	return false
}

// Reservation is an optimistic hold against a community's budget, created
// before the true cost of a request is known. Its ID doubles as the
// idempotency key for reserve retries and finalize/abort redelivery.
type Reservation struct {
	ID            string           `json:"id"`
	CommunityID   string           `json:"community_id"`
	PeriodKey     PeriodKey        `json:"period_key"`
	EstimatedCost MicroUSD         `json:"estimated_cost_micro_usd"`
	ActualCost    MicroUSD         `json:"actual_cost_micro_usd,omitempty"`
	State         ReservationState `json:"state"`
	CreatedAt     time.Time        `json:"created_at"`
	TTLExpiresAt  time.Time        `json:"ttl_expires_at"`
}

// AccountSnapshot is a point-in-time read of one community-period's counters.
// It is informational only; admission decisions are made inside the store's
// atomic reserve operation, never from a snapshot.
type AccountSnapshot struct {
	CommunityID string    `json:"community_id"`
	PeriodKey   PeriodKey `json:"period_key"`
	Committed   MicroUSD  `json:"committed_micro_usd"`
	Reserved    MicroUSD  `json:"reserved_micro_usd"`
}

// ModelCost is the per-model cost attribution recorded in the ledger for
// ensemble requests. Failed or never-attempted models carry zero cost.
type ModelCost struct {
	ModelID   string   `json:"model_id"`
	Succeeded bool     `json:"succeeded"`
	Tokens    int      `json:"tokens,omitempty"`
	Cost      MicroUSD `json:"cost_micro_usd"`
}

// RejectReason explains a rejected reservation.
type RejectReason string

const (
	ReasonBudgetExceeded RejectReason = "BUDGET_EXCEEDED"
)

// ReserveResult is the outcome of Manager.Reserve.
type ReserveResult struct {
	Approved      bool         `json:"approved"`
	ReservationID string       `json:"reservation_id,omitempty"`
	Reason        RejectReason `json:"reason,omitempty"`
}

// FinalizeStatus reports how a finalize call resolved.
type FinalizeStatus string

const (
	StatusFinalized        FinalizeStatus = "FINALIZED"
	StatusAlreadyFinalized FinalizeStatus = "ALREADY_FINALIZED"
	StatusAlreadyTerminal  FinalizeStatus = "ALREADY_TERMINAL"
)

// FinalizeResult is the outcome of Manager.Finalize. For idempotent no-op
// paths, ActualCost carries the amount recorded by the first finalize.
type FinalizeResult struct {
	Status     FinalizeStatus   `json:"status"`
	State      ReservationState `json:"state"`
	ActualCost MicroUSD         `json:"actual_cost_micro_usd"`
}

// AbortStatus reports how an abort call resolved.
type AbortStatus string

const (
	StatusAborted         AbortStatus = "ABORTED"
	StatusAbortNoOp       AbortStatus = "ALREADY_TERMINAL"
)

// AbortResult is the outcome of Manager.Abort.
type AbortResult struct {
	Status AbortStatus      `json:"status"`
	State  ReservationState `json:"state"`
}

func (r Reservation) String() string {
	return fmt.Sprintf("reservation %s community=%s period=%s estimate=%d state=%s",
		r.ID, r.CommunityID, r.PeriodKey, r.EstimatedCost, r.State)
}
