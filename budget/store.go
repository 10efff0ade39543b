// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"context"
	"time"
)

// Store is the atomic counter substrate behind the budget manager. Every
// mutation of the per-community-period counter pair goes through one of
// these operations, each of which executes as a single atomic unit: no
// other command may observe or mutate the counters between the read and
// the write of an operation. Deployments with multiple gateway instances
// use RedisStore; MemoryStore serves tests and single-node development.
type Store interface {
	// Reserve runs the conditional check-and-increment: if the command's
	// estimate fits under the limit it records an ACTIVE reservation and
	// increments the reserved counter, otherwise it mutates nothing.
	// A reservation id that was seen before is replayed idempotently.
	Reserve(ctx context.Context, cmd ReserveCommand) (ReserveOutcome, error)

	// Finalize moves an ACTIVE reservation to FINALIZED, releasing its
	// estimate from reserved and adding actual to committed. On a terminal
	// reservation it applies nothing and reports the prior state.
	Finalize(ctx context.Context, reservationID string, actual MicroUSD) (TransitionOutcome, error)

	// Abort moves an ACTIVE reservation to ABORTED, releasing its estimate.
	Abort(ctx context.Context, reservationID string) (TransitionOutcome, error)

	// Expire moves an ACTIVE reservation to EXPIRED, releasing its
	// estimate. Conditional on the current state being ACTIVE so that
	// overlapping reaper sweeps see a no-op.
	Expire(ctx context.Context, reservationID string) (TransitionOutcome, error)

	// Get reads a reservation without mutating it.
	Get(ctx context.Context, reservationID string) (Reservation, error)

	// ExpiredBefore lists ids of ACTIVE reservations whose TTL elapsed
	// before the cutoff, up to limit entries.
	ExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// Snapshot reads the counter pair for one community-period.
	Snapshot(ctx context.Context, communityID string, period PeriodKey) (AccountSnapshot, error)

	// SetCommitted overwrites the committed counter for one
	// community-period. Used only by the drift reconciler.
	SetCommitted(ctx context.Context, communityID string, period PeriodKey, committed MicroUSD) error

	// Ping checks store availability.
	Ping(ctx context.Context) error
}

// ReserveCommand carries one atomic reserve attempt.
type ReserveCommand struct {
	ReservationID string
	CommunityID   string
	PeriodKey     PeriodKey
	Limit         MicroUSD
	Estimate      MicroUSD
	TTL           time.Duration
	Now           time.Time
}

// ReserveOutcome is the store-level result of a reserve attempt.
type ReserveOutcome struct {
	// Approved is true when the reservation was admitted (or had been
	// admitted by an earlier attempt with the same id).
	Approved bool

	// Replayed is true when the id was already known and no counters were
	// touched by this call.
	Replayed bool

	// State is the reservation's state after the call.
	State ReservationState
}

// TransitionOutcome is the store-level result of finalize/abort/expire.
type TransitionOutcome struct {
	// Applied is true when this call performed the state transition.
	// False means the reservation was already terminal (see State) and
	// nothing was mutated.
	Applied bool

	// NotFound is true when the reservation id is unknown.
	NotFound bool

	// State is the reservation's state after the call (the prior terminal
	// state when Applied is false).
	State ReservationState

	// Estimate is the amount originally reserved.
	Estimate MicroUSD

	// ActualCost is the committed amount: the value recorded by this call
	// for an applied finalize, or by the first finalize on replay.
	ActualCost MicroUSD

	CommunityID string
	PeriodKey   PeriodKey
}
