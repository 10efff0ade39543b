// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"context"
	"time"
)

// LedgerEntry is one row of realized cost, written exactly once per
// finalized reservation. The ledger is the source of truth; the counter
// store is reconciled against it over time.
type LedgerEntry struct {
	ReservationID string      `json:"reservation_id"`
	CommunityID   string      `json:"community_id"`
	PeriodKey     PeriodKey   `json:"period_key"`
	ActualCost    MicroUSD    `json:"actual_cost_micro_usd"`
	Breakdown     []ModelCost `json:"model_breakdown,omitempty"`
	FinalizedAt   time.Time   `json:"finalized_at"`
}

// Ledger is the append-only durable record of finalized spend.
type Ledger interface {
	// Append writes the entry. The insert is idempotent on reservation id:
	// appending an entry that already exists is a no-op, which makes
	// finalize safe to retry.
	Append(ctx context.Context, entry LedgerEntry) error

	// PeriodSums returns the summed actual cost per community for one
	// period, for drift reconciliation.
	PeriodSums(ctx context.Context, period PeriodKey) (map[string]MicroUSD, error)

	// CommunitySum returns the summed actual cost for one community-period.
	CommunitySum(ctx context.Context, communityID string, period PeriodKey) (MicroUSD, error)

	// Ping checks ledger availability.
	Ping(ctx context.Context) error
}
