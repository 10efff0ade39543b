// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"context"
	"log"
)

// StreamReconciler settles reservations whose streaming connection died
// before the backend signalled completion. The transport layer reports the
// per-model cost of tokens produced up to the abort; the reconciler
// finalizes with that partial amount. It races the normal completion path
// only through the idempotent finalize entry point: whichever finalize
// lands first wins, the other is a no-op.
type StreamReconciler struct {
	manager *Manager
	logger  *log.Logger
}

// NewStreamReconciler creates a reconciler over the given manager.
func NewStreamReconciler(manager *Manager, logger *log.Logger) *StreamReconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &StreamReconciler{manager: manager, logger: logger}
}

// Reconcile finalizes the reservation with the cost of the partial stream.
// Returns the finalize result; an ALREADY_FINALIZED status means the
// normal completion path won the race, which is not an error.
func (r *StreamReconciler) Reconcile(ctx context.Context, reservationID string, partial []ModelCost) (FinalizeResult, error) {
	var total MicroUSD
	for _, mc := range partial {
		if mc.Succeeded {
			total += mc.Cost
		}
	}

	result, err := r.manager.Finalize(ctx, reservationID, total, partial)
	if err != nil {
		r.logger.Printf("[StreamReconciler] Finalize failed for %s: %v", reservationID, err)
		return FinalizeResult{}, err
	}

	switch result.Status {
	case StatusFinalized:
		r.logger.Printf("[StreamReconciler] Settled aborted stream %s at %d micro-USD",
			reservationID, total)
	case StatusAlreadyFinalized:
		// Normal completion beat us to it.
	default:
		r.logger.Printf("[StreamReconciler] Reservation %s already %s", reservationID, result.State)
	}
	return result, nil
}
