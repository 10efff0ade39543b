// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import "errors"

var (
	// ErrBudgetExceeded is returned when a reservation would push
	// committed + reserved past the community's limit.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrReservationNotFound is returned when finalize/abort references an
	// unknown reservation id. This indicates a logic error upstream and is
	// never retried.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrStorageUnavailable is returned when the counter store or ledger
	// cannot be reached. Fatal on reserve; retried with bounded backoff on
	// finalize/abort.
	ErrStorageUnavailable = errors.New("budget storage unavailable")

	// ErrInvalidReservation is returned for malformed reserve input
	// (empty community, non-positive estimate, zero TTL).
	ErrInvalidReservation = errors.New("invalid reservation request")
)
