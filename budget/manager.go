// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// DefaultReservationTTL covers the longest plausible backend response.
// Backend calls run 5-30 seconds; the TTL must be strictly longer.
const DefaultReservationTTL = 60 * time.Second

// Manager exposes reserve/finalize/abort and enforces the spending
// invariant: committed + reserved never exceeds the community's limit
// immediately after any successful reserve. It is the only API surface
// through which budget state is read or mutated.
type Manager struct {
	store   Store
	ledger  Ledger
	metrics *Metrics
	logger  *log.Logger

	retryAttempts  int
	retryBaseDelay time.Duration
	now            func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithLogger sets the log destination.
func WithLogger(l *log.Logger) ManagerOption {
	return func(mgr *Manager) { mgr.logger = l }
}

// WithRetryPolicy sets the bounded backoff used on finalize/abort storage
// failures. attempts counts total tries; delay doubles after each failure.
func WithRetryPolicy(attempts int, baseDelay time.Duration) ManagerOption {
	return func(mgr *Manager) {
		mgr.retryAttempts = attempts
		mgr.retryBaseDelay = baseDelay
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) ManagerOption {
	return func(mgr *Manager) { mgr.now = now }
}

// NewManager creates a budget manager over the given store and ledger.
func NewManager(store Store, ledger Ledger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:          store,
		ledger:         ledger,
		logger:         log.Default(),
		retryAttempts:  3,
		retryBaseDelay: 100 * time.Millisecond,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ReserveRequest carries one reservation attempt. Limit comes from the
// caller's tier resolution; the manager never resolves tiers itself.
type ReserveRequest struct {
	CommunityID    string
	EstimatedCost  MicroUSD
	Limit          MicroUSD
	IdempotencyKey string
	TTL            time.Duration
}

// Reserve atomically admits or rejects a spending hold. A storage failure
// here is fatal to the request: no reservation exists, the caller gets a
// retryable error and nothing leaked.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	if req.CommunityID == "" || req.EstimatedCost <= 0 {
		return ReserveResult{}, ErrInvalidReservation
	}
	if req.TTL <= 0 {
		req.TTL = DefaultReservationTTL
	}

	id := req.IdempotencyKey
	if id == "" {
		id = uuid.New().String()
	}

	now := m.now()
	outcome, err := m.store.Reserve(ctx, ReserveCommand{
		ReservationID: id,
		CommunityID:   req.CommunityID,
		PeriodKey:     PeriodKeyFor(now),
		Limit:         req.Limit,
		Estimate:      req.EstimatedCost,
		TTL:           req.TTL,
		Now:           now,
	})
	if err != nil {
		m.metrics.reservation("error")
		m.logger.Printf("[Budget] Reserve failed: community=%s estimate=%d: %v",
			req.CommunityID, req.EstimatedCost, err)
		return ReserveResult{}, err
	}

	if outcome.Replayed {
		m.metrics.reservation("replayed")
		return ReserveResult{Approved: true, ReservationID: id}, nil
	}
	if !outcome.Approved {
		m.metrics.reservation("rejected")
		m.logger.Printf("[Budget] Reserve rejected: community=%s estimate=%d reason=%s",
			req.CommunityID, req.EstimatedCost, ReasonBudgetExceeded)
		return ReserveResult{Approved: false, Reason: ReasonBudgetExceeded}, nil
	}

	m.metrics.reservation("approved")
	return ReserveResult{Approved: true, ReservationID: id}, nil
}

// Finalize commits the realized cost for a reservation: it releases the
// original estimate from reserved, adds the actual cost to committed, and
// appends the ledger entry. Idempotent on reservation id; a second call
// returns the first outcome and mutates nothing. Storage failures are
// retried with bounded backoff; if retries exhaust, the reservation stays
// ACTIVE for the reaper to clean up.
func (m *Manager) Finalize(ctx context.Context, reservationID string, actual MicroUSD, breakdown []ModelCost) (FinalizeResult, error) {
	if actual < 0 {
		actual = 0
	}

	var out TransitionOutcome
	err := m.withRetry(ctx, "finalize", func() error {
		var err error
		out, err = m.store.Finalize(ctx, reservationID, actual)
		return err
	})
	if err != nil {
		m.metrics.finalization("error")
		return FinalizeResult{}, err
	}

	if out.NotFound {
		m.metrics.finalization("not_found")
		m.logger.Printf("[Budget] Finalize on unknown reservation %s", reservationID)
		return FinalizeResult{}, ErrReservationNotFound
	}

	if !out.Applied {
		status := StatusAlreadyTerminal
		if out.State == StateFinalized {
			status = StatusAlreadyFinalized
		}
		m.metrics.finalization("already_terminal")
		return FinalizeResult{Status: status, State: out.State, ActualCost: out.ActualCost}, nil
	}

	entry := LedgerEntry{
		ReservationID: reservationID,
		CommunityID:   out.CommunityID,
		PeriodKey:     out.PeriodKey,
		ActualCost:    actual,
		Breakdown:     breakdown,
		FinalizedAt:   m.now(),
	}
	if err := m.withRetry(ctx, "ledger_append", func() error {
		return m.ledger.Append(ctx, entry)
	}); err != nil {
		// Counters are already settled; the ledger will be behind until
		// the drift reconciler runs. Log loudly and surface success, per
		// the no-fail-after-inference policy.
		m.logger.Printf("[Budget] Ledger append failed for %s (drift until reconcile): %v",
			reservationID, err)
	}

	if actual > out.Estimate {
		m.logger.Printf("[Budget] Provider overrun on %s: actual=%d reserved=%d community=%s",
			reservationID, actual, out.Estimate, out.CommunityID)
	}

	m.metrics.finalization("finalized")
	return FinalizeResult{Status: StatusFinalized, State: StateFinalized, ActualCost: actual}, nil
}

// Abort releases a reservation whose request failed before incurring cost.
// No ledger entry is written. Idempotent on terminal reservations.
func (m *Manager) Abort(ctx context.Context, reservationID string) (AbortResult, error) {
	var out TransitionOutcome
	err := m.withRetry(ctx, "abort", func() error {
		var err error
		out, err = m.store.Abort(ctx, reservationID)
		return err
	})
	if err != nil {
		return AbortResult{}, err
	}

	if out.NotFound {
		m.logger.Printf("[Budget] Abort on unknown reservation %s", reservationID)
		return AbortResult{}, ErrReservationNotFound
	}
	if !out.Applied {
		return AbortResult{Status: StatusAbortNoOp, State: out.State}, nil
	}

	m.metrics.abort()
	return AbortResult{Status: StatusAborted, State: StateAborted}, nil
}

// Expire transitions an ACTIVE reservation past its TTL to EXPIRED,
// releasing its estimate. Conditional on the reservation still being
// ACTIVE, so concurrent sweeps and late finalizes resolve to a no-op.
// Single attempt: the reaper simply retries on its next sweep.
func (m *Manager) Expire(ctx context.Context, reservationID string) (bool, error) {
	out, err := m.store.Expire(ctx, reservationID)
	if err != nil {
		return false, err
	}
	if out.NotFound || !out.Applied {
		return false, nil
	}
	return true, nil
}

// Reservation reads one reservation.
func (m *Manager) Reservation(ctx context.Context, reservationID string) (Reservation, error) {
	return m.store.Get(ctx, reservationID)
}

// Snapshot reads the current-period counters for a community.
func (m *Manager) Snapshot(ctx context.Context, communityID string) (AccountSnapshot, error) {
	return m.store.Snapshot(ctx, communityID, PeriodKeyFor(m.now()))
}

// IsHealthy reports whether both storage tiers answer.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	return m.store.Ping(ctx) == nil && m.ledger.Ping(ctx) == nil
}

// withRetry runs op with bounded exponential backoff. The first attempt is
// immediate; each failure doubles the delay.
func (m *Manager) withRetry(ctx context.Context, operation string, op func() error) error {
	delay := m.retryBaseDelay
	var err error
	for attempt := 0; attempt < m.retryAttempts; attempt++ {
		if attempt > 0 {
			m.metrics.retried(operation)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%s exhausted %d attempts: %w", operation, m.retryAttempts, err)
}
