// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"context"
	"log"
	"time"
)

// DefaultReconcileInterval is how often counters are compared against the
// ledger.
const DefaultReconcileInterval = 15 * time.Minute

// DefaultDriftThreshold is the largest cache/ledger divergence that gets
// silently corrected. Anything bigger is alerted and left alone: large
// drift points at a bug, not propagation lag.
const DefaultDriftThreshold = MicroUSD(1_000_000) // $1.00

// DriftFinding records one community-period whose cache counter diverged
// from the ledger sum.
type DriftFinding struct {
	CommunityID string    `json:"community_id"`
	PeriodKey   PeriodKey `json:"period_key"`
	Cached      MicroUSD  `json:"cached_micro_usd"`
	LedgerSum   MicroUSD  `json:"ledger_micro_usd"`
	Corrected   bool      `json:"corrected"`
}

// Drift is the signed divergence (cached minus ledger).
func (f DriftFinding) Drift() MicroUSD {
	return f.Cached - f.LedgerSum
}

// DriftReconciler periodically sums realized cost per community from the
// ledger and corrects the cache's committed counter toward it. The ledger
// is the source of truth; the cache is the enforcement point.
type DriftReconciler struct {
	manager   *Manager
	threshold MicroUSD
	logger    *log.Logger
	now       func() time.Time
}

// ReconcilerOption configures a DriftReconciler.
type ReconcilerOption func(*DriftReconciler)

// WithDriftThreshold sets the silent-correction bound.
func WithDriftThreshold(t MicroUSD) ReconcilerOption {
	return func(r *DriftReconciler) { r.threshold = t }
}

// WithReconcilerLogger sets the log destination.
func WithReconcilerLogger(l *log.Logger) ReconcilerOption {
	return func(r *DriftReconciler) { r.logger = l }
}

// WithReconcilerClock overrides the time source (tests).
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *DriftReconciler) { r.now = now }
}

// NewDriftReconciler creates a reconciler over the given manager.
func NewDriftReconciler(manager *Manager, opts ...ReconcilerOption) *DriftReconciler {
	r := &DriftReconciler{
		manager:   manager,
		threshold: DefaultDriftThreshold,
		logger:    log.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile compares the current period's cache counters against ledger
// sums for every community with ledger activity. Divergence within the
// threshold is corrected by resetting the cache counter to the ledger sum;
// divergence beyond it is logged and counted but never silently fixed.
//
// Only communities with at least one ledger row for the period are
// visited: a cache counter whose every ledger append failed goes
// uncorrected until the counter resets at period rollover.
func (r *DriftReconciler) Reconcile(ctx context.Context) ([]DriftFinding, error) {
	period := PeriodKeyFor(r.now())
	sums, err := r.manager.ledger.PeriodSums(ctx, period)
	if err != nil {
		r.logger.Printf("[DriftReconciler] Ledger sum failed for %s: %v", period, err)
		return nil, err
	}

	var findings []DriftFinding
	for communityID, ledgerSum := range sums {
		snap, err := r.manager.store.Snapshot(ctx, communityID, period)
		if err != nil {
			r.logger.Printf("[DriftReconciler] Snapshot failed for %s: %v", communityID, err)
			continue
		}
		if snap.Committed == ledgerSum {
			continue
		}

		finding := DriftFinding{
			CommunityID: communityID,
			PeriodKey:   period,
			Cached:      snap.Committed,
			LedgerSum:   ledgerSum,
		}

		drift := finding.Drift()
		if drift < 0 {
			drift = -drift
		}
		if drift > r.threshold {
			r.manager.metrics.driftAlerted()
			r.logger.Printf("[DriftReconciler] ALERT: drift beyond threshold for community=%s period=%s cached=%d ledger=%d",
				communityID, period, snap.Committed, ledgerSum)
			findings = append(findings, finding)
			continue
		}

		if err := r.manager.store.SetCommitted(ctx, communityID, period, ledgerSum); err != nil {
			r.logger.Printf("[DriftReconciler] Correction failed for %s: %v", communityID, err)
			findings = append(findings, finding)
			continue
		}

		finding.Corrected = true
		r.manager.metrics.driftCorrected()
		r.logger.Printf("[DriftReconciler] Corrected community=%s period=%s %d -> %d",
			communityID, period, snap.Committed, ledgerSum)
		findings = append(findings, finding)
	}

	return findings, nil
}

// Run reconciles on the given interval until the context is cancelled.
func (r *DriftReconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				continue
			}
		}
	}
}
