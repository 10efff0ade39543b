// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"context"
	"log"
	"time"
)

// DefaultSweepInterval is how often the reaper scans for leaked
// reservations. TTL already bounds staleness, so the interval tunes leak
// size, not correctness.
const DefaultSweepInterval = 60 * time.Second

// DefaultSweepBatch caps how many expired reservations one sweep handles.
const DefaultSweepBatch = 500

// Reaper is the background sweep that expires ACTIVE reservations whose
// TTL elapsed without a finalize or abort, returning their estimates to
// the pool. Safe to run concurrently with itself and with late finalizes:
// the expire operation is conditional on the reservation still being
// ACTIVE, so every loser of the race sees a no-op.
type Reaper struct {
	manager *Manager
	logger  *log.Logger
	batch   int
	now     func() time.Time
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperBatch sets the per-sweep batch size.
func WithReaperBatch(n int) ReaperOption {
	return func(r *Reaper) { r.batch = n }
}

// WithReaperLogger sets the log destination.
func WithReaperLogger(l *log.Logger) ReaperOption {
	return func(r *Reaper) { r.logger = l }
}

// WithReaperClock overrides the time source (tests).
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) { r.now = now }
}

// NewReaper creates a reaper over the given manager.
func NewReaper(manager *Manager, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		manager: manager,
		logger:  log.Default(),
		batch:   DefaultSweepBatch,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep expires every reservation whose TTL elapsed before now, up to the
// batch size. Returns how many reservations this sweep expired.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	ids, err := r.manager.store.ExpiredBefore(ctx, r.now(), r.batch)
	if err != nil {
		r.logger.Printf("[Reaper] Expired scan failed: %v", err)
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		applied, err := r.manager.Expire(ctx, id)
		if err != nil {
			// Leave it for the next sweep; TTL cleanup is best-effort
			// per pass, guaranteed over time.
			r.logger.Printf("[Reaper] Expire failed for %s: %v", id, err)
			continue
		}
		if applied {
			expired++
		}
	}

	if expired > 0 {
		r.manager.metrics.reaped(expired)
		r.logger.Printf("[Reaper] Expired %d leaked reservation(s)", expired)
	}
	return expired, nil
}

// Run sweeps on the given interval until the context is cancelled.
// Deployments using an external scheduler call Sweep directly instead.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				continue
			}
		}
	}
}
