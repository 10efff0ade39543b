// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamReconcilerSettlesPartialCost(t *testing.T) {
	mgr, store, ledger := newTestManager(t)
	rec := NewStreamReconciler(mgr, log.New(io.Discard, "", 0))
	ctx := context.Background()

	res, err := mgr.Reserve(ctx, ReserveRequest{
		CommunityID:   "community-1",
		EstimatedCost: 2_000_000,
		Limit:         5_000_000,
	})
	require.NoError(t, err)

	// Client disconnected after 340 tokens were produced.
	partial := []ModelCost{{ModelID: "model-a", Cost: 450_000, Succeeded: true}}
	out, err := rec.Reconcile(ctx, res.ReservationID, partial)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, out.Status)
	assert.Equal(t, MicroUSD(450_000), out.ActualCost)

	snap, _ := store.Snapshot(ctx, "community-1", "2026-08")
	assert.Equal(t, MicroUSD(450_000), snap.Committed)
	assert.Equal(t, MicroUSD(0), snap.Reserved)
	assert.Len(t, ledger.entries, 1)
}

func TestStreamReconcilerLosesRaceToCompletion(t *testing.T) {
	mgr, store, ledger := newTestManager(t)
	rec := NewStreamReconciler(mgr, log.New(io.Discard, "", 0))
	ctx := context.Background()

	res, err := mgr.Reserve(ctx, ReserveRequest{
		CommunityID:   "community-1",
		EstimatedCost: 2_000_000,
		Limit:         5_000_000,
	})
	require.NoError(t, err)

	// The backend's completion event landed just before the disconnect
	// handler fired.
	_, err = mgr.Finalize(ctx, res.ReservationID, 1_800_000, nil)
	require.NoError(t, err)

	out, err := rec.Reconcile(ctx, res.ReservationID, []ModelCost{
		{ModelID: "model-a", Cost: 450_000, Succeeded: true},
	})
	require.NoError(t, err, "losing the race is not an error")
	assert.Equal(t, StatusAlreadyFinalized, out.Status)
	assert.Equal(t, MicroUSD(1_800_000), out.ActualCost, "full cost stands")

	snap, _ := store.Snapshot(ctx, "community-1", "2026-08")
	assert.Equal(t, MicroUSD(1_800_000), snap.Committed)
	assert.Len(t, ledger.entries, 1)
}

func TestStreamReconcilerIgnoresFailedEntries(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	rec := NewStreamReconciler(mgr, log.New(io.Discard, "", 0))
	ctx := context.Background()

	res, err := mgr.Reserve(ctx, ReserveRequest{
		CommunityID:   "community-1",
		EstimatedCost: 2_000_000,
		Limit:         5_000_000,
	})
	require.NoError(t, err)

	out, err := rec.Reconcile(ctx, res.ReservationID, []ModelCost{
		{ModelID: "model-a", Cost: 450_000, Succeeded: true},
		{ModelID: "model-b", Cost: 999_000, Succeeded: false},
	})
	require.NoError(t, err)
	assert.Equal(t, MicroUSD(450_000), out.ActualCost)

	snap, _ := store.Snapshot(ctx, "community-1", "2026-08")
	assert.Equal(t, MicroUSD(450_000), snap.Committed)
}

func TestStreamReconcilerZeroTokens(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	rec := NewStreamReconciler(mgr, log.New(io.Discard, "", 0))
	ctx := context.Background()

	res, err := mgr.Reserve(ctx, ReserveRequest{
		CommunityID:   "community-1",
		EstimatedCost: 2_000_000,
		Limit:         5_000_000,
	})
	require.NoError(t, err)

	// Disconnect before any token: finalize at zero, not abort, so the
	// ledger still records that the request ran.
	out, err := rec.Reconcile(ctx, res.ReservationID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, out.Status)
	assert.Equal(t, MicroUSD(0), out.ActualCost)

	snap, _ := store.Snapshot(ctx, "community-1", "2026-08")
	assert.Equal(t, MicroUSD(0), snap.Committed)
	assert.Equal(t, MicroUSD(0), snap.Reserved)
}
