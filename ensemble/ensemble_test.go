// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package ensemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/platform/budget"
	"tollgate/platform/tiers"
)

var proTier = tiers.Tier{
	Name:            "pro",
	Limit:           50_000_000,
	MaxN:            5,
	MaxQuorum:       5,
	EnsembleEnabled: true,
}

var freeTier = tiers.Tier{
	Name:            "free",
	Limit:           5_000_000,
	EnsembleEnabled: false,
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("best_of_n", 0)
	require.NoError(t, err)
	assert.Equal(t, BestOfN{}, s)

	s, err = ParseStrategy("consensus", 3)
	require.NoError(t, err)
	assert.Equal(t, Consensus{Quorum: 3}, s)

	s, err = ParseStrategy("fallback", 0)
	require.NoError(t, err)
	assert.Equal(t, Fallback{}, s)

	_, err = ParseStrategy("vote", 0)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestValidateTierDisabled(t *testing.T) {
	_, err := Validate(Request{Strategy: BestOfN{}, N: 3}, freeTier)
	assert.ErrorIs(t, err, ErrEnsembleNotAvailable)
}

func TestValidateMissingStrategy(t *testing.T) {
	_, err := Validate(Request{N: 3}, proTier)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestValidateClampsNToTierMax(t *testing.T) {
	// Asking for 10 models on a tier that allows 5.
	plan, err := Validate(Request{Strategy: BestOfN{}, N: 10}, proTier)
	require.NoError(t, err)
	assert.Equal(t, 5, plan.N)
	assert.Equal(t, 5, plan.BudgetMultiplier)
}

func TestValidateDefaultsN(t *testing.T) {
	plan, err := Validate(Request{Strategy: BestOfN{}}, proTier)
	require.NoError(t, err)
	assert.Equal(t, MinModels, plan.N)
}

func TestValidateNFromModelList(t *testing.T) {
	plan, err := Validate(Request{
		Strategy: Fallback{},
		Models:   []string{"model-a", "model-b", "model-c"},
	}, proTier)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.N)
	assert.Equal(t, []string{"model-a", "model-b", "model-c"}, plan.Models)
}

func TestValidateTruncatesModelList(t *testing.T) {
	plan, err := Validate(Request{
		Strategy: BestOfN{},
		N:        10,
		Models:   []string{"a", "b", "c", "d", "e", "f", "g"},
	}, proTier)
	require.NoError(t, err)
	assert.Equal(t, 5, plan.N)
	assert.Len(t, plan.Models, 5)
}

func TestValidateConsensusQuorumDefaultsToMajority(t *testing.T) {
	plan, err := Validate(Request{Strategy: Consensus{}, N: 5}, proTier)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Quorum)
	assert.Equal(t, Consensus{Quorum: 3}, plan.Strategy)
}

func TestValidateConsensusQuorumClampedToN(t *testing.T) {
	plan, err := Validate(Request{Strategy: Consensus{Quorum: 7}, N: 3}, proTier)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.N)
	assert.Equal(t, 3, plan.Quorum, "quorum can never exceed n")
}

func TestValidateConsensusQuorumFloor(t *testing.T) {
	plan, err := Validate(Request{Strategy: Consensus{Quorum: 1}, N: 4}, proTier)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Quorum, "a quorum of one is not a consensus")
}

func TestValidateConsensusQuorumTierCap(t *testing.T) {
	capped := proTier
	capped.MaxQuorum = 3
	plan, err := Validate(Request{Strategy: Consensus{Quorum: 5}, N: 5}, capped)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Quorum)
}

func TestValidateBudgetMultiplierIsAlwaysN(t *testing.T) {
	for _, strategy := range []Strategy{BestOfN{}, Consensus{Quorum: 2}, Fallback{}} {
		plan, err := Validate(Request{Strategy: strategy, N: 3}, proTier)
		require.NoError(t, err)
		// Even fallback may exhaust the whole list in the worst case.
		assert.Equal(t, 3, plan.BudgetMultiplier, strategy.Name())
	}
}

func TestComputePartialCost(t *testing.T) {
	results := []ModelResult{
		{ModelID: "model-a", Succeeded: true, Cost: 900_000},
		{ModelID: "model-b", Succeeded: true, Cost: 850_000},
		{ModelID: "model-c", Succeeded: false, Cost: 0},
	}
	assert.Equal(t, budget.MicroUSD(1_750_000), ComputePartialCost(results))
	assert.Equal(t, budget.MicroUSD(0), ComputePartialCost(nil))
}

func TestBreakdown(t *testing.T) {
	results := []ModelResult{
		{ModelID: "model-a", Succeeded: true, Tokens: 812, Cost: 900_000},
		{ModelID: "model-b", Succeeded: false},
	}
	out := Breakdown(results)
	require.Len(t, out, 2)
	assert.Equal(t, budget.ModelCost{
		ModelID:   "model-a",
		Succeeded: true,
		Tokens:    812,
		Cost:      900_000,
	}, out[0])
	assert.False(t, out[1].Succeeded)
	assert.Zero(t, out[1].Cost)

	assert.Nil(t, Breakdown(nil))
}
