// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package ensemble validates multi-model request shapes against tier
// limits and decomposes ensemble cost. It is pure and side-effect-free:
// validation and cost math can be run standalone to preview what an
// ensemble request would reserve without touching budget state.
package ensemble

import (
	"errors"
	"fmt"

	"tollgate/platform/budget"
	"tollgate/platform/tiers"
)

var (
	// ErrEnsembleNotAvailable is returned when the caller's tier does not
	// permit ensembles at all.
	ErrEnsembleNotAvailable = errors.New("ensemble not available for tier")

	// ErrUnknownStrategy is returned for a strategy name outside the
	// closed set.
	ErrUnknownStrategy = errors.New("unknown ensemble strategy")
)

// MinModels is the smallest ensemble; a single-model request is not an
// ensemble and bypasses this package's clamping entirely.
const MinModels = 2

// Strategy is a closed set of ensemble strategies. Quorum exists only on
// Consensus, so "quorum set but strategy doesn't use it" is unrepresentable.
type Strategy interface {
	Name() string
	sealed()
}

// BestOfN invokes all n models in parallel and picks the best response.
type BestOfN struct{}

// Consensus invokes all n models and requires Quorum agreeing responses.
type Consensus struct {
	Quorum int
}

// Fallback tries models sequentially until one succeeds.
type Fallback struct{}

func (BestOfN) Name() string   { return "best_of_n" }
func (Consensus) Name() string { return "consensus" }
func (Fallback) Name() string  { return "fallback" }

func (BestOfN) sealed()   {}
func (Consensus) sealed() {}
func (Fallback) sealed()  {}

// ParseStrategy maps a wire-level strategy name into the closed set.
// The quorum argument is consulted only for consensus.
func ParseStrategy(name string, quorum int) (Strategy, error) {
	switch name {
	case "best_of_n":
		return BestOfN{}, nil
	case "consensus":
		return Consensus{Quorum: quorum}, nil
	case "fallback":
		return Fallback{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// Request is the ensemble shape as submitted by the caller, before
// tier clamping.
type Request struct {
	Strategy Strategy
	N        int
	Models   []string
}

// Plan is the validated, tier-clamped ensemble shape. BudgetMultiplier is
// the factor applied to the per-model estimate when sizing the
// reservation.
type Plan struct {
	Strategy         Strategy `json:"-"`
	StrategyName     string   `json:"strategy"`
	N                int      `json:"n"`
	Quorum           int      `json:"quorum,omitempty"`
	Models           []string `json:"models,omitempty"`
	BudgetMultiplier int      `json:"budget_multiplier"`
}

// ModelResult is the per-model outcome of one ensemble invocation.
// Failed or never-attempted models carry zero cost; a model aborted
// mid-stream carries the cost of tokens it already produced.
type ModelResult struct {
	ModelID   string          `json:"model_id"`
	Succeeded bool            `json:"succeeded"`
	Tokens    int             `json:"tokens,omitempty"`
	Cost      budget.MicroUSD `json:"cost_micro_usd"`
}

// Validate clamps the request against the tier's ensemble limits.
//
// n defaults to MinModels when unspecified; when only a model list is
// given, n is its length. n is then clamped to [MinModels, tier.MaxN] and
// the model list truncated to match. For consensus, quorum defaults to a
// simple majority and is clamped to [2, min(tier.MaxQuorum, n)].
//
// Every strategy reserves as if all n models will be invoked and billed:
// even fallback may exhaust the whole list in the worst case, so
// BudgetMultiplier is always n.
func Validate(req Request, tier tiers.Tier) (Plan, error) {
	if !tier.EnsembleEnabled {
		return Plan{}, ErrEnsembleNotAvailable
	}
	if req.Strategy == nil {
		return Plan{}, fmt.Errorf("%w: none given", ErrUnknownStrategy)
	}

	n := req.N
	if n == 0 && len(req.Models) > 0 {
		n = len(req.Models)
	}
	if n < MinModels {
		n = MinModels
	}
	if tier.MaxN >= MinModels && n > tier.MaxN {
		n = tier.MaxN
	}

	models := req.Models
	if len(models) > n {
		models = models[:n]
	}

	plan := Plan{
		Strategy:         req.Strategy,
		StrategyName:     req.Strategy.Name(),
		N:                n,
		Models:           models,
		BudgetMultiplier: n,
	}

	if c, ok := req.Strategy.(Consensus); ok {
		quorum := c.Quorum
		if quorum == 0 {
			quorum = n/2 + 1
		}
		if quorum < 2 {
			quorum = 2
		}
		maxQuorum := tier.MaxQuorum
		if maxQuorum > n || maxQuorum == 0 {
			maxQuorum = n
		}
		if quorum > maxQuorum {
			quorum = maxQuorum
		}
		plan.Strategy = Consensus{Quorum: quorum}
		plan.Quorum = quorum
	}

	return plan, nil
}

// ComputePartialCost sums the cost of succeeded model results. By
// construction the sum never exceeds n times the per-model estimate, so
// the committed amount stays at or below what was reserved even under
// partial failure or a mid-stream abort.
func ComputePartialCost(results []ModelResult) budget.MicroUSD {
	var total budget.MicroUSD
	for _, r := range results {
		if r.Succeeded {
			total += r.Cost
		}
	}
	return total
}

// Breakdown converts model results into the ledger's per-model cost
// attribution.
func Breakdown(results []ModelResult) []budget.ModelCost {
	if len(results) == 0 {
		return nil
	}
	out := make([]budget.ModelCost, len(results))
	for i, r := range results {
		out[i] = budget.ModelCost{
			ModelID:   r.ModelID,
			Succeeded: r.Succeeded,
			Tokens:    r.Tokens,
			Cost:      r.Cost,
		}
	}
	return out
}
