// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package lifecycle drives a single inference request from intake through
// reservation, execution and settlement. Each request runs on its own
// goroutine; the only serialization point is the budget store's atomic
// operations, so no request blocks another while awaiting the backend.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tollgate/platform/budget"
	"tollgate/platform/ensemble"
	"tollgate/platform/shared/logger"
	"tollgate/platform/tiers"
)

// State is the request lifecycle state. RECEIVED and VALIDATED are
// preconditions with no budget effect; RESERVED is entered only on a
// successful reserve; the terminal states mirror the reservation's.
type State string

const (
	StateReceived  State = "RECEIVED"
	StateValidated State = "VALIDATED"
	StateReserved  State = "RESERVED"
	StateExecuting State = "EXECUTING"
	StateFinalized State = "FINALIZED"
	StateAborted   State = "ABORTED"
	StateExpired   State = "EXPIRED"
)

var (
	// ErrConsensusNotReached is returned when fewer than quorum models
	// agree. The models that ran are still billed.
	ErrConsensusNotReached = errors.New("consensus quorum not reached")

	// ErrAllModelsFailed is returned when every model in an invocation
	// failed with a final (non-retryable) error.
	ErrAllModelsFailed = errors.New("all models failed")

	// ErrNoModels is returned when a request names no model to invoke.
	ErrNoModels = errors.New("no models to invoke")
)

// CostEstimator produces the upfront per-model cost estimate used to size
// reservations. The heuristic itself is opaque to the lifecycle.
type CostEstimator func(inv ModelInvocation) budget.MicroUSD

// EnsembleOptions is the caller's multi-model request shape, pre-clamping.
type EnsembleOptions struct {
	Strategy string   `json:"strategy"`
	N        int      `json:"n,omitempty"`
	Quorum   int      `json:"quorum,omitempty"`
	Models   []string `json:"models,omitempty"`
}

// Request is one inference request after transport-level auth and rate
// limiting have already approved it.
type Request struct {
	RequestID   string           `json:"request_id"`
	CommunityID string           `json:"community_id"`
	Model       string           `json:"model,omitempty"`
	Prompt      string           `json:"prompt"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Ensemble    *EnsembleOptions `json:"ensemble,omitempty"`
	TTL         time.Duration    `json:"-"`
}

// Result is the settled outcome of a request.
type Result struct {
	RequestID     string                 `json:"request_id"`
	ReservationID string                 `json:"reservation_id"`
	State         State                  `json:"state"`
	Output        string                 `json:"output,omitempty"`
	Model         string                 `json:"model,omitempty"`
	ModelResults  []ensemble.ModelResult `json:"model_results,omitempty"`
	Cost          budget.MicroUSD        `json:"cost_micro_usd"`
}

// Coordinator orchestrates the request state machine against the budget
// manager, tier resolver and inference backend.
type Coordinator struct {
	budgets  *budget.Manager
	tiers    tiers.Resolver
	backend  InferenceBackend
	estimate CostEstimator
	streams  *budget.StreamReconciler
	log      *logger.Logger
}

// NewCoordinator wires a coordinator. streams may be nil when the
// deployment has no streaming transport.
func NewCoordinator(budgets *budget.Manager, resolver tiers.Resolver, backend InferenceBackend, estimate CostEstimator, streams *budget.StreamReconciler) *Coordinator {
	return &Coordinator{
		budgets:  budgets,
		tiers:    resolver,
		backend:  backend,
		estimate: estimate,
		streams:  streams,
		log:      logger.New("lifecycle"),
	}
}

// plan resolves the tier and clamps the request into an execution plan.
// This is the VALIDATED precondition: nothing here touches budget state.
func (c *Coordinator) plan(ctx context.Context, req *Request) (tiers.Tier, ensemble.Plan, error) {
	tier, err := c.tiers.ResolveTier(ctx, req.CommunityID)
	if err != nil {
		return tiers.Tier{}, ensemble.Plan{}, fmt.Errorf("tier resolution: %w", err)
	}

	if req.Ensemble == nil {
		if req.Model == "" {
			return tier, ensemble.Plan{}, ErrNoModels
		}
		// Single-model request: the degenerate n=1 plan.
		return tier, ensemble.Plan{
			N:                1,
			Models:           []string{req.Model},
			BudgetMultiplier: 1,
		}, nil
	}

	strategy, err := ensemble.ParseStrategy(req.Ensemble.Strategy, req.Ensemble.Quorum)
	if err != nil {
		return tier, ensemble.Plan{}, err
	}
	p, err := ensemble.Validate(ensemble.Request{
		Strategy: strategy,
		N:        req.Ensemble.N,
		Models:   req.Ensemble.Models,
	}, tier)
	if err != nil {
		return tier, ensemble.Plan{}, err
	}
	if len(p.Models) == 0 {
		return tier, ensemble.Plan{}, ErrNoModels
	}
	return tier, p, nil
}

// reserve sizes and places the budget hold for a validated plan. Every
// strategy reserves the worst case: n times the per-model estimate.
func (c *Coordinator) reserve(ctx context.Context, req *Request, tier tiers.Tier, p ensemble.Plan) (string, budget.MicroUSD, error) {
	perModel := c.estimate(ModelInvocation{
		Model:     p.Models[0],
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
	})
	total := perModel * budget.MicroUSD(p.BudgetMultiplier)

	res, err := c.budgets.Reserve(ctx, budget.ReserveRequest{
		CommunityID:    req.CommunityID,
		EstimatedCost:  total,
		Limit:          tier.Limit,
		IdempotencyKey: req.RequestID,
		TTL:            req.TTL,
	})
	if err != nil {
		return "", 0, err
	}
	if !res.Approved {
		return "", 0, budget.ErrBudgetExceeded
	}
	return res.ReservationID, total, nil
}

// Handle runs a non-streaming request end to end.
func (c *Coordinator) Handle(ctx context.Context, req Request) (Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	tier, p, err := c.plan(ctx, &req)
	if err != nil {
		return Result{RequestID: req.RequestID, State: StateReceived}, err
	}

	reservationID, reserved, err := c.reserve(ctx, &req, tier, p)
	if err != nil {
		return Result{RequestID: req.RequestID, State: StateValidated}, err
	}

	c.log.Info(req.CommunityID, req.RequestID, "reservation placed", map[string]interface{}{
		"reservation_id": reservationID,
		"reserved":       int64(reserved),
		"models":         len(p.Models),
		"strategy":       p.StrategyName,
	})

	results := c.execute(ctx, &req, p)
	return c.settle(ctx, &req, p, reservationID, results)
}

// execute runs the plan's models against the backend. Parallel strategies
// fan out one goroutine per model; fallback walks the list until a model
// succeeds. A failed model's entry carries the error for settlement
// classification and zero cost.
func (c *Coordinator) execute(ctx context.Context, req *Request, p ensemble.Plan) []modelOutcome {
	if _, isFallback := p.Strategy.(ensemble.Fallback); isFallback {
		return c.executeSequential(ctx, req, p.Models)
	}
	return c.executeParallel(ctx, req, p.Models)
}

type modelOutcome struct {
	result InvocationResult
	err    error
	// attempted distinguishes a failed call from one fallback never made.
	attempted bool
	model     string
}

func (c *Coordinator) executeParallel(ctx context.Context, req *Request, models []string) []modelOutcome {
	outcomes := make([]modelOutcome, len(models))
	var wg sync.WaitGroup
	for i, model := range models {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			res, err := c.backend.Invoke(ctx, ModelInvocation{
				Model:     model,
				Prompt:    req.Prompt,
				MaxTokens: req.MaxTokens,
			})
			outcomes[i] = modelOutcome{result: res, err: err, attempted: true, model: model}
		}(i, model)
	}
	wg.Wait()
	return outcomes
}

func (c *Coordinator) executeSequential(ctx context.Context, req *Request, models []string) []modelOutcome {
	outcomes := make([]modelOutcome, len(models))
	for i, model := range models {
		outcomes[i].model = model
	}
	for i, model := range models {
		res, err := c.backend.Invoke(ctx, ModelInvocation{
			Model:     model,
			Prompt:    req.Prompt,
			MaxTokens: req.MaxTokens,
		})
		outcomes[i] = modelOutcome{result: res, err: err, attempted: true, model: model}
		if err == nil {
			break
		}
	}
	return outcomes
}

// settle drives the terminal transition. Any success finalizes with the
// partial cost of the models that ran. With zero successes: a final
// failure aborts immediately (the failure is known and no cost was
// incurred), while a possibly-transient failure leaves the reservation
// ACTIVE for TTL expiry, because the backend may have partially billed.
func (c *Coordinator) settle(ctx context.Context, req *Request, p ensemble.Plan, reservationID string, outcomes []modelOutcome) (Result, error) {
	modelResults := make([]ensemble.ModelResult, len(outcomes))
	succeeded := 0
	anyRetryable := false
	var winner *InvocationResult

	for i, o := range outcomes {
		modelResults[i] = ensemble.ModelResult{ModelID: o.model}
		if !o.attempted {
			continue
		}
		if o.err != nil {
			if retryable(o.err) {
				anyRetryable = true
			}
			continue
		}
		succeeded++
		modelResults[i] = ensemble.ModelResult{
			ModelID:   o.result.Model,
			Succeeded: true,
			Tokens:    o.result.Tokens,
			Cost:      o.result.Cost,
		}
		if winner == nil {
			r := o.result
			winner = &r
		}
	}

	result := Result{
		RequestID:     req.RequestID,
		ReservationID: reservationID,
		ModelResults:  modelResults,
	}

	if succeeded == 0 {
		if anyRetryable {
			// Deliberately not aborted: TTL expiry covers the case where
			// the backend billed part of the call despite the error.
			c.log.Warn(req.CommunityID, req.RequestID, "backend failure, reservation left for TTL expiry", map[string]interface{}{
				"reservation_id": reservationID,
			})
			result.State = StateExecuting
			return result, firstError(outcomes)
		}

		if _, err := c.budgets.Abort(ctx, reservationID); err != nil {
			c.log.ErrorWithErr(req.CommunityID, req.RequestID, "abort failed, reaper will expire", err, nil)
		}
		result.State = StateAborted
		return result, fmt.Errorf("%w: %v", ErrAllModelsFailed, firstError(outcomes))
	}

	actual := ensemble.ComputePartialCost(modelResults)
	result.Output = winner.Output
	result.Model = winner.Model

	fin, err := c.budgets.Finalize(ctx, reservationID, actual, ensemble.Breakdown(modelResults))
	if err != nil {
		// Inference already happened, so the output is surfaced, but the
		// hold is not settled: the state stays non-terminal until the
		// reaper and reconciler square the books.
		c.log.ErrorWithErr(req.CommunityID, req.RequestID, "finalize failed, reservation left for TTL expiry", err, map[string]interface{}{
			"reservation_id": reservationID,
		})
		result.State = StateExecuting
	} else {
		result.State = StateFinalized
		result.Cost = fin.ActualCost
		c.log.Info(req.CommunityID, req.RequestID, "request finalized", map[string]interface{}{
			"reservation_id": reservationID,
			"actual":         int64(actual),
			"succeeded":      succeeded,
			"of":             len(outcomes),
		})
	}

	if cons, ok := p.Strategy.(ensemble.Consensus); ok && succeeded < cons.Quorum {
		// The models that ran are billed either way; only the answer is
		// rejected.
		return result, ErrConsensusNotReached
	}
	return result, nil
}

func firstError(outcomes []modelOutcome) error {
	for _, o := range outcomes {
		if o.attempted && o.err != nil {
			return o.err
		}
	}
	return errors.New("model invocation failed")
}

// StreamSession is one live streaming request. The transport drives Recv
// until io.EOF then calls Complete; on abnormal termination it calls
// Disconnect instead. Both paths converge on the same idempotent finalize,
// so whichever lands first wins and the other is a no-op.
type StreamSession struct {
	coordinator   *Coordinator
	stream        Stream
	req           Request
	reservationID string
	model         string

	mu     sync.Mutex
	tokens int
	cost   budget.MicroUSD
}

// OpenStream validates, reserves and starts a single-model token stream.
func (c *Coordinator) OpenStream(ctx context.Context, req Request) (*StreamSession, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.Ensemble != nil {
		return nil, errors.New("streaming ensembles are not supported")
	}

	tier, p, err := c.plan(ctx, &req)
	if err != nil {
		return nil, err
	}
	reservationID, _, err := c.reserve(ctx, &req, tier, p)
	if err != nil {
		return nil, err
	}

	stream, err := c.backend.InvokeStream(ctx, ModelInvocation{
		Model:     req.Model,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		if retryable(err) {
			// Leave ACTIVE; the backend may have started billing.
			return nil, err
		}
		if _, abortErr := c.budgets.Abort(ctx, reservationID); abortErr != nil {
			c.log.ErrorWithErr(req.CommunityID, req.RequestID, "stream abort failed", abortErr, nil)
		}
		return nil, err
	}

	return &StreamSession{
		coordinator:   c,
		stream:        stream,
		req:           req,
		reservationID: reservationID,
		model:         req.Model,
	}, nil
}

// ReservationID identifies the session's budget hold.
func (s *StreamSession) ReservationID() string {
	return s.reservationID
}

// Recv returns the next chunk, tracking running token and cost totals so a
// disconnect can be settled from what was already produced.
func (s *StreamSession) Recv() (StreamChunk, error) {
	chunk, err := s.stream.Recv()
	if err != nil {
		return chunk, err
	}

	s.mu.Lock()
	if chunk.Tokens > s.tokens {
		s.tokens = chunk.Tokens
	}
	if chunk.Cost > s.cost {
		s.cost = chunk.Cost
	}
	s.mu.Unlock()
	return chunk, nil
}

func (s *StreamSession) partial() []budget.ModelCost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []budget.ModelCost{{
		ModelID:   s.model,
		Succeeded: true,
		Tokens:    s.tokens,
		Cost:      s.cost,
	}}
}

// Complete settles the stream after normal termination.
func (s *StreamSession) Complete(ctx context.Context) (budget.FinalizeResult, error) {
	defer s.stream.Close()
	partial := s.partial()
	return s.coordinator.budgets.Finalize(ctx, s.reservationID, partial[0].Cost, partial)
}

// Disconnect settles the stream after a client disconnect or network
// drop, billing the tokens produced up to the abort. Invoked by the
// transport layer, typically on a separate goroutine from the reader that
// may concurrently reach Complete; finalize idempotency resolves the race.
func (s *StreamSession) Disconnect(ctx context.Context) (budget.FinalizeResult, error) {
	defer s.stream.Close()
	if s.coordinator.streams == nil {
		partial := s.partial()
		return s.coordinator.budgets.Finalize(ctx, s.reservationID, partial[0].Cost, partial)
	}
	return s.coordinator.streams.Reconcile(ctx, s.reservationID, s.partial())
}
