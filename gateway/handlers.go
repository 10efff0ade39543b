// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"tollgate/platform/budget"
	"tollgate/platform/ensemble"
	"tollgate/platform/lifecycle"
	"tollgate/platform/shared/logger"
	"tollgate/platform/tiers"
)

// Handler provides the HTTP surface over the accounting core: the
// inference entry point, the pure ensemble preview, and budget status.
type Handler struct {
	coordinator *lifecycle.Coordinator
	budgets     *budget.Manager
	resolver    tiers.Resolver
	estimate    lifecycle.CostEstimator
	log         *logger.Logger
}

// NewHandler creates the gateway handler.
func NewHandler(coordinator *lifecycle.Coordinator, budgets *budget.Manager, resolver tiers.Resolver, estimate lifecycle.CostEstimator) *Handler {
	return &Handler{
		coordinator: coordinator,
		budgets:     budgets,
		resolver:    resolver,
		estimate:    estimate,
		log:         logger.New("gateway"),
	}
}

// RegisterRoutes registers all gateway routes with a gorilla/mux router.
// API routes live on the returned /api/v1 subrouter so callers can mount
// middleware there without covering /health.
func (h *Handler) RegisterRoutes(r *mux.Router) *mux.Router {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/inference", h.Inference).Methods("POST")
	api.HandleFunc("/ensemble/preview", h.EnsemblePreview).Methods("POST")
	api.HandleFunc("/communities/{id}/budget", h.BudgetStatus).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
	return api
}

// InferenceRequest is the request body for POST /api/v1/inference.
type InferenceRequest struct {
	RequestID   string                     `json:"request_id,omitempty"`
	CommunityID string                     `json:"community_id"`
	Model       string                     `json:"model,omitempty"`
	Prompt      string                     `json:"prompt"`
	MaxTokens   int                        `json:"max_tokens,omitempty"`
	Ensemble    *lifecycle.EnsembleOptions `json:"ensemble,omitempty"`
}

// Inference handles POST /api/v1/inference: the full request lifecycle.
func (h *Handler) Inference(w http.ResponseWriter, r *http.Request) {
	var req InferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "invalid request body")
		return
	}
	if req.CommunityID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "community_id and prompt are required")
		return
	}

	result, err := h.coordinator.Handle(r.Context(), lifecycle.Request{
		RequestID:   req.RequestID,
		CommunityID: req.CommunityID,
		Model:       req.Model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Ensemble:    req.Ensemble,
	})
	if err != nil {
		h.writeLifecycleError(w, req, result, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// writeLifecycleError maps lifecycle errors onto the structured taxonomy
// so client UIs can distinguish budget exhaustion from tier gating from
// plain validation failures.
func (h *Handler) writeLifecycleError(w http.ResponseWriter, req InferenceRequest, result lifecycle.Result, err error) {
	switch {
	case errors.Is(err, budget.ErrBudgetExceeded):
		writeError(w, http.StatusPaymentRequired, "BUDGET_EXCEEDED", "monthly budget exhausted for community")
	case errors.Is(err, ensemble.ErrEnsembleNotAvailable):
		writeError(w, http.StatusForbidden, "ENSEMBLE_NOT_AVAILABLE", "tier does not permit ensemble requests")
	case errors.Is(err, ensemble.ErrUnknownStrategy), errors.Is(err, lifecycle.ErrNoModels):
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, budget.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "budget storage unavailable, retry later")
	case errors.Is(err, lifecycle.ErrConsensusNotReached):
		// Billed but unanswered: return the partial result alongside the code.
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  "CONSENSUS_NOT_REACHED",
			"result": result,
		})
	case errors.Is(err, lifecycle.ErrAllModelsFailed):
		writeError(w, http.StatusBadGateway, "BACKEND_FAILED", err.Error())
	default:
		h.log.ErrorWithErr(req.CommunityID, req.RequestID, "inference failed", err, nil)
		writeError(w, http.StatusBadGateway, "BACKEND_FAILED", "inference backend error, retry later")
	}
}

// PreviewRequest is the request body for POST /api/v1/ensemble/preview.
type PreviewRequest struct {
	CommunityID string   `json:"community_id"`
	Strategy    string   `json:"strategy"`
	N           int      `json:"n,omitempty"`
	Quorum      int      `json:"quorum,omitempty"`
	Models      []string `json:"models,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// PreviewResponse reports what an ensemble request would reserve, without
// touching budget state.
type PreviewResponse struct {
	Plan             ensemble.Plan   `json:"plan"`
	PerModelEstimate budget.MicroUSD `json:"per_model_estimate_micro_usd"`
	WouldReserve     budget.MicroUSD `json:"would_reserve_micro_usd"`
}

// EnsemblePreview handles POST /api/v1/ensemble/preview using only the
// pure validation and sizing path.
func (h *Handler) EnsemblePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "invalid request body")
		return
	}

	tier, err := h.resolver.ResolveTier(r.Context(), req.CommunityID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}

	strategy, err := ensemble.ParseStrategy(req.Strategy, req.Quorum)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}

	plan, err := ensemble.Validate(ensemble.Request{
		Strategy: strategy,
		N:        req.N,
		Models:   req.Models,
	}, tier)
	if err != nil {
		if errors.Is(err, ensemble.ErrEnsembleNotAvailable) {
			writeError(w, http.StatusForbidden, "ENSEMBLE_NOT_AVAILABLE", "tier does not permit ensemble requests")
			return
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}

	model := ""
	if len(plan.Models) > 0 {
		model = plan.Models[0]
	}
	perModel := h.estimate(lifecycle.ModelInvocation{
		Model:     model,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
	})

	writeJSON(w, http.StatusOK, PreviewResponse{
		Plan:             plan,
		PerModelEstimate: perModel,
		WouldReserve:     perModel * budget.MicroUSD(plan.BudgetMultiplier),
	})
}

// BudgetStatusResponse is the body of GET /api/v1/communities/{id}/budget.
type BudgetStatusResponse struct {
	CommunityID string           `json:"community_id"`
	PeriodKey   budget.PeriodKey `json:"period_key"`
	Tier        string           `json:"tier"`
	Limit       budget.MicroUSD  `json:"limit_micro_usd"`
	Committed   budget.MicroUSD  `json:"committed_micro_usd"`
	Reserved    budget.MicroUSD  `json:"reserved_micro_usd"`
	Remaining   budget.MicroUSD  `json:"remaining_micro_usd"`
}

// BudgetStatus handles GET /api/v1/communities/{id}/budget.
func (h *Handler) BudgetStatus(w http.ResponseWriter, r *http.Request) {
	communityID := mux.Vars(r)["id"]

	tier, err := h.resolver.ResolveTier(r.Context(), communityID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}

	snap, err := h.budgets.Snapshot(r.Context(), communityID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "budget storage unavailable")
		return
	}

	remaining := tier.Limit - snap.Committed - snap.Reserved
	if remaining < 0 {
		remaining = 0
	}

	writeJSON(w, http.StatusOK, BudgetStatusResponse{
		CommunityID: communityID,
		PeriodKey:   snap.PeriodKey,
		Tier:        tier.Name,
		Limit:       tier.Limit,
		Committed:   snap.Committed,
		Reserved:    snap.Reserved,
		Remaining:   remaining,
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	healthy := h.budgets.IsHealthy(r.Context())
	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
