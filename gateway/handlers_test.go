// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/platform/budget"
	"tollgate/platform/lifecycle"
	"tollgate/platform/tiers"
)

const handlerCatalog = `
tiers:
  free:
    monthly_limit_usd: 5.00
    ensemble_enabled: false
  pro:
    monthly_limit_usd: 50.00
    max_ensemble_n: 5
    max_quorum: 5
    ensemble_enabled: true
default_tier: free
communities:
  community-pro: pro
`

// fakeBackend returns a fixed successful invocation for every model.
type fakeBackend struct {
	cost   budget.MicroUSD
	output string
	err    error
}

func (f *fakeBackend) Invoke(_ context.Context, inv lifecycle.ModelInvocation) (lifecycle.InvocationResult, error) {
	if f.err != nil {
		return lifecycle.InvocationResult{}, f.err
	}
	return lifecycle.InvocationResult{
		Model:  inv.Model,
		Output: f.output,
		Tokens: 100,
		Cost:   f.cost,
	}, nil
}

func (f *fakeBackend) InvokeStream(context.Context, lifecycle.ModelInvocation) (lifecycle.Stream, error) {
	return nil, f.err
}

type nullLedger struct{}

func (nullLedger) Append(context.Context, budget.LedgerEntry) error { return nil }
func (nullLedger) PeriodSums(context.Context, budget.PeriodKey) (map[string]budget.MicroUSD, error) {
	return nil, nil
}
func (nullLedger) CommunitySum(context.Context, string, budget.PeriodKey) (budget.MicroUSD, error) {
	return 0, nil
}
func (nullLedger) Ping(context.Context) error { return nil }

func newTestRouter(t *testing.T, backend lifecycle.InferenceBackend) (*mux.Router, *budget.Manager) {
	return newAuthedRouter(t, backend, nil)
}

func newAuthedRouter(t *testing.T, backend lifecycle.InferenceBackend, secret []byte) (*mux.Router, *budget.Manager) {
	t.Helper()
	resolver, err := tiers.ParseCatalog([]byte(handlerCatalog))
	require.NoError(t, err)

	manager := budget.NewManager(budget.NewMemoryStore(), nullLedger{},
		budget.WithLogger(log.New(io.Discard, "", 0)),
	)
	estimate := func(lifecycle.ModelInvocation) budget.MicroUSD { return 1_000_000 }
	streams := budget.NewStreamReconciler(manager, log.New(io.Discard, "", 0))
	coordinator := lifecycle.NewCoordinator(manager, resolver, backend, estimate, streams)

	r := buildRouter(NewHandler(coordinator, manager, resolver, estimate), secret)
	return r, manager
}

func postJSON(t *testing.T, router *mux.Router, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestInferenceSuccess(t *testing.T) {
	router, _ := newTestRouter(t, &fakeBackend{cost: 700_000, output: "hello"})

	w := postJSON(t, router, "/api/v1/inference", InferenceRequest{
		CommunityID: "community-1",
		Model:       "model-a",
		Prompt:      "hi",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var result lifecycle.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, lifecycle.StateFinalized, result.State)
	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, budget.MicroUSD(700_000), result.Cost)
}

func TestInferenceValidation(t *testing.T) {
	router, _ := newTestRouter(t, &fakeBackend{cost: 1, output: "x"})

	w := postJSON(t, router, "/api/v1/inference", InferenceRequest{
		CommunityID: "community-1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/inference", bytes.NewReader([]byte("{not json")))
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusBadRequest, w2.Code)
}

func TestInferenceBudgetExceeded(t *testing.T) {
	router, _ := newTestRouter(t, &fakeBackend{cost: 700_000, output: "hello"})

	// Free tier allows 5.00; each request reserves 1.00 and commits 0.70,
	// so the seventh reserve (4.20 committed + 1.00) no longer fits.
	var last *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		last = postJSON(t, router, "/api/v1/inference", InferenceRequest{
			CommunityID: "community-1",
			Model:       "model-a",
			Prompt:      "hi",
		})
		if last.Code != http.StatusOK {
			break
		}
	}
	require.Equal(t, http.StatusPaymentRequired, last.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &resp))
	assert.Equal(t, "BUDGET_EXCEEDED", resp.Error)
}

func TestInferenceEnsembleForbiddenOnFreeTier(t *testing.T) {
	router, _ := newTestRouter(t, &fakeBackend{cost: 700_000, output: "hello"})

	w := postJSON(t, router, "/api/v1/inference", InferenceRequest{
		CommunityID: "community-free",
		Prompt:      "hi",
		Ensemble: &lifecycle.EnsembleOptions{
			Strategy: "best_of_n",
			Models:   []string{"model-a", "model-b"},
		},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ENSEMBLE_NOT_AVAILABLE", resp.Error)
}

func TestInferenceEnsembleAllowedOnProTier(t *testing.T) {
	router, _ := newTestRouter(t, &fakeBackend{cost: 600_000, output: "answer"})

	w := postJSON(t, router, "/api/v1/inference", InferenceRequest{
		CommunityID: "community-pro",
		Prompt:      "hi",
		Ensemble: &lifecycle.EnsembleOptions{
			Strategy: "best_of_n",
			Models:   []string{"model-a", "model-b", "model-c"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var result lifecycle.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Len(t, result.ModelResults, 3)
	assert.Equal(t, budget.MicroUSD(1_800_000), result.Cost)
}

func TestInferenceUnknownStrategy(t *testing.T) {
	router, _ := newTestRouter(t, &fakeBackend{})

	w := postJSON(t, router, "/api/v1/inference", InferenceRequest{
		CommunityID: "community-pro",
		Prompt:      "hi",
		Ensemble:    &lifecycle.EnsembleOptions{Strategy: "vote", N: 3},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInferenceBackendFailure(t *testing.T) {
	router, _ := newTestRouter(t, &fakeBackend{
		err: &lifecycle.BackendError{Status: 400, Message: "bad prompt"},
	})

	w := postJSON(t, router, "/api/v1/inference", InferenceRequest{
		CommunityID: "community-1",
		Model:       "model-a",
		Prompt:      "hi",
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "BACKEND_FAILED", resp.Error)
}

func TestEnsemblePreviewDoesNotReserve(t *testing.T) {
	router, manager := newTestRouter(t, &fakeBackend{})

	w := postJSON(t, router, "/api/v1/ensemble/preview", PreviewRequest{
		CommunityID: "community-pro",
		Strategy:    "consensus",
		N:           10,
		Prompt:      "hi",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp PreviewResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Plan.N, "clamped to tier max")
	assert.Equal(t, 3, resp.Plan.Quorum, "majority of clamped n")
	assert.Equal(t, budget.MicroUSD(1_000_000), resp.PerModelEstimate)
	assert.Equal(t, budget.MicroUSD(5_000_000), resp.WouldReserve)

	snap, err := manager.Snapshot(context.Background(), "community-pro")
	require.NoError(t, err)
	assert.Equal(t, budget.MicroUSD(0), snap.Reserved, "preview touched no budget state")
}

func TestEnsemblePreviewFreeTier(t *testing.T) {
	router, _ := newTestRouter(t, &fakeBackend{})

	w := postJSON(t, router, "/api/v1/ensemble/preview", PreviewRequest{
		CommunityID: "community-free",
		Strategy:    "best_of_n",
		N:           3,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestBudgetStatus(t *testing.T) {
	router, manager := newTestRouter(t, &fakeBackend{})

	_, err := manager.Reserve(context.Background(), budget.ReserveRequest{
		CommunityID:   "community-pro",
		EstimatedCost: 2_000_000,
		Limit:         50_000_000,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/communities/community-pro/budget", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp BudgetStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "community-pro", resp.CommunityID)
	assert.Equal(t, "pro", resp.Tier)
	assert.Equal(t, budget.MicroUSD(50_000_000), resp.Limit)
	assert.Equal(t, budget.MicroUSD(2_000_000), resp.Reserved)
	assert.Equal(t, budget.MicroUSD(48_000_000), resp.Remaining)
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, &fakeBackend{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}
