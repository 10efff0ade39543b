// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tollgate/platform/budget"
	"tollgate/platform/lifecycle"
)

// DefaultBackendTimeout bounds one backend call. Backend calls normally
// run 5-30 seconds; the reservation TTL, not this timeout, is the
// correctness mechanism for hung calls.
const DefaultBackendTimeout = 120 * time.Second

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPBackend adapts an inference provider reachable over HTTP JSON into
// the lifecycle's backend interface. The provider's own protocol is
// bridged by a sidecar; this client only carries model, prompt and the
// realized usage back.
type HTTPBackend struct {
	baseURL string
	client  HTTPClient
}

var _ lifecycle.InferenceBackend = (*HTTPBackend)(nil)

// NewHTTPBackend creates a backend client against the given base URL.
func NewHTTPBackend(baseURL string, client HTTPClient) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: DefaultBackendTimeout}
	}
	return &HTTPBackend{baseURL: baseURL, client: client}
}

type backendRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

type backendResponse struct {
	Output string `json:"output"`
	Tokens int    `json:"tokens"`
	Cost   int64  `json:"cost_micro_usd"`
}

// Invoke implements lifecycle.InferenceBackend.
func (b *HTTPBackend) Invoke(ctx context.Context, inv lifecycle.ModelInvocation) (lifecycle.InvocationResult, error) {
	resp, err := b.post(ctx, inv, false)
	if err != nil {
		return lifecycle.InvocationResult{}, err
	}
	defer resp.Body.Close()

	var br backendResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return lifecycle.InvocationResult{}, fmt.Errorf("failed to decode backend response: %w", err)
	}
	return lifecycle.InvocationResult{
		Model:  inv.Model,
		Output: br.Output,
		Tokens: br.Tokens,
		Cost:   budget.MicroUSD(br.Cost),
	}, nil
}

// InvokeStream implements lifecycle.InferenceBackend. Chunks arrive as
// newline-delimited JSON with running token and cost totals.
func (b *HTTPBackend) InvokeStream(ctx context.Context, inv lifecycle.ModelInvocation) (lifecycle.Stream, error) {
	resp, err := b.post(ctx, inv, true)
	if err != nil {
		return nil, err
	}
	return &httpStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

func (b *HTTPBackend) post(ctx context.Context, inv lifecycle.ModelInvocation, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(backendRequest{
		Model:     inv.Model,
		Prompt:    inv.Prompt,
		MaxTokens: inv.MaxTokens,
		Stream:    stream,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backend request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/infer", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &lifecycle.BackendError{Status: http.StatusBadGateway, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &lifecycle.BackendError{Status: resp.StatusCode, Message: string(body)}
	}
	return resp, nil
}

type httpStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

type streamChunkWire struct {
	Delta  string `json:"delta,omitempty"`
	Tokens int    `json:"tokens"`
	Cost   int64  `json:"cost_micro_usd"`
	Done   bool   `json:"done"`
}

func (s *httpStream) Recv() (lifecycle.StreamChunk, error) {
	if s.done {
		return lifecycle.StreamChunk{}, io.EOF
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return lifecycle.StreamChunk{}, err
		}
		return lifecycle.StreamChunk{}, io.EOF
	}

	var wire streamChunkWire
	if err := json.Unmarshal(s.scanner.Bytes(), &wire); err != nil {
		return lifecycle.StreamChunk{}, fmt.Errorf("failed to decode stream chunk: %w", err)
	}
	if wire.Done {
		s.done = true
	}
	return lifecycle.StreamChunk{
		Delta:  wire.Delta,
		Tokens: wire.Tokens,
		Cost:   budget.MicroUSD(wire.Cost),
		Done:   wire.Done,
	}, nil
}

func (s *httpStream) Close() error {
	return s.body.Close()
}
