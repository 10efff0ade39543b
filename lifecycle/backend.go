// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"tollgate/platform/budget"
)

// ModelInvocation is one model call handed to the inference backend.
type ModelInvocation struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// InvocationResult is the backend's report for one completed model call.
type InvocationResult struct {
	Model  string          `json:"model"`
	Output string          `json:"output"`
	Tokens int             `json:"tokens"`
	Cost   budget.MicroUSD `json:"cost_micro_usd"`
}

// StreamChunk is one increment of a streaming model call. Tokens and Cost
// are running totals so a disconnect can be settled from the last chunk
// seen.
type StreamChunk struct {
	Delta  string          `json:"delta,omitempty"`
	Tokens int             `json:"tokens"`
	Cost   budget.MicroUSD `json:"cost_micro_usd"`
	Done   bool            `json:"done"`
}

// Stream is a live token stream from the backend. Recv returns io.EOF
// after the Done chunk; Close releases backend resources without
// cancelling billing that already happened.
type Stream interface {
	Recv() (StreamChunk, error)
	Close() error
}

// InferenceBackend is the opaque third-party provider boundary. The wire
// protocol behind it is not this package's concern; it only needs the
// success flag, token count and realized cost back.
type InferenceBackend interface {
	Invoke(ctx context.Context, inv ModelInvocation) (InvocationResult, error)
	InvokeStream(ctx context.Context, inv ModelInvocation) (Stream, error)
}

// BackendError is a classified failure from the inference backend.
// Status codes in the 4xx range mark the request itself as bad (final,
// safe to abort immediately); everything else is treated as transient.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Status, e.Message)
}

// Retryable reports whether the failure may be transient. Retryable
// failures leave the reservation ACTIVE for TTL expiry, because the
// backend may have partially billed the call despite the error.
func (e *BackendError) Retryable() bool {
	return e.Status < 400 || e.Status >= 500
}

// retryable classifies an arbitrary backend failure. Unknown errors,
// timeouts and cancellations count as retryable: we cannot rule out that
// the provider billed the call.
func retryable(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return true
}
