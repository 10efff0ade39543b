// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "community-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func authTestHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddlewareValidToken(t *testing.T) {
	secret := []byte("test-secret")
	handler := authMiddleware(secret)(authTestHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/inference", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, secret))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddlewareMissingToken(t *testing.T) {
	handler := authMiddleware([]byte("test-secret"))(authTestHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/inference", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareWrongSecret(t *testing.T) {
	handler := authMiddleware([]byte("test-secret"))(authTestHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/inference", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, []byte("other-secret")))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	handler := authMiddleware(secret)(authTestHandler())

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "community-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/inference", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthLeavesHealthAndMetricsOpen(t *testing.T) {
	secret := []byte("test-secret")
	router, _ := newAuthedRouter(t, &fakeBackend{}, secret)

	// Liveness probes and metric scrapes carry no token.
	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/communities/community-1/budget", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "API routes still require a token")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/communities/community-1/budget", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, secret))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddlewareDisabledWithoutSecret(t *testing.T) {
	handler := authMiddleware(nil)(authTestHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/inference", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
