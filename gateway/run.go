// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package gateway wires the accounting core into a running service: HTTP
// surface, storage clients, background sweeps and metrics.
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"tollgate/platform/budget"
	"tollgate/platform/lifecycle"
	"tollgate/platform/shared/logger"
	"tollgate/platform/tiers"
)

// Run starts the gateway service and blocks until SIGINT/SIGTERM.
//
// Environment variables:
//
//	PORT                  HTTP port (default 8080)
//	DATABASE_URL          PostgreSQL connection string (required)
//	REDIS_URL             Redis connection string (required)
//	TIER_CATALOG          path to the YAML tier catalog (default tiers.yaml)
//	BACKEND_URL           inference backend base URL (required)
//	JWT_SECRET            HS256 secret for API auth (empty disables auth)
//	REAPER_INTERVAL_SECONDS   sweep interval (default 60)
//	RECONCILE_INTERVAL_MINUTES drift reconcile interval (default 15)
//	DRIFT_THRESHOLD_MICRO_USD  silent-correction bound (default 1000000)
//	ESTIMATE_MICRO_USD_PER_1K  per-model estimate per 1k tokens (default 15000)
func Run() error {
	log := logger.New("gateway")

	port := envOr("PORT", "8080")
	databaseURL := os.Getenv("DATABASE_URL")
	redisURL := os.Getenv("REDIS_URL")
	backendURL := os.Getenv("BACKEND_URL")
	if databaseURL == "" || redisURL == "" || backendURL == "" {
		return fmt.Errorf("DATABASE_URL, REDIS_URL and BACKEND_URL are required")
	}

	resolver, err := tiers.LoadCatalog(envOr("TIER_CATALOG", "tiers.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load tier catalog: %w", err)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	metrics := budget.NewMetrics(prometheus.DefaultRegisterer)
	store := budget.NewRedisStore(redisClient)
	ledger := budget.NewPostgresLedger(db)
	manager := budget.NewManager(store, ledger, budget.WithMetrics(metrics))
	streams := budget.NewStreamReconciler(manager, nil)

	backend := NewHTTPBackend(backendURL, nil)
	estimate := flatEstimator(envInt("ESTIMATE_MICRO_USD_PER_1K", 15_000))
	coordinator := lifecycle.NewCoordinator(manager, resolver, backend, estimate, streams)

	// Background sweeps. The reaper interval is a leak-size tunable, not
	// a correctness knob; TTL alone bounds staleness.
	reaper := budget.NewReaper(manager)
	reconciler := budget.NewDriftReconciler(manager,
		budget.WithDriftThreshold(budget.MicroUSD(envInt("DRIFT_THRESHOLD_MICRO_USD", int(budget.DefaultDriftThreshold)))))

	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()

	scheduler := cron.New()
	reapEvery := envInt("REAPER_INTERVAL_SECONDS", 60)
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %ds", reapEvery), func() {
		if _, err := reaper.Sweep(sweepCtx); err != nil {
			log.Warn("", "", "reaper sweep failed", map[string]interface{}{"error": err.Error()})
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	reconcileEvery := envInt("RECONCILE_INTERVAL_MINUTES", 15)
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %dm", reconcileEvery), func() {
		if _, err := reconciler.Reconcile(sweepCtx); err != nil {
			log.Warn("", "", "drift reconcile failed", map[string]interface{}{"error": err.Error()})
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule reconciler: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler := NewHandler(coordinator, manager, resolver, estimate)
	router := buildRouter(handler, []byte(os.Getenv("JWT_SECRET")))

	api := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(router)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      api,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "gateway listening", map[string]interface{}{"port": port})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("", "", "shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}

// buildRouter assembles the HTTP surface. Auth is mounted on the API
// subrouter only; /health and /metrics answer without a token so
// liveness probes and metric scrapes work with auth enabled.
func buildRouter(handler *Handler, secret []byte) *mux.Router {
	router := mux.NewRouter()
	api := handler.RegisterRoutes(router)
	api.Use(authMiddleware(secret))
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return router
}

// flatEstimator sizes reservations from a flat per-1k-token price. The
// estimation heuristic is deliberately simple; reservation TTL and the
// drift reconciler bound the aggregate risk of misestimation.
func flatEstimator(microUSDPer1K int) lifecycle.CostEstimator {
	return func(inv lifecycle.ModelInvocation) budget.MicroUSD {
		tokens := inv.MaxTokens
		if tokens <= 0 {
			tokens = 1000
		}
		return budget.MicroUSD(int64(tokens) * int64(microUSDPer1K) / 1000)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
