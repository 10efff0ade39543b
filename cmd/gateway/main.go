// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the Tollgate gateway service.
//
// The gateway brokers access to third-party inference providers for many
// client communities, each under a dollar-denominated monthly budget:
// - Reserves worst-case cost before every request, atomically
// - Finalizes realized cost into an append-only ledger
// - Decomposes ensemble (multi-model) cost per strategy
// - Reaps leaked reservations and reconciles counter drift
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	DATABASE_URL - PostgreSQL connection string
//	REDIS_URL - Redis connection string
//	BACKEND_URL - inference backend base URL
//	TIER_CATALOG - path to YAML tier catalog (default: tiers.yaml)
package main

import (
	"log"

	"tollgate/platform/gateway"
)

func main() {
	if err := gateway.Run(); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}
