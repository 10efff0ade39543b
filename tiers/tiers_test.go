// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package tiers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/platform/budget"
)

const testCatalog = `
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

func TestParseCatalog(t *testing.T) {
	resolver, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	free, ok := resolver.Tier("free")
	require.True(t, ok)
	assert.Equal(t, budget.MicroUSD(5_000_000), free.Limit)
	assert.False(t, free.EnsembleEnabled)

	pro, ok := resolver.Tier("pro")
	require.True(t, ok)
	assert.Equal(t, budget.MicroUSD(50_000_000), pro.Limit)
	assert.Equal(t, 5, pro.MaxN)
	assert.True(t, pro.EnsembleEnabled)
}

func TestResolveTier(t *testing.T) {
	resolver, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	ctx := context.Background()

	tier, err := resolver.ResolveTier(ctx, "community-pro")
	require.NoError(t, err)
	assert.Equal(t, "pro", tier.Name)

	// Unassigned communities fall back to the default.
	tier, err = resolver.ResolveTier(ctx, "community-unknown")
	require.NoError(t, err)
	assert.Equal(t, "free", tier.Name)
}

func TestParseCatalogRejectsEmpty(t *testing.T) {
	_, err := ParseCatalog([]byte("tiers: {}\ndefault_tier: free\n"))
	assert.Error(t, err)
}

func TestParseCatalogRejectsMissingDefault(t *testing.T) {
	_, err := ParseCatalog([]byte(`
tiers:
  free:
    monthly_limit_usd: 5.00
`))
	assert.Error(t, err)
}

func TestParseCatalogRejectsUnknownDefault(t *testing.T) {
	_, err := ParseCatalog([]byte(`
tiers:
  free:
    monthly_limit_usd: 5.00
default_tier: enterprise
`))
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestParseCatalogRejectsBadAssignment(t *testing.T) {
	_, err := ParseCatalog([]byte(`
tiers:
  free:
    monthly_limit_usd: 5.00
default_tier: free
communities:
  community-1: enterprise
`))
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestParseCatalogRejectsNonPositiveLimit(t *testing.T) {
	_, err := ParseCatalog([]byte(`
tiers:
  free:
    monthly_limit_usd: 0
default_tier: free
`))
	assert.Error(t, err)
}

func TestParseCatalogRejectsQuorumCapBelowTwo(t *testing.T) {
	_, err := ParseCatalog([]byte(`
tiers:
  pro:
    monthly_limit_usd: 50.00
    max_ensemble_n: 5
    max_quorum: 1
    ensemble_enabled: true
default_tier: pro
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_quorum")
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	resolver, err := LoadCatalog(path)
	require.NoError(t, err)
	tier, err := resolver.ResolveTier(context.Background(), "community-pro")
	require.NoError(t, err)
	assert.Equal(t, "pro", tier.Name)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
