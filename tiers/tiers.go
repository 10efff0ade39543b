// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package tiers resolves a community's access tier: its monthly spending
// limit and ensemble caps. The catalog is a YAML file; community
// assignments live alongside it with a default tier for everyone else.
package tiers

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tollgate/platform/budget"
)

// ErrUnknownTier is returned when a community is assigned a tier missing
// from the catalog.
var ErrUnknownTier = errors.New("unknown tier")

// Tier is the resolved access tier for a community.
type Tier struct {
	Name            string          `json:"name"`
	Limit           budget.MicroUSD `json:"limit_micro_usd"`
	MaxN            int             `json:"max_ensemble_n"`
	MaxQuorum       int             `json:"max_quorum"`
	EnsembleEnabled bool            `json:"ensemble_enabled"`
}

// Resolver supplies the budget limit and ensemble caps for a community.
type Resolver interface {
	ResolveTier(ctx context.Context, communityID string) (Tier, error)
}

// catalogFile is the root of the YAML tier catalog.
type catalogFile struct {
	Tiers       map[string]tierFileEntry `yaml:"tiers"`
	DefaultTier string                   `yaml:"default_tier"`
	Communities map[string]string        `yaml:"communities,omitempty"`
}

type tierFileEntry struct {
	MonthlyLimitUSD float64 `yaml:"monthly_limit_usd"`
	MaxEnsembleN    int     `yaml:"max_ensemble_n,omitempty"`
	MaxQuorum       int     `yaml:"max_quorum,omitempty"`
	EnsembleEnabled bool    `yaml:"ensemble_enabled"`
}

// StaticResolver resolves tiers from a loaded catalog. Lookups are
// read-only after construction, so no locking is needed.
type StaticResolver struct {
	tiers       map[string]Tier
	defaultTier string
	communities map[string]string
}

var _ Resolver = (*StaticResolver)(nil)

// LoadCatalog reads and parses a YAML tier catalog file.
func LoadCatalog(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a YAML tier catalog.
func ParseCatalog(data []byte) (*StaticResolver, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tier catalog: %w", err)
	}
	if len(file.Tiers) == 0 {
		return nil, errors.New("tier catalog defines no tiers")
	}
	if file.DefaultTier == "" {
		return nil, errors.New("tier catalog missing default_tier")
	}
	if _, ok := file.Tiers[file.DefaultTier]; !ok {
		return nil, fmt.Errorf("%w: default tier %q", ErrUnknownTier, file.DefaultTier)
	}

	r := &StaticResolver{
		tiers:       make(map[string]Tier, len(file.Tiers)),
		defaultTier: file.DefaultTier,
		communities: file.Communities,
	}
	for name, entry := range file.Tiers {
		if entry.MonthlyLimitUSD <= 0 {
			return nil, fmt.Errorf("tier %q: monthly_limit_usd must be positive", name)
		}
		// Quorums below 2 are meaningless; 0 means uncapped.
		if entry.EnsembleEnabled && entry.MaxQuorum != 0 && entry.MaxQuorum < 2 {
			return nil, fmt.Errorf("tier %q: max_quorum must be at least 2", name)
		}
		r.tiers[name] = Tier{
			Name:            name,
			Limit:           budget.FromUSD(entry.MonthlyLimitUSD),
			MaxN:            entry.MaxEnsembleN,
			MaxQuorum:       entry.MaxQuorum,
			EnsembleEnabled: entry.EnsembleEnabled,
		}
	}

	for communityID, tierName := range file.Communities {
		if _, ok := r.tiers[tierName]; !ok {
			return nil, fmt.Errorf("%w: community %q assigned tier %q", ErrUnknownTier, communityID, tierName)
		}
	}
	return r, nil
}

// ResolveTier implements Resolver.
func (r *StaticResolver) ResolveTier(_ context.Context, communityID string) (Tier, error) {
	name := r.defaultTier
	if assigned, ok := r.communities[communityID]; ok {
		name = assigned
	}
	tier, ok := r.tiers[name]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	return tier, nil
}

// Tier returns a tier definition by name.
func (r *StaticResolver) Tier(name string) (Tier, bool) {
	t, ok := r.tiers[name]
	return t, ok
}
