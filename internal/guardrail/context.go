package guardrail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/store"
)

// LoadTenantContext reads a tenant's settings, today's action counts and
// permanent blocks. A tenant without stored settings gets the defaults.
// Counting starts at midnight in the tenant's working-hours timezone.
func LoadTenantContext(ctx context.Context, s store.Stores, tenantID uuid.UUID, now time.Time) (*domain.TenantContext, error) {
	settings, err := s.Settings.Get(ctx, tenantID)
	if errors.Is(err, store.ErrSettingsNotFound) {
		settings = domain.DefaultAutonomySettings(tenantID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load autonomy settings: %w", err)
	}

	since := domain.StartOfDay(now, settings.Hours.Location())
	counts, err := s.Activity.CountActions(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count daily actions: %w", err)
	}

	blocks, err := s.Blocks.List(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load permanent blocks: %w", err)
	}

	return &domain.TenantContext{
		Settings: settings,
		Counts:   counts,
		Blocks:   blocks,
		LoadedAt: now,
	}, nil
}

// TenantCache memoises tenant contexts for the duration of one poller tick
// so that every task of a tenant sees the same, incrementally updated counts.
type TenantCache struct {
	stores store.Stores
	now    time.Time
	byID   map[uuid.UUID]*domain.TenantContext
}

// NewTenantCache returns an empty cache bound to now.
func NewTenantCache(s store.Stores, now time.Time) *TenantCache {
	return &TenantCache{stores: s, now: now, byID: map[uuid.UUID]*domain.TenantContext{}}
}

// Get returns the tenant context, loading it on first use.
func (c *TenantCache) Get(ctx context.Context, tenantID uuid.UUID) (*domain.TenantContext, error) {
	if tc, ok := c.byID[tenantID]; ok {
		return tc, nil
	}
	tc, err := LoadTenantContext(ctx, c.stores, tenantID, c.now)
	if err != nil {
		return nil, err
	}
	c.byID[tenantID] = tc
	return tc, nil
}
