// Package branches reads branch settings with an optional Redis cache in
// front of the database.
package branches

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/logx"
)

// FeatureBranchPriceOverrides gates branch-scoped price overrides from
// devices. Branches without the flag allow them.
const FeatureBranchPriceOverrides = "branch_price_overrides"

var ErrBranchNotFound = errors.New("branch not found")

type Source interface {
	LoadSettings(ctx context.Context, branchID uuid.UUID) (models.BranchSettings, error)
}

// Cache is the subset of cachex.Client the reader needs.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Reader struct {
	source Source
	cache  Cache
	ttl    time.Duration
	logger logx.Logger
}

func NewReader(source Source, cache Cache, ttl time.Duration, logger logx.Logger) *Reader {
	return &Reader{source: source, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(branchID uuid.UUID) string {
	return "branch_settings:" + branchID.String()
}

// Get returns ErrBranchNotFound for unknown branches. Cache failures are
// logged and fall through to the source.
func (r *Reader) Get(ctx context.Context, branchID uuid.UUID) (models.BranchSettings, error) {
	if r.cache != nil && r.ttl > 0 {
		var cached models.BranchSettings
		ok, err := r.cache.GetJSON(ctx, cacheKey(branchID), &cached)
		if err != nil {
			r.logger.Warn(ctx, "branch_cache_read_failed", "branch settings cache read failed",
				slog.String("branch_id", branchID.String()),
				slog.String("error", err.Error()),
			)
		} else if ok {
			return cached, nil
		}
	}

	if r.source == nil {
		return models.BranchSettings{}, errors.New("branch settings source not configured")
	}
	settings, err := r.source.LoadSettings(ctx, branchID)
	if errors.Is(err, store.ErrNotFound) {
		return models.BranchSettings{}, ErrBranchNotFound
	}
	if err != nil {
		return models.BranchSettings{}, fmt.Errorf("load branch settings: %w", err)
	}

	if r.cache != nil && r.ttl > 0 {
		if err := r.cache.SetJSON(ctx, cacheKey(branchID), settings, r.ttl); err != nil {
			r.logger.Warn(ctx, "branch_cache_write_failed", "branch settings cache write failed",
				slog.String("branch_id", branchID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return settings, nil
}

func (r *Reader) Invalidate(ctx context.Context, branchID uuid.UUID) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Delete(ctx, cacheKey(branchID))
}
