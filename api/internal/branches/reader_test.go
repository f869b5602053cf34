package branches

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store/memstore"
	"pos-sync-platform/shared/logx"
)

type mapCache struct {
	data    map[string][]byte
	readErr error
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]byte{}} }

func (c *mapCache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if c.readErr != nil {
		return false, c.readErr
	}
	b, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (c *mapCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.data[key] = b
	return nil
}

func (c *mapCache) Delete(ctx context.Context, key string) error {
	delete(c.data, key)
	return nil
}

func TestReaderCachesSettings(t *testing.T) {
	mem := memstore.New()
	branchID := uuid.New()
	mem.PutBranch(models.BranchSettings{BranchID: branchID, Code: "B1", Name: "Main", Active: true, Features: map[string]bool{FeatureBranchPriceOverrides: false}})

	cache := newMapCache()
	r := NewReader(mem, cache, time.Minute, logx.Discard())

	got, err := r.Get(context.Background(), branchID)
	require.NoError(t, err)
	assert.Equal(t, "Main", got.Name)
	assert.False(t, got.FeatureEnabled(FeatureBranchPriceOverrides, true))
	assert.Contains(t, cache.data, cacheKey(branchID))

	// A change in the source is hidden until the entry is invalidated.
	mem.PutBranch(models.BranchSettings{BranchID: branchID, Code: "B1", Name: "Renamed", Active: true})
	got, err = r.Get(context.Background(), branchID)
	require.NoError(t, err)
	assert.Equal(t, "Main", got.Name)

	require.NoError(t, r.Invalidate(context.Background(), branchID))
	got, err = r.Get(context.Background(), branchID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
}

func TestReaderFallsBackOnCacheError(t *testing.T) {
	mem := memstore.New()
	branchID := uuid.New()
	mem.PutBranch(models.BranchSettings{BranchID: branchID, Name: "Main", Active: true})

	cache := newMapCache()
	cache.readErr = errors.New("redis down")
	r := NewReader(mem, cache, time.Minute, logx.Discard())

	got, err := r.Get(context.Background(), branchID)
	require.NoError(t, err)
	assert.Equal(t, "Main", got.Name)
}

func TestReaderUnknownBranch(t *testing.T) {
	r := NewReader(memstore.New(), nil, 0, logx.Discard())
	_, err := r.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrBranchNotFound)
}
