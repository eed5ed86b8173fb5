package devicecache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/cache"
	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

func TestInfoCache_MissLoadsAndWritesBack(t *testing.T) {
	mr, c := setupCache(t)
	store := newFakeStore()
	store.put(models.DeviceSnapshot{DeviceCode: "RAD-001", DeviceID: 11, CompanyID: 3, DeviceType: models.DeviceTypeRadiation})

	ic := NewInfoCache(c, store, 5*time.Minute, time.Minute, zap.NewNop())
	ctx := context.Background()

	got, err := ic.Get(ctx, "RAD-001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(11), got.DeviceID)
	assert.True(t, mr.Exists(cache.DeviceInfoKey("RAD-001")))

	ttl := mr.TTL(cache.DeviceInfoKey("RAD-001"))
	assert.GreaterOrEqual(t, ttl, 4*time.Minute)
	assert.LessOrEqual(t, ttl, 6*time.Minute)

	// 第二次命中缓存，不再回源
	_, err = ic.Get(ctx, "RAD-001")
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls())
	assert.Equal(t, int64(1), ic.StoreLoads())
}

func TestInfoCache_UnknownDevice(t *testing.T) {
	mr, c := setupCache(t)
	ic := NewInfoCache(c, newFakeStore(), 5*time.Minute, time.Minute, zap.NewNop())

	got, err := ic.Get(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists(cache.DeviceInfoKey("NOPE")))
}

func TestInfoCache_CacheDownFallsBackToStore(t *testing.T) {
	mr, c := setupCache(t)
	store := newFakeStore()
	store.put(models.DeviceSnapshot{DeviceCode: "ENV-1", DeviceID: 7})
	ic := NewInfoCache(c, store, 5*time.Minute, time.Minute, zap.NewNop())

	mr.Close()

	got, err := ic.Get(context.Background(), "ENV-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.DeviceID)
	assert.Equal(t, int64(1), ic.Fallbacks())
}

func TestInfoCache_TTLJitterRange(t *testing.T) {
	_, c := setupCache(t)
	ic := NewInfoCache(c, newFakeStore(), 5*time.Minute, time.Minute, zap.NewNop())

	for i := 0; i < 200; i++ {
		ttl := ic.randomTTL()
		assert.GreaterOrEqual(t, ttl, 4*time.Minute)
		assert.LessOrEqual(t, ttl, 6*time.Minute)
	}

	fixed := NewInfoCache(c, newFakeStore(), 5*time.Minute, 0, zap.NewNop())
	assert.Equal(t, 5*time.Minute, fixed.randomTTL())
}

func TestInfoCache_WarmUp(t *testing.T) {
	mr, c := setupCache(t)
	store := newFakeStore()
	store.put(models.DeviceSnapshot{DeviceCode: "A", DeviceID: 1})
	store.put(models.DeviceSnapshot{DeviceCode: "B", DeviceID: 2})
	ic := NewInfoCache(c, store, 5*time.Minute, time.Minute, zap.NewNop())

	loaded, failed, err := ic.WarmUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)
	assert.Equal(t, 0, failed)
	assert.True(t, mr.Exists(cache.DeviceInfoKey("A")))
	assert.True(t, mr.Exists(cache.DeviceInfoKey("B")))

	store.failList = true
	_, _, err = ic.WarmUp(context.Background())
	assert.Error(t, err)
}

func TestInfoCache_Evict(t *testing.T) {
	mr, c := setupCache(t)
	store := newFakeStore()
	store.put(models.DeviceSnapshot{DeviceCode: "A", DeviceID: 1})
	ic := NewInfoCache(c, store, 5*time.Minute, time.Minute, zap.NewNop())
	ctx := context.Background()

	_, err := ic.Get(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, ic.Evict(ctx, "A"))
	assert.False(t, mr.Exists(cache.DeviceInfoKey("A")))
}
