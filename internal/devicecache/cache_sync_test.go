package devicecache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/cache"
	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

func TestCacheSync_DelayedDoubleDeleteRemovesStaleRefill(t *testing.T) {
	mr, c := setupCache(t)
	store := newFakeStore()
	store.put(models.DeviceSnapshot{DeviceCode: "RAD-001", DeviceID: 1, CompanyID: 1})

	ic := NewInfoCache(c, store, 5*time.Minute, time.Minute, zap.NewNop())
	pool := NewWorkerPool(2, 10)
	defer pool.Close()
	cs := NewCacheSync(c, pool, 100*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	// 数据库已更新，但并发读在第一次删除后回填了旧值
	stale := models.DeviceSnapshot{DeviceCode: "RAD-001", DeviceID: 1, CompanyID: 1}
	store.put(models.DeviceSnapshot{DeviceCode: "RAD-001", DeviceID: 1, CompanyID: 2})
	cs.EvictDeviceWithDelay(ctx, "RAD-001")
	require.NoError(t, ic.Put(ctx, &stale))
	assert.True(t, mr.Exists(cache.DeviceInfoKey("RAD-001")))

	require.Eventually(t, func() bool {
		return !mr.Exists(cache.DeviceInfoKey("RAD-001"))
	}, 2*time.Second, 10*time.Millisecond)

	got, err := ic.Get(ctx, "RAD-001")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.CompanyID)
}

func TestCacheSync_CloseRunsPendingDeleteImmediately(t *testing.T) {
	mr, c := setupCache(t)
	pool := NewWorkerPool(1, 10)
	cs := NewCacheSync(c, pool, time.Hour, zap.NewNop())
	ctx := context.Background()

	cs.EvictDeviceWithDelay(ctx, "A")
	mr.Set(cache.DeviceInfoKey("A"), "{}")

	cs.Close()
	pool.Close()
	assert.False(t, mr.Exists(cache.DeviceInfoKey("A")))
}

func TestCacheSync_EvictDeviceImmediate(t *testing.T) {
	mr, c := setupCache(t)
	pool := NewWorkerPool(1, 1)
	defer pool.Close()
	cs := NewCacheSync(c, pool, time.Second, zap.NewNop())

	mr.Set(cache.DeviceInfoKey("A"), "{}")
	mr.HSet(cache.DeviceStatusKey("A"), "deviceId", "1")

	cs.EvictDeviceImmediate(context.Background(), "A")
	assert.False(t, mr.Exists(cache.DeviceInfoKey("A")))
	assert.False(t, mr.Exists(cache.DeviceStatusKey("A")))
}

func TestWorkerPool_CallerRunsWhenSaturated(t *testing.T) {
	pool := NewWorkerPool(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})

	// 占住唯一的 worker
	require.True(t, pool.Submit(func() {
		close(started)
		<-block
	}))
	<-started

	// 填满队列
	require.True(t, pool.Submit(func() {}))

	var ran atomic.Bool
	async := pool.Submit(func() { ran.Store(true) })
	assert.False(t, async)
	assert.True(t, ran.Load())

	close(block)
	pool.Close()
}

func TestWorkerPool_SubmitAfterClose(t *testing.T) {
	pool := NewWorkerPool(2, 4)
	pool.Close()
	pool.Close()

	var ran atomic.Bool
	assert.False(t, pool.Submit(func() { ran.Store(true) }))
	assert.True(t, ran.Load())
}
