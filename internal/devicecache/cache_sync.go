package devicecache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/cache"
)

// CacheSync 设备元数据变更后的缓存失效（延迟双删）
//
// 调用方在数据库提交之后调用 EvictDeviceWithDelay：
// 立即删除一次，延迟 delay 后再删除一次，清理并发读在提交前回填的旧值。
type CacheSync struct {
	cache  *cache.Client
	pool   *WorkerPool
	delay  time.Duration
	logger *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewCacheSync 创建缓存同步器
func NewCacheSync(c *cache.Client, pool *WorkerPool, delay time.Duration, logger *zap.Logger) *CacheSync {
	return &CacheSync{
		cache:  c,
		pool:   pool,
		delay:  delay,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// EvictDeviceWithDelay 延迟双删设备信息缓存
// 第一次删除同步执行；第二次在任务池中执行，任务池饱和时在调用方执行
func (s *CacheSync) EvictDeviceWithDelay(ctx context.Context, deviceCode string) {
	key := cache.DeviceInfoKey(deviceCode)
	s.del(ctx, deviceCode, key, "first")

	s.pool.Submit(func() {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stop:
		}
		// 调用方上下文可能已结束，第二次删除使用独立上下文
		s.del(context.Background(), deviceCode, key, "second")
	})
}

// EvictDeviceImmediate 立即删除设备信息与状态缓存
func (s *CacheSync) EvictDeviceImmediate(ctx context.Context, deviceCode string) {
	s.del(ctx, deviceCode, cache.DeviceInfoKey(deviceCode), "immediate")
	s.del(ctx, deviceCode, cache.DeviceStatusKey(deviceCode), "immediate")
}

// Close 让等待中的延迟删除立即执行
func (s *CacheSync) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *CacheSync) del(ctx context.Context, deviceCode, key, phase string) {
	if _, err := s.cache.Del(ctx, key); err != nil {
		// 删除失败时依赖 TTL 自然过期
		s.logger.Warn("Failed to evict device cache",
			zap.String("device_code", deviceCode),
			zap.String("key", key),
			zap.String("phase", phase),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("Device cache evicted",
		zap.String("device_code", deviceCode),
		zap.String("key", key),
		zap.String("phase", phase),
	)
}
