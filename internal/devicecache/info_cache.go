package devicecache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/cache"
	"github.com/zxyfanta/emsv1-sub000/internal/models"
	"github.com/zxyfanta/emsv1-sub000/internal/repository"
)

// InfoCache 设备信息缓存（cache-aside）
// 未命中时回源数据库并以随机 TTL 回写，避免大量键同时过期
type InfoCache struct {
	cache  *cache.Client
	store  DeviceStore
	ttl    time.Duration
	jitter time.Duration
	logger *zap.Logger

	storeLoads atomic.Int64
	fallbacks  atomic.Int64
}

// NewInfoCache 创建设备信息缓存
func NewInfoCache(c *cache.Client, store DeviceStore, ttl, jitter time.Duration, logger *zap.Logger) *InfoCache {
	return &InfoCache{
		cache:  c,
		store:  store,
		ttl:    ttl,
		jitter: jitter,
		logger: logger,
	}
}

// Get 获取设备信息，设备不存在时返回 nil, nil
func (c *InfoCache) Get(ctx context.Context, deviceCode string) (*models.DeviceSnapshot, error) {
	var snapshot models.DeviceSnapshot
	err := c.cache.GetJSON(ctx, cache.DeviceInfoKey(deviceCode), &snapshot)
	if err == nil {
		return &snapshot, nil
	}

	if !errors.Is(err, cache.ErrCacheMiss) {
		// 缓存故障：直接查库，不回写
		c.fallbacks.Add(1)
		c.logger.Warn("Device info cache unavailable, falling back to database",
			zap.String("device_code", deviceCode),
			zap.Error(err),
		)
		return c.load(ctx, deviceCode)
	}

	device, err := c.load(ctx, deviceCode)
	if err != nil || device == nil {
		return device, err
	}

	if err := c.Put(ctx, device); err != nil {
		c.logger.Warn("Failed to write back device info",
			zap.String("device_code", deviceCode),
			zap.Error(err),
		)
	}
	return device, nil
}

func (c *InfoCache) load(ctx context.Context, deviceCode string) (*models.DeviceSnapshot, error) {
	c.storeLoads.Add(1)
	device, err := c.store.GetByCode(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load device %s: %w", deviceCode, err)
	}
	return device, nil
}

// Put 写入设备信息，TTL 为 base ± jitter
func (c *InfoCache) Put(ctx context.Context, device *models.DeviceSnapshot) error {
	return c.cache.SetJSON(ctx, cache.DeviceInfoKey(device.DeviceCode), device, c.randomTTL())
}

// Evict 删除设备信息缓存
func (c *InfoCache) Evict(ctx context.Context, deviceCode string) error {
	_, err := c.cache.Del(ctx, cache.DeviceInfoKey(deviceCode))
	return err
}

// WarmUp 预热全部开启上报的设备，单个设备失败只记警告
func (c *InfoCache) WarmUp(ctx context.Context) (loaded, failed int, err error) {
	devices, err := c.store.ListReportEnabled(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list devices for warm-up: %w", err)
	}

	for i := range devices {
		if err := c.Put(ctx, &devices[i]); err != nil {
			failed++
			c.logger.Warn("Failed to warm up device info",
				zap.String("device_code", devices[i].DeviceCode),
				zap.Error(err),
			)
			continue
		}
		loaded++
	}

	c.logger.Info("Device info cache warmed up",
		zap.Int("loaded", loaded),
		zap.Int("failed", failed),
	)
	return loaded, failed, nil
}

// StoreLoads 回源数据库次数
func (c *InfoCache) StoreLoads() int64 { return c.storeLoads.Load() }

// Fallbacks 因缓存故障直接查库的次数
func (c *InfoCache) Fallbacks() int64 { return c.fallbacks.Load() }

func (c *InfoCache) randomTTL() time.Duration {
	if c.jitter <= 0 {
		return c.ttl
	}
	offset := time.Duration(rand.Int64N(int64(2*c.jitter)+1)) - c.jitter
	return c.ttl + offset
}
