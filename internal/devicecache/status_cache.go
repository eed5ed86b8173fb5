package devicecache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/cache"
	"github.com/zxyfanta/emsv1-sub000/internal/models"
	"github.com/zxyfanta/emsv1-sub000/internal/repository"
)

// 状态哈希字段
const (
	fieldDeviceID      = "deviceId"
	fieldCompanyID     = "companyId"
	fieldLastMessageAt = "lastMessageAt"
	fieldLastCPM       = "lastCpm"
	fieldLastBattery   = "lastBattery"
	fieldStatus        = "status"
)

// StatusCache 设备易变状态缓存
// 每次写入刷新 TTL，过期即消失，过期不视为错误
type StatusCache struct {
	cache  *cache.Client
	store  ActivityStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewStatusCache 创建设备状态缓存
func NewStatusCache(c *cache.Client, store ActivityStore, ttl time.Duration, logger *zap.Logger) *StatusCache {
	return &StatusCache{
		cache:  c,
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// Get 获取设备状态；哈希不存在或缺少 deviceId 时回源数据库，数据库也无记录时返回 nil, nil
func (c *StatusCache) Get(ctx context.Context, deviceCode string) (*models.DeviceStatusRecord, error) {
	fields, err := c.cache.HGetAll(ctx, cache.DeviceStatusKey(deviceCode))
	if err == nil {
		if rec, ok := RecordFromHash(deviceCode, fields); ok {
			return rec, nil
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn("Device status cache unavailable, falling back to database",
			zap.String("device_code", deviceCode),
			zap.Error(err),
		)
		return c.load(ctx, deviceCode)
	}

	rec, err := c.load(ctx, deviceCode)
	if err != nil || rec == nil {
		return rec, err
	}
	if err := c.Update(ctx, rec); err != nil {
		c.logger.Warn("Failed to write back device status",
			zap.String("device_code", deviceCode),
			zap.Error(err),
		)
	}
	return rec, nil
}

func (c *StatusCache) load(ctx context.Context, deviceCode string) (*models.DeviceStatusRecord, error) {
	activity, err := c.store.GetActivity(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load device activity %s: %w", deviceCode, err)
	}
	lastSeen := activity.LastSeen()
	if lastSeen.IsZero() {
		return nil, nil
	}
	return &models.DeviceStatusRecord{
		DeviceCode:    activity.DeviceCode,
		DeviceID:      activity.DeviceID,
		CompanyID:     activity.CompanyID,
		LastMessageAt: lastSeen,
	}, nil
}

// Update 写入设备状态并刷新 TTL（写穿）
func (c *StatusCache) Update(ctx context.Context, rec *models.DeviceStatusRecord) error {
	values := map[string]interface{}{
		fieldDeviceID:  rec.DeviceID,
		fieldCompanyID: rec.CompanyID,
	}
	if !rec.LastMessageAt.IsZero() {
		values[fieldLastMessageAt] = rec.LastMessageAt.UnixMilli()
	}
	if rec.LastCPM != nil {
		values[fieldLastCPM] = *rec.LastCPM
	}
	if rec.LastBattery != nil {
		values[fieldLastBattery] = *rec.LastBattery
	}
	if rec.Status != "" {
		values[fieldStatus] = string(rec.Status)
	}
	return c.cache.HSetWithTTL(ctx, cache.DeviceStatusKey(rec.DeviceCode), c.ttl, values)
}

// SetStatus 只更新在线状态字段
func (c *StatusCache) SetStatus(ctx context.Context, deviceCode string, status models.OnlineStatus) error {
	return c.cache.HSetWithTTL(ctx, cache.DeviceStatusKey(deviceCode), c.ttl, map[string]interface{}{
		fieldStatus: string(status),
	})
}

// Evict 删除设备状态缓存
func (c *StatusCache) Evict(ctx context.Context, deviceCode string) error {
	_, err := c.cache.Del(ctx, cache.DeviceStatusKey(deviceCode))
	return err
}

// WarmUp 用数据库中的最后在线时间预热状态缓存
func (c *StatusCache) WarmUp(ctx context.Context) (loaded, failed int, err error) {
	activities, err := c.store.ListActivity(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list device activity for warm-up: %w", err)
	}

	for _, a := range activities {
		lastSeen := a.LastSeen()
		if lastSeen.IsZero() {
			continue
		}
		rec := &models.DeviceStatusRecord{
			DeviceCode:    a.DeviceCode,
			DeviceID:      a.DeviceID,
			CompanyID:     a.CompanyID,
			LastMessageAt: lastSeen,
		}
		if err := c.Update(ctx, rec); err != nil {
			failed++
			c.logger.Warn("Failed to warm up device status",
				zap.String("device_code", a.DeviceCode),
				zap.Error(err),
			)
			continue
		}
		loaded++
	}

	c.logger.Info("Device status cache warmed up",
		zap.Int("loaded", loaded),
		zap.Int("failed", failed),
	)
	return loaded, failed, nil
}

// ListCached 列出当前缓存中的全部设备状态
func (c *StatusCache) ListCached(ctx context.Context) ([]models.DeviceStatusRecord, error) {
	keys, err := c.cache.ScanKeys(ctx, cache.DeviceStatusPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan status keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(keys))
	_, err = c.cache.Pipelined(ctx, func(ctx context.Context, pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read status hashes: %w", err)
	}

	records := make([]models.DeviceStatusRecord, 0, len(keys))
	for i, key := range keys {
		code := strings.TrimPrefix(key, cache.DeviceStatusPrefix)
		if rec, ok := RecordFromHash(code, cmds[i].Val()); ok {
			records = append(records, *rec)
		}
	}
	return records, nil
}

// FlushToDatabase 把缓存中的最后消息时间回写为 last_online_at
func (c *StatusCache) FlushToDatabase(ctx context.Context) (int64, error) {
	records, err := c.ListCached(ctx)
	if err != nil {
		return 0, err
	}

	lastSeen := make(map[string]time.Time, len(records))
	for _, rec := range records {
		if !rec.LastMessageAt.IsZero() {
			lastSeen[rec.DeviceCode] = rec.LastMessageAt
		}
	}
	if len(lastSeen) == 0 {
		return 0, nil
	}

	updated, err := c.store.UpdateLastOnline(ctx, lastSeen)
	if err != nil {
		return 0, fmt.Errorf("failed to flush device status: %w", err)
	}
	return updated, nil
}

// RecordFromHash 解析状态哈希，缺少 deviceId 时视为不存在
func RecordFromHash(deviceCode string, fields map[string]string) (*models.DeviceStatusRecord, bool) {
	rawID, ok := fields[fieldDeviceID]
	if !ok || rawID == "" {
		return nil, false
	}
	deviceID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, false
	}

	rec := &models.DeviceStatusRecord{
		DeviceCode: deviceCode,
		DeviceID:   deviceID,
		Status:     models.OnlineStatus(fields[fieldStatus]),
	}
	if v, err := strconv.ParseInt(fields[fieldCompanyID], 10, 64); err == nil {
		rec.CompanyID = v
	}
	if v, err := strconv.ParseInt(fields[fieldLastMessageAt], 10, 64); err == nil && v > 0 {
		rec.LastMessageAt = time.UnixMilli(v)
	}
	if v, err := strconv.ParseFloat(fields[fieldLastCPM], 64); err == nil {
		rec.LastCPM = &v
	}
	if v, err := strconv.ParseFloat(fields[fieldLastBattery], 64); err == nil {
		rec.LastBattery = &v
	}
	return rec, true
}

// LastMessageAtField 状态哈希中的最后消息时间字段名（在线状态批量评估用）
const LastMessageAtField = fieldLastMessageAt
