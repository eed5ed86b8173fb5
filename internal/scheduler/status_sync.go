package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatusFlusher 把缓存中的设备状态回写数据库（devicecache.StatusCache 实现）
type StatusFlusher interface {
	FlushToDatabase(ctx context.Context) (int64, error)
}

// StatusSync 周期性把 last_online_at 回写数据库
type StatusSync struct {
	flusher  StatusFlusher
	interval time.Duration
	logger   *zap.Logger

	running sync.Mutex
}

// NewStatusSync 创建状态回写任务
func NewStatusSync(flusher StatusFlusher, interval time.Duration, logger *zap.Logger) *StatusSync {
	return &StatusSync{
		flusher:  flusher,
		interval: interval,
		logger:   logger,
	}
}

// Run 周期执行，ctx 结束后返回
func (s *StatusSync) Run(ctx context.Context) {
	s.logger.Info("Starting status sync", zap.Duration("interval", s.interval))
	runEvery(ctx, s.interval, func() {
		s.SyncOnce(ctx)
	})
}

// SyncOnce 回写一次，返回更新行数；上一轮未结束时跳过
func (s *StatusSync) SyncOnce(ctx context.Context) int64 {
	if !s.running.TryLock() {
		return 0
	}
	defer s.running.Unlock()

	updated, err := s.flusher.FlushToDatabase(ctx)
	if err != nil {
		s.logger.Warn("Failed to sync device status to database", zap.Error(err))
		return 0
	}
	if updated > 0 {
		s.logger.Info("Device status synced to database", zap.Int64("updated", updated))
	}
	return updated
}
