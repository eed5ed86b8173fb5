package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// Queue 写缓冲队列（buffer.TelemetryBuffer 实现）
type Queue interface {
	Capacity() int64
	QueueSize(ctx context.Context, kind models.SampleKind) (int64, error)
	Pop(ctx context.Context, kind models.SampleKind, n int) ([]models.TelemetrySample, error)
	Requeue(ctx context.Context, kind models.SampleKind, samples []models.TelemetrySample) (requeued, dropped int64, err error)
	Dropped(kind models.SampleKind) int64
}

// BatchWriter 批量落库
type BatchWriter interface {
	InsertBatch(ctx context.Context, kind models.SampleKind, samples []models.TelemetrySample) (int64, error)
}

// DataLossNotifier 数据丢失事件出口
type DataLossNotifier interface {
	PublishDataLoss(ctx context.Context, ev models.DataLossEvent)
}

// FlushConfig 刷新调度配置
type FlushConfig struct {
	BatchMaxSize       int
	Interval           time.Duration
	EmergencyInterval  time.Duration
	HighWaterRatio     float64
	DropAlertThreshold int64 // 0 表示不告警
}

// FlushResult 单次刷新结果
type FlushResult struct {
	Kind     models.SampleKind `json:"kind"`
	Skipped  bool              `json:"skipped"` // 同类型刷新正在进行
	Popped   int               `json:"popped"`
	Flushed  int64             `json:"flushed"`
	Requeued int64             `json:"requeued"`
	Dropped  int64             `json:"dropped"`
	Err      error             `json:"-"` // 读取队列或落库失败
}

// FlushStats 单个类型的累计计数
type FlushStats struct {
	Runs          int64     `json:"runs"`
	Skipped       int64     `json:"skipped"`
	EmergencyRuns int64     `json:"emergency_runs"`
	Flushed       int64     `json:"flushed"`
	Failed        int64     `json:"failed"`
	Requeued      int64     `json:"requeued"`
	Dropped       int64     `json:"dropped"`
	LastFlushAt   time.Time `json:"last_flush_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

type kindState struct {
	// running 同一类型同时只允许一次刷新
	running sync.Mutex

	mu           sync.Mutex
	stats        FlushStats
	lossReported int64 // 上次数据丢失告警时的累计丢弃数
}

// FlushScheduler 批量刷新调度器
type FlushScheduler struct {
	queue    Queue
	store    BatchWriter
	notifier DataLossNotifier
	cfg      FlushConfig
	logger   *zap.Logger
	kinds    map[models.SampleKind]*kindState
}

// NewFlushScheduler 创建刷新调度器
func NewFlushScheduler(queue Queue, store BatchWriter, notifier DataLossNotifier, cfg FlushConfig, logger *zap.Logger) *FlushScheduler {
	kinds := make(map[models.SampleKind]*kindState, len(models.SampleKinds))
	for _, kind := range models.SampleKinds {
		kinds[kind] = &kindState{}
	}
	return &FlushScheduler{
		queue:    queue,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		kinds:    kinds,
	}
}

// Run 启动常规刷新与紧急刷新两个周期任务，ctx 结束后返回
func (s *FlushScheduler) Run(ctx context.Context) {
	s.logger.Info("Starting flush scheduler",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("emergency_interval", s.cfg.EmergencyInterval),
		zap.Int("batch_max_size", s.cfg.BatchMaxSize),
		zap.Float64("high_water_ratio", s.cfg.HighWaterRatio),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runEvery(ctx, s.cfg.Interval, func() {
			for _, kind := range models.SampleKinds {
				s.FlushOnce(ctx, kind)
			}
		})
	}()
	go func() {
		defer wg.Done()
		runEvery(ctx, s.cfg.EmergencyInterval, func() {
			s.CheckEmergency(ctx)
		})
	}()
	wg.Wait()

	s.logger.Info("Flush scheduler stopped")
}

// FlushOnce 刷新一个批次；同类型刷新正在进行时跳过
func (s *FlushScheduler) FlushOnce(ctx context.Context, kind models.SampleKind) FlushResult {
	st := s.kinds[kind]
	if st == nil {
		return FlushResult{Kind: kind, Skipped: true}
	}
	if !st.running.TryLock() {
		st.mu.Lock()
		st.stats.Skipped++
		st.mu.Unlock()
		return FlushResult{Kind: kind, Skipped: true}
	}
	defer st.running.Unlock()

	res := s.flushBatch(ctx, kind, st)
	s.checkDataLoss(ctx, kind, st)
	return res
}

// CheckEmergency 队列占用超过高水位时立即加刷一个批次
func (s *FlushScheduler) CheckEmergency(ctx context.Context) {
	capacity := s.queue.Capacity()
	for _, kind := range models.SampleKinds {
		st := s.kinds[kind]
		size, err := s.queue.QueueSize(ctx, kind)
		if err != nil {
			s.logger.Warn("Failed to read queue size",
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			s.checkDataLoss(ctx, kind, st)
			continue
		}

		if capacity > 0 && float64(size) >= float64(capacity)*s.cfg.HighWaterRatio {
			s.logger.Warn("Buffer queue above high-water mark, emergency flush",
				zap.String("kind", string(kind)),
				zap.Int64("size", size),
				zap.Int64("capacity", capacity),
			)
			res := s.FlushOnce(ctx, kind)
			if !res.Skipped {
				st.mu.Lock()
				st.stats.EmergencyRuns++
				st.mu.Unlock()
			}
			continue
		}
		s.checkDataLoss(ctx, kind, st)
	}
}

// flushBatch 调用方持有 running 锁
func (s *FlushScheduler) flushBatch(ctx context.Context, kind models.SampleKind, st *kindState) FlushResult {
	res := FlushResult{Kind: kind}

	samples, err := s.queue.Pop(ctx, kind, s.cfg.BatchMaxSize)
	if err != nil {
		s.logger.Warn("Failed to pop buffer queue",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		s.recordFailure(st, err)
		res.Err = fmt.Errorf("failed to pop %s queue: %w", kind, err)
		return res
	}
	res.Popped = len(samples)
	if len(samples) == 0 {
		return res
	}

	start := time.Now()
	inserted, err := s.store.InsertBatch(ctx, kind, samples)
	if err != nil {
		requeued, dropped, rqErr := s.queue.Requeue(ctx, kind, samples)
		res.Requeued, res.Dropped = requeued, dropped

		fields := []zap.Field{
			zap.String("kind", string(kind)),
			zap.Int("batch_size", len(samples)),
			zap.Int64("requeued", requeued),
			zap.Int64("dropped", dropped),
			zap.Error(err),
		}
		if rqErr != nil {
			fields = append(fields, zap.NamedError("requeue_error", rqErr))
		}
		s.logger.Error("Batch flush failed", fields...)

		st.mu.Lock()
		st.stats.Runs++
		st.stats.Failed++
		st.stats.Requeued += requeued
		st.stats.Dropped += dropped
		st.stats.LastError = err.Error()
		st.mu.Unlock()
		res.Err = err
		return res
	}

	res.Flushed = inserted
	st.mu.Lock()
	st.stats.Runs++
	st.stats.Flushed += inserted
	st.stats.LastFlushAt = time.Now()
	st.stats.LastError = ""
	st.mu.Unlock()

	s.logger.Debug("Batch flushed",
		zap.String("kind", string(kind)),
		zap.Int64("rows", inserted),
		zap.Duration("duration", time.Since(start)),
	)
	return res
}

func (s *FlushScheduler) recordFailure(st *kindState, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stats.Failed++
	st.stats.LastError = err.Error()
}

// checkDataLoss 自上次告警以来的累计丢弃数达到阈值时发出数据丢失事件
func (s *FlushScheduler) checkDataLoss(ctx context.Context, kind models.SampleKind, st *kindState) {
	if s.cfg.DropAlertThreshold <= 0 || st == nil {
		return
	}

	total := s.queue.Dropped(kind)
	st.mu.Lock()
	delta := total - st.lossReported
	if delta < s.cfg.DropAlertThreshold {
		st.mu.Unlock()
		return
	}
	st.lossReported = total
	st.mu.Unlock()

	s.logger.Error("Telemetry samples dropped above alert threshold",
		zap.String("kind", string(kind)),
		zap.Int64("dropped", delta),
		zap.Int64("dropped_total", total),
		zap.Int64("threshold", s.cfg.DropAlertThreshold),
	)
	if s.notifier != nil {
		s.notifier.PublishDataLoss(ctx, models.DataLossEvent{
			Kind:      kind,
			Dropped:   delta,
			Threshold: s.cfg.DropAlertThreshold,
			Reason:    "buffer overflow or failed flush",
			At:        time.Now(),
		})
	}
}

// FlushAllRemaining 停机时同步清空全部队列
// 等待正在进行的刷新结束；某一轮没有进展（落库失败或队列读取失败）时停止，避免死循环
func (s *FlushScheduler) FlushAllRemaining(ctx context.Context) (int64, error) {
	var total int64
	var firstErr error

	for _, kind := range models.SampleKinds {
		st := s.kinds[kind]
		st.running.Lock()
		for {
			if ctx.Err() != nil {
				st.running.Unlock()
				return total, ctx.Err()
			}
			res := s.flushBatch(ctx, kind, st)
			total += res.Flushed
			if res.Popped == 0 {
				if res.Err != nil && firstErr == nil {
					firstErr = res.Err
				}
				break
			}
			if res.Flushed == 0 {
				if firstErr == nil {
					firstErr = fmt.Errorf("flush of %s made no progress, %d samples left in queue", kind, res.Requeued)
				}
				break
			}
		}
		st.running.Unlock()
		s.checkDataLoss(ctx, kind, st)
	}

	s.logger.Info("Flushed remaining buffered samples",
		zap.Int64("rows", total),
		zap.Error(firstErr),
	)
	return total, firstErr
}

// Stats 各类型累计计数
func (s *FlushScheduler) Stats() map[models.SampleKind]FlushStats {
	out := make(map[models.SampleKind]FlushStats, len(s.kinds))
	for kind, st := range s.kinds {
		st.mu.Lock()
		out[kind] = st.stats
		st.mu.Unlock()
	}
	return out
}
