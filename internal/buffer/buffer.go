package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/cache"
	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// ErrQueueFull 缓冲队列已满
var ErrQueueFull = errors.New("buffer queue is full")

// BatchWriter 持久层批量写入（缓存不可用时的直写兜底）
type BatchWriter interface {
	InsertBatch(ctx context.Context, kind models.SampleKind, samples []models.TelemetrySample) (int64, error)
}

// Config 写缓冲配置
type Config struct {
	QueueMaxSize   int64
	LatestTTL      time.Duration
	DirectFallback bool
}

// WriteResult 单次写入结果
type WriteResult struct {
	Cached  bool // 最新样本缓存写入成功
	Queued  bool // 进入缓冲队列
	Direct  bool // 队列不可用，已直接写库
	Dropped bool // 队列已满或直写失败，样本丢弃
}

// KindStats 单个样本类型的计数
type KindStats struct {
	Written       int64 `json:"written"`
	Queued        int64 `json:"queued"`
	Direct        int64 `json:"direct"`
	Dropped       int64 `json:"dropped"`
	CacheFailures int64 `json:"cache_failures"`
	Corrupt       int64 `json:"corrupt"`
}

type kindCounters struct {
	written       atomic.Int64
	queued        atomic.Int64
	direct        atomic.Int64
	dropped       atomic.Int64
	cacheFailures atomic.Int64
	corrupt       atomic.Int64
}

// TelemetryBuffer 遥测写缓冲（write-behind）
//
// 每个样本双写：
//   - monitoring:{kind}:{code} 保存最新样本，供实时查询
//   - buffer:queue:{kind} 有界 FIFO 队列，由刷新调度器批量落库
//
// 两步互不影响，失败只记日志。
type TelemetryBuffer struct {
	cache    *cache.Client
	direct   BatchWriter
	cfg      Config
	logger   *zap.Logger
	counters map[models.SampleKind]*kindCounters
}

// NewTelemetryBuffer 创建写缓冲，direct 可为 nil
func NewTelemetryBuffer(c *cache.Client, direct BatchWriter, cfg Config, logger *zap.Logger) *TelemetryBuffer {
	counters := make(map[models.SampleKind]*kindCounters, len(models.SampleKinds))
	for _, kind := range models.SampleKinds {
		counters[kind] = &kindCounters{}
	}
	return &TelemetryBuffer{
		cache:    c,
		direct:   direct,
		cfg:      cfg,
		logger:   logger,
		counters: counters,
	}
}

// Capacity 队列容量
func (b *TelemetryBuffer) Capacity() int64 {
	return b.cfg.QueueMaxSize
}

// Write 写入样本，缓存故障不返回错误
func (b *TelemetryBuffer) Write(ctx context.Context, sample *models.TelemetrySample) WriteResult {
	var res WriteResult
	cnt := b.counters[sample.Kind]
	if cnt == nil {
		b.logger.Warn("Rejecting sample of unknown kind",
			zap.String("device_code", sample.DeviceCode),
			zap.String("kind", string(sample.Kind)),
		)
		res.Dropped = true
		return res
	}
	cnt.written.Add(1)

	// (a) 最新样本
	latestKey := cache.LatestSampleKey(string(sample.Kind), sample.DeviceCode)
	if err := b.cache.SetJSON(ctx, latestKey, sample, b.cfg.LatestTTL); err != nil {
		cnt.cacheFailures.Add(1)
		b.logger.Warn("Failed to cache latest sample",
			zap.String("device_code", sample.DeviceCode),
			zap.String("kind", string(sample.Kind)),
			zap.Error(err),
		)
	} else {
		res.Cached = true
	}

	// (b) 入队
	err := b.enqueue(ctx, sample)
	switch {
	case err == nil:
		cnt.queued.Add(1)
		res.Queued = true
	case errors.Is(err, ErrQueueFull):
		cnt.dropped.Add(1)
		res.Dropped = true
		b.logger.Warn("Buffer queue full, dropping newest sample",
			zap.String("device_code", sample.DeviceCode),
			zap.String("kind", string(sample.Kind)),
			zap.Int64("capacity", b.cfg.QueueMaxSize),
		)
	default:
		cnt.cacheFailures.Add(1)
		if b.writeDirect(ctx, sample, err) {
			cnt.direct.Add(1)
			res.Direct = true
		} else {
			cnt.dropped.Add(1)
			res.Dropped = true
		}
	}
	return res
}

func (b *TelemetryBuffer) enqueue(ctx context.Context, sample *models.TelemetrySample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}
	accepted, err := b.cache.PushBounded(ctx, cache.BufferQueueKey(string(sample.Kind)), b.cfg.QueueMaxSize, string(payload))
	if err != nil {
		return err
	}
	if accepted == 0 {
		return ErrQueueFull
	}
	return nil
}

func (b *TelemetryBuffer) writeDirect(ctx context.Context, sample *models.TelemetrySample, cause error) bool {
	if !b.cfg.DirectFallback || b.direct == nil {
		b.logger.Error("Buffer queue unavailable, sample dropped",
			zap.String("device_code", sample.DeviceCode),
			zap.String("kind", string(sample.Kind)),
			zap.Error(cause),
		)
		return false
	}

	if _, err := b.direct.InsertBatch(ctx, sample.Kind, []models.TelemetrySample{*sample}); err != nil {
		b.logger.Error("Direct insert after queue failure also failed, sample dropped",
			zap.String("device_code", sample.DeviceCode),
			zap.String("kind", string(sample.Kind)),
			zap.NamedError("queue_error", cause),
			zap.Error(err),
		)
		return false
	}

	b.logger.Warn("Buffer queue unavailable, sample written directly",
		zap.String("device_code", sample.DeviceCode),
		zap.String("kind", string(sample.Kind)),
		zap.Error(cause),
	)
	return true
}

// ReadLatest 读取最新样本，不存在时返回 nil, nil；只读缓存，不查库
func (b *TelemetryBuffer) ReadLatest(ctx context.Context, deviceCode string, kind models.SampleKind) (*models.TelemetrySample, error) {
	var sample models.TelemetrySample
	err := b.cache.GetJSON(ctx, cache.LatestSampleKey(string(kind), deviceCode), &sample)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &sample, nil
}

// QueueSize 队列长度
func (b *TelemetryBuffer) QueueSize(ctx context.Context, kind models.SampleKind) (int64, error) {
	return b.cache.LLen(ctx, cache.BufferQueueKey(string(kind)))
}

// Pop 从队头取出最多 n 个样本；无法解析的条目计数后丢弃
func (b *TelemetryBuffer) Pop(ctx context.Context, kind models.SampleKind, n int) ([]models.TelemetrySample, error) {
	raw, err := b.cache.LPopN(ctx, cache.BufferQueueKey(string(kind)), n)
	if err != nil {
		return nil, err
	}

	samples := make([]models.TelemetrySample, 0, len(raw))
	for _, entry := range raw {
		var s models.TelemetrySample
		if err := json.Unmarshal([]byte(entry), &s); err != nil {
			if cnt := b.counters[kind]; cnt != nil {
				cnt.corrupt.Add(1)
			}
			b.logger.Error("Discarding corrupt buffer entry",
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// Requeue 落库失败后按原顺序放回队头，超出容量部分丢弃
func (b *TelemetryBuffer) Requeue(ctx context.Context, kind models.SampleKind, samples []models.TelemetrySample) (requeued, dropped int64, err error) {
	if len(samples) == 0 {
		return 0, 0, nil
	}

	values := make([]string, 0, len(samples))
	for i := range samples {
		payload, err := json.Marshal(&samples[i])
		if err != nil {
			continue
		}
		values = append(values, string(payload))
	}

	requeued, err = b.cache.PushFrontBounded(ctx, cache.BufferQueueKey(string(kind)), b.cfg.QueueMaxSize, values...)
	if err != nil {
		requeued = 0
	}
	dropped = int64(len(samples)) - requeued
	if cnt := b.counters[kind]; cnt != nil && dropped > 0 {
		cnt.dropped.Add(dropped)
	}
	return requeued, dropped, err
}

// Dropped 累计丢弃数
func (b *TelemetryBuffer) Dropped(kind models.SampleKind) int64 {
	if cnt := b.counters[kind]; cnt != nil {
		return cnt.dropped.Load()
	}
	return 0
}

// Stats 各类型计数
func (b *TelemetryBuffer) Stats() map[models.SampleKind]KindStats {
	out := make(map[models.SampleKind]KindStats, len(b.counters))
	for kind, cnt := range b.counters {
		out[kind] = KindStats{
			Written:       cnt.written.Load(),
			Queued:        cnt.queued.Load(),
			Direct:        cnt.direct.Load(),
			Dropped:       cnt.dropped.Load(),
			CacheFailures: cnt.cacheFailures.Load(),
			Corrupt:       cnt.corrupt.Load(),
		}
	}
	return out
}
