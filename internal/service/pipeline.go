package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/alert"
	"github.com/zxyfanta/emsv1-sub000/internal/buffer"
	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

var (
	// ErrUnknownDevice 设备未录入或未归属企业，样本被丢弃
	ErrUnknownDevice = errors.New("unknown device")
	// ErrInvalidSample 样本在边界校验时被拒绝
	ErrInvalidSample = errors.New("invalid sample")
)

// DeviceResolver 设备身份解析
type DeviceResolver interface {
	Get(ctx context.Context, deviceCode string) (*models.DeviceSnapshot, error)
}

// StatusStore 设备易变状态
type StatusStore interface {
	Get(ctx context.Context, deviceCode string) (*models.DeviceStatusRecord, error)
	Update(ctx context.Context, rec *models.DeviceStatusRecord) error
}

// AlertEvaluator 告警评估
type AlertEvaluator interface {
	EvaluateSample(ctx context.Context, device *models.DeviceSnapshot, sample *models.TelemetrySample, previous *models.DeviceStatusRecord) (alert.Outcome, error)
	ResolveOffline(ctx context.Context, deviceCode string) (int, error)
}

// SampleWriter 样本写缓冲
type SampleWriter interface {
	Write(ctx context.Context, sample *models.TelemetrySample) buffer.WriteResult
}

// StatusTracker 在线状态变化跟踪
type StatusTracker interface {
	Observe(deviceCode string, status models.OnlineStatus) (models.OnlineStatus, bool)
}

// StatusNotifier 状态变化事件出口
type StatusNotifier interface {
	PublishStatusChange(ctx context.Context, ev models.StatusChangeEvent)
}

// PipelineStats 接入计数
type PipelineStats struct {
	Ingested int64 `json:"ingested"`
	Unknown  int64 `json:"unknown"`
	Invalid  int64 `json:"invalid"`
	Dropped  int64 `json:"dropped"`
}

// Pipeline 单条样本的接入流程
//
// 解析设备 → 告警评估（恢复检查在前）→ 写缓冲 → 更新状态缓存 → 在线状态变化事件。
// 缓存与告警的失败只记录日志，不会让样本被拒绝。
type Pipeline struct {
	devices  DeviceResolver
	status   StatusStore
	alerts   AlertEvaluator
	writer   SampleWriter
	tracker  StatusTracker
	notifier StatusNotifier
	logger   *zap.Logger
	now      func() time.Time

	ingested atomic.Int64
	unknown  atomic.Int64
	invalid  atomic.Int64
	dropped  atomic.Int64
}

// NewPipeline 创建接入流程，alerts 为 nil 时不做告警评估
func NewPipeline(devices DeviceResolver, status StatusStore, alerts AlertEvaluator, writer SampleWriter, tracker StatusTracker, notifier StatusNotifier, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		devices:  devices,
		status:   status,
		alerts:   alerts,
		writer:   writer,
		tracker:  tracker,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest 接入一条样本
func (p *Pipeline) Ingest(ctx context.Context, sample *models.TelemetrySample) error {
	if sample == nil {
		p.invalid.Add(1)
		return fmt.Errorf("%w: nil sample", ErrInvalidSample)
	}
	if err := sample.Validate(); err != nil {
		p.invalid.Add(1)
		return fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}

	device, err := p.devices.Get(ctx, sample.DeviceCode)
	if err != nil {
		return fmt.Errorf("failed to resolve device %s: %w", sample.DeviceCode, err)
	}
	if device == nil {
		p.unknown.Add(1)
		p.logger.Warn("Dropping sample from unknown device", zap.String("device_code", sample.DeviceCode))
		return fmt.Errorf("%w: %s", ErrUnknownDevice, sample.DeviceCode)
	}
	if device.CompanyID == 0 {
		p.unknown.Add(1)
		p.logger.Warn("Dropping sample from device without company", zap.String("device_code", sample.DeviceCode))
		return fmt.Errorf("%w: %s is not assigned to a company", ErrUnknownDevice, sample.DeviceCode)
	}

	now := p.now()
	if sample.ReceivedAt.IsZero() {
		sample.ReceivedAt = now
	}

	previous, err := p.status.Get(ctx, sample.DeviceCode)
	if err != nil {
		p.logger.Warn("Failed to read previous device status",
			zap.String("device_code", sample.DeviceCode),
			zap.Error(err),
		)
		previous = nil
	}

	if p.alerts != nil {
		out, err := p.alerts.EvaluateSample(ctx, device, sample, previous)
		if err != nil {
			p.logger.Error("Alert evaluation failed",
				zap.String("device_code", sample.DeviceCode),
				zap.Error(err),
			)
		} else if len(out.Triggered) > 0 || len(out.Resolved) > 0 {
			p.logger.Debug("Alert evaluation finished",
				zap.String("device_code", sample.DeviceCode),
				zap.Int("triggered", len(out.Triggered)),
				zap.Int("resolved", len(out.Resolved)),
				zap.Int("skipped", out.Skipped),
			)
		}
	}

	res := p.writer.Write(ctx, sample)
	if res.Dropped {
		p.dropped.Add(1)
	}

	rec := &models.DeviceStatusRecord{
		DeviceCode:    device.DeviceCode,
		DeviceID:      device.DeviceID,
		CompanyID:     device.CompanyID,
		LastMessageAt: sample.ReceivedAt,
		Status:        models.StatusOnline,
	}
	if cpm, ok := sample.Metric(models.MetricKeyCPM); ok {
		rec.LastCPM = &cpm
	}
	if battery, ok := sample.Battery(); ok {
		rec.LastBattery = &battery
	}
	if err := p.status.Update(ctx, rec); err != nil {
		p.logger.Warn("Failed to update device status cache",
			zap.String("device_code", sample.DeviceCode),
			zap.Error(err),
		)
	}

	p.observeOnline(ctx, device.DeviceCode, previous, sample.ReceivedAt)
	p.ingested.Add(1)
	return nil
}

// observeOnline 记录设备上线；从 OFFLINE 恢复（或重启后第一次看到）时解除离线告警
func (p *Pipeline) observeOnline(ctx context.Context, deviceCode string, previous *models.DeviceStatusRecord, seenAt time.Time) {
	prev, changed := p.tracker.Observe(deviceCode, models.StatusOnline)
	if changed {
		p.notifier.PublishStatusChange(ctx, models.StatusChangeEvent{
			DeviceCode: deviceCode,
			From:       prev,
			To:         models.StatusOnline,
			LastSeenAt: &seenAt,
			ChangedAt:  p.now(),
		})
	}

	if p.alerts == nil {
		return
	}
	wasOffline := prev == models.StatusOffline || prev == ""
	if previous != nil && previous.Status == models.StatusOffline {
		wasOffline = true
	}
	if !wasOffline {
		return
	}
	n, err := p.alerts.ResolveOffline(ctx, deviceCode)
	if err != nil {
		p.logger.Warn("Failed to resolve offline alerts",
			zap.String("device_code", deviceCode),
			zap.Error(err),
		)
		return
	}
	if n > 0 {
		p.logger.Info("Device back online, offline alerts resolved",
			zap.String("device_code", deviceCode),
			zap.Int("resolved", n),
		)
	}
}

// Stats 返回接入计数
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Ingested: p.ingested.Load(),
		Unknown:  p.unknown.Load(),
		Invalid:  p.invalid.Load(),
		Dropped:  p.dropped.Load(),
	}
}
