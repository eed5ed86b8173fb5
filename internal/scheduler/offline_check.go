package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/models"
	"github.com/zxyfanta/emsv1-sub000/internal/online"
)

// DeviceLister 需要检测的设备
type DeviceLister interface {
	ListReportEnabled(ctx context.Context) ([]models.DeviceSnapshot, error)
}

// StatusEvaluator 在线状态判定
type StatusEvaluator interface {
	EvaluateBatch(ctx context.Context, deviceCodes []string) ([]online.Result, error)
	Observe(deviceCode string, status models.OnlineStatus) (models.OnlineStatus, bool)
}

// StatusWriter 写回缓存中的在线状态
type StatusWriter interface {
	SetStatus(ctx context.Context, deviceCode string, status models.OnlineStatus) error
}

// OfflineAlerter 离线告警
type OfflineAlerter interface {
	RaiseOffline(ctx context.Context, device *models.DeviceSnapshot, lastSeen *time.Time) ([]models.AlertRecord, error)
	ResolveOffline(ctx context.Context, deviceCode string) (int, error)
}

// StatusNotifier 状态变化事件出口
type StatusNotifier interface {
	PublishStatusChange(ctx context.Context, ev models.StatusChangeEvent)
}

// CheckResult 一轮离线检测结果
type CheckResult struct {
	Skipped   bool `json:"skipped"`
	Evaluated int  `json:"evaluated"`
	Changed   int  `json:"changed"`
	Raised    int  `json:"raised"`
	Resolved  int  `json:"resolved"`
}

// OfflineChecker 周期性离线检测
//
// 每轮批量判定全部上报设备的在线状态：状态变化时发出事件并写回缓存，
// 进入 OFFLINE 时创建离线告警，从 OFFLINE 恢复时解除离线告警。
// 服务启动后第一次看到设备即为 OFFLINE 时同样创建告警（已有未解决的离线告警时不会重复）。
type OfflineChecker struct {
	devices   DeviceLister
	evaluator StatusEvaluator
	status    StatusWriter
	alerts    OfflineAlerter
	notifier  StatusNotifier
	interval  time.Duration
	logger    *zap.Logger

	running sync.Mutex
}

// NewOfflineChecker 创建离线检测任务，alerts 为 nil 时只发状态事件
func NewOfflineChecker(devices DeviceLister, evaluator StatusEvaluator, status StatusWriter, alerts OfflineAlerter, notifier StatusNotifier, interval time.Duration, logger *zap.Logger) *OfflineChecker {
	return &OfflineChecker{
		devices:   devices,
		evaluator: evaluator,
		status:    status,
		alerts:    alerts,
		notifier:  notifier,
		interval:  interval,
		logger:    logger,
	}
}

// Run 周期执行，ctx 结束后返回
func (c *OfflineChecker) Run(ctx context.Context) {
	c.logger.Info("Starting offline checker", zap.Duration("interval", c.interval))
	runEvery(ctx, c.interval, func() {
		if _, err := c.CheckOnce(ctx); err != nil {
			c.logger.Error("Offline check failed", zap.Error(err))
		}
	})
}

// CheckOnce 执行一轮检测；上一轮未结束时跳过
func (c *OfflineChecker) CheckOnce(ctx context.Context) (CheckResult, error) {
	if !c.running.TryLock() {
		return CheckResult{Skipped: true}, nil
	}
	defer c.running.Unlock()

	var res CheckResult
	devices, err := c.devices.ListReportEnabled(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		return res, nil
	}

	codes := make([]string, len(devices))
	byCode := make(map[string]*models.DeviceSnapshot, len(devices))
	for i := range devices {
		codes[i] = devices[i].DeviceCode
		byCode[devices[i].DeviceCode] = &devices[i]
	}

	results, err := c.evaluator.EvaluateBatch(ctx, codes)
	if err != nil {
		return res, fmt.Errorf("failed to evaluate online status: %w", err)
	}
	res.Evaluated = len(results)

	now := time.Now()
	for _, r := range results {
		prev, changed := c.evaluator.Observe(r.DeviceCode, r.Status)
		if changed {
			res.Changed++
			c.onChange(ctx, r, prev, now)
		}

		if c.alerts == nil {
			continue
		}
		firstSeen := prev == ""
		switch {
		case r.Status == models.StatusOffline && (changed || firstSeen):
			created, err := c.alerts.RaiseOffline(ctx, byCode[r.DeviceCode], r.LastSeenAt)
			if err != nil {
				c.logger.Error("Failed to raise offline alert",
					zap.String("device_code", r.DeviceCode),
					zap.Error(err),
				)
			}
			res.Raised += len(created)
		case changed && prev == models.StatusOffline:
			n, err := c.alerts.ResolveOffline(ctx, r.DeviceCode)
			if err != nil {
				c.logger.Error("Failed to resolve offline alert",
					zap.String("device_code", r.DeviceCode),
					zap.Error(err),
				)
			}
			res.Resolved += n
		}
	}

	c.logger.Debug("Offline check completed",
		zap.Int("evaluated", res.Evaluated),
		zap.Int("changed", res.Changed),
		zap.Int("raised", res.Raised),
		zap.Int("resolved", res.Resolved),
	)
	return res, nil
}

func (c *OfflineChecker) onChange(ctx context.Context, r online.Result, prev models.OnlineStatus, now time.Time) {
	c.logger.Info("Device online status changed",
		zap.String("device_code", r.DeviceCode),
		zap.String("from", string(prev)),
		zap.String("to", string(r.Status)),
	)

	if err := c.status.SetStatus(ctx, r.DeviceCode, r.Status); err != nil {
		c.logger.Warn("Failed to write device status",
			zap.String("device_code", r.DeviceCode),
			zap.Error(err),
		)
	}
	c.notifier.PublishStatusChange(ctx, models.StatusChangeEvent{
		DeviceCode: r.DeviceCode,
		From:       prev,
		To:         r.Status,
		LastSeenAt: r.LastSeenAt,
		ChangedAt:  now,
	})
}
