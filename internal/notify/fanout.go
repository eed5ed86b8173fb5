package notify

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// Fanout 把事件依次交给所有发布者
// 单个发布者失败只记日志，不影响其他发布者，也不向调用方返回错误
type Fanout struct {
	publishers []Publisher
	timeout    time.Duration
	logger     *zap.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// NewFanout 创建事件分发器
func NewFanout(timeout time.Duration, logger *zap.Logger, publishers ...Publisher) *Fanout {
	return &Fanout{
		publishers: publishers,
		timeout:    timeout,
		logger:     logger,
	}
}

// Publish 分发事件
func (f *Fanout) Publish(ctx context.Context, ev Event) {
	for _, p := range f.publishers {
		pctx, cancel := ctx, context.CancelFunc(func() {})
		if f.timeout > 0 {
			pctx, cancel = context.WithTimeout(ctx, f.timeout)
		}
		err := p.Publish(pctx, ev)
		cancel()

		if err != nil {
			f.failed.Add(1)
			f.logger.Warn("Failed to publish event",
				zap.String("publisher", p.Name()),
				zap.String("event_type", ev.Type),
				zap.String("event_id", ev.ID),
				zap.String("device_code", ev.DeviceCode),
				zap.Error(err),
			)
			continue
		}
		f.published.Add(1)
	}
}

// PublishAlert 告警事件
func (f *Fanout) PublishAlert(ctx context.Context, ev models.AlertEvent) {
	f.Publish(ctx, NewEvent(models.EventTypeAlert, ev.DeviceCode, ev))
}

// PublishAlertResolved 告警自动解除事件
func (f *Fanout) PublishAlertResolved(ctx context.Context, ev models.AlertResolvedEvent) {
	f.Publish(ctx, NewEvent(models.EventTypeAlertResolved, ev.DeviceCode, ev))
}

// PublishStatusChange 在线状态变化事件
func (f *Fanout) PublishStatusChange(ctx context.Context, ev models.StatusChangeEvent) {
	f.Publish(ctx, NewEvent(models.EventTypeStatusChange, ev.DeviceCode, ev))
}

// PublishDataLoss 数据丢失事件
func (f *Fanout) PublishDataLoss(ctx context.Context, ev models.DataLossEvent) {
	f.Publish(ctx, NewEvent(models.EventTypeDataLoss, "", ev))
}

// Publishers 已配置的发布者名称
func (f *Fanout) Publishers() []string {
	names := make([]string, 0, len(f.publishers))
	for _, p := range f.publishers {
		names = append(names, p.Name())
	}
	return names
}

// Stats 发布成功/失败次数
func (f *Fanout) Stats() (published, failed int64) {
	return f.published.Load(), f.failed.Load()
}
