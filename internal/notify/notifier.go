package notify

import (
	"context"

	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// Notifier 业务组件依赖的事件出口（Fanout 实现）
type Notifier interface {
	PublishAlert(ctx context.Context, ev models.AlertEvent)
	PublishAlertResolved(ctx context.Context, ev models.AlertResolvedEvent)
	PublishStatusChange(ctx context.Context, ev models.StatusChangeEvent)
	PublishDataLoss(ctx context.Context, ev models.DataLossEvent)
}

var _ Notifier = (*Fanout)(nil)
