package devicecache

import (
	"context"
	"time"

	"github.com/zxyfanta/emsv1-sub000/internal/models"
)

// DeviceStore 设备元数据来源（持久层）
type DeviceStore interface {
	GetByCode(ctx context.Context, deviceCode string) (*models.DeviceSnapshot, error)
	ListReportEnabled(ctx context.Context) ([]models.DeviceSnapshot, error)
}

// ActivityStore 设备在线时间来源（持久层）
type ActivityStore interface {
	GetActivity(ctx context.Context, deviceCode string) (*models.DeviceActivity, error)
	ListActivity(ctx context.Context) ([]models.DeviceActivity, error)
	UpdateLastOnline(ctx context.Context, lastSeen map[string]time.Time) (int64, error)
}
