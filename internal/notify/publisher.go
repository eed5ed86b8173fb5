package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event 对外通知事件
type Event struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	DeviceCode string      `json:"deviceCode,omitempty"`
	Payload    interface{} `json:"payload"`
	OccurredAt time.Time   `json:"occurredAt"`
}

// NewEvent 创建事件
func NewEvent(eventType, deviceCode string, payload interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		DeviceCode: deviceCode,
		Payload:    payload,
		OccurredAt: time.Now(),
	}
}

// Publisher 事件发布者
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}
