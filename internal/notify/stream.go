package notify

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	rediscommon "github.com/zxyfanta/emsv1-sub000/internal/common/redis"
)

// StreamPublisher 发布到 Redis Streams，每种事件一个流：{prefix}{type}
type StreamPublisher struct {
	client *redis.Client
	prefix string
	maxLen int64
}

// NewStreamPublisher 创建 Streams 发布者
func NewStreamPublisher(client *redis.Client, prefix string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{
		client: client,
		prefix: prefix,
		maxLen: maxLen,
	}
}

// Name 发布者名称
func (p *StreamPublisher) Name() string { return "stream" }

// StreamName 事件类型对应的流名
func (p *StreamPublisher) StreamName(eventType string) string {
	return p.prefix + eventType
}

// Publish 发布事件
func (p *StreamPublisher) Publish(ctx context.Context, ev Event) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, p.client, p.StreamName(ev.Type), p.maxLen, ev.Type, ev); err != nil {
		return fmt.Errorf("failed to publish %s event to stream: %w", ev.Type, err)
	}
	return nil
}

// Recent 读取某类事件最近的 count 条（新的在前）
func (p *StreamPublisher) Recent(ctx context.Context, eventType string, count int64) ([]rediscommon.StreamMessage, error) {
	msgs, err := rediscommon.ReadRange(ctx, p.client, p.StreamName(eventType), count)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s events: %w", eventType, err)
	}
	return msgs, nil
}
