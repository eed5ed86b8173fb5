package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookPublisher 以 JSON POST 推送事件到运维 webhook
type WebhookPublisher struct {
	httpClient *resty.Client
	url        string
}

// NewWebhookPublisher 创建 webhook 发布者
func NewWebhookPublisher(url string, timeout time.Duration) *WebhookPublisher {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookPublisher{
		httpClient: client,
		url:        url,
	}
}

// Name 发布者名称
func (p *WebhookPublisher) Name() string { return "webhook" }

// Publish 发布事件，非 2xx 视为失败
func (p *WebhookPublisher) Publish(ctx context.Context, ev Event) error {
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetHeader("X-Event-Type", ev.Type).
		SetHeader("X-Event-Id", ev.ID).
		SetBody(ev).
		Post(p.url)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
