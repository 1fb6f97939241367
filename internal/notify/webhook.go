package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookSender отправляет Payload POST запросом.
type WebhookSender struct {
	client *resty.Client
}

// NewWebhookSender создаёт WebhookSender (default timeout: 10s, 2 повтора).
func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "loom-notify").
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &WebhookSender{client: client}
}

// Post отправляет payload на url.
func (s *WebhookSender) Post(ctx context.Context, url string, payload Payload) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s: status %d", ErrWebhook, url, resp.StatusCode())
	}
	return nil
}
