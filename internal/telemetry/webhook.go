package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
)

// WebhookNotifier posts alert and risk warning events to an HTTP webhook.
// Other event types are ignored.
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

type webhookPayload struct {
	Title     string                 `json:"title"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Content-Type", "application/json")

	return &WebhookNotifier{client: client, url: url}
}

func (n *WebhookNotifier) Publish(ctx context.Context, event types.Event) error {
	if n.url == "" {
		return nil
	}
	if event.Type != types.EventAlert && event.Type != types.EventRiskWarning {
		return nil
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(payload(event)).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode())
	}
	return nil
}

func payload(event types.Event) webhookPayload {
	str := func(key, fallback string) string {
		if s, ok := event.Data[key].(string); ok && s != "" {
			return s
		}
		return fallback
	}

	title := "Strategy alert"
	if event.Type == types.EventRiskWarning {
		title = "Risk warning"
	}

	return webhookPayload{
		Title:     title,
		Severity:  str("severity", "info"),
		Message:   str("message", event.Type),
		Source:    event.Source,
		Timestamp: event.Timestamp,
		Data:      event.Data,
	}
}
