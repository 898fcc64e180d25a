package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tjfontaine/tuneloop/internal/domain"
	"github.com/tjfontaine/tuneloop/internal/ports"
)

// WebhookSink posts notification payloads to an HTTP endpoint. Calls are
// timeout-bounded by the client and the caller's context; there is no retry.
type WebhookSink struct {
	url    string
	client *http.Client
}

var _ ports.NotificationSink = (*WebhookSink)(nil)

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *WebhookSink) Notify(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notification sink returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// notificationField is one key/value pair in the webhook attachment.
type notificationField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type notificationAttachment struct {
	Color  string              `json:"color"`
	Fields []notificationField `json:"fields"`
}

type notification struct {
	Text        string                   `json:"text"`
	Attachments []notificationAttachment `json:"attachments"`
}

// NotificationPayload renders an event as a Slack-compatible webhook message.
func NotificationPayload(event *domain.Event) any {
	color := "danger"
	if event.Type == domain.EventTrainingCompleted {
		color = "good"
	}

	data, _ := json.Marshal(event.Data)

	return &notification{
		Text: fmt.Sprintf("MLOps notification: %s", event.Message),
		Attachments: []notificationAttachment{{
			Color: color,
			Fields: []notificationField{
				{Title: "event type", Value: string(event.Type), Short: true},
				{Title: "timestamp", Value: event.Timestamp.Format(time.RFC3339), Short: true},
				{Title: "data", Value: string(data), Short: false},
			},
		}},
	}
}
