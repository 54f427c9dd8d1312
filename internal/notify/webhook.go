package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/pkg/canonical"
	"github.com/manaforge-ai/manaforge/internal/pkg/retry"
)

// WebhookSender posts terminal-event payloads to user-supplied URLs.
// Bodies are the canonical encoding with an inline signature computed
// over the payload without that field; the same value rides in the
// X-Webhook-Signature header. Connection errors and 5xx responses retry
// with exponential backoff up to the configured attempt budget.
type WebhookSender struct {
	cfg    config.WebhookConfig
	client *http.Client
}

// NewWebhookSender builds a sender from the webhook config.
func NewWebhookSender(cfg config.WebhookConfig) *WebhookSender {
	return &WebhookSender{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send signs and delivers one payload. A returned error means the
// attempt budget is exhausted (or the receiver rejected the payload
// outright); the caller marks the record delivery_failed.
func (s *WebhookSender) Send(ctx context.Context, url, secret string, payload map[string]any) error {
	body := payload
	signature := ""
	if secret != "" {
		sig, err := canonical.Sign([]byte(secret), payload)
		if err != nil {
			return fmt.Errorf("sign payload: %w", err)
		}
		signature = sig
		body = make(map[string]any, len(payload)+1)
		for k, v := range payload {
			body[k] = v
		}
		body[canonical.SignatureField] = sig
	}

	data, err := canonical.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	cfg := retry.Config{
		MaxAttempts:       s.cfg.MaxAttempts,
		InitialBackoff:    s.cfg.InitialBackoff,
		MaxBackoff:        s.cfg.MaxBackoff,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set("X-Webhook-Signature", "sha256="+signature)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

		if resp.StatusCode >= 300 {
			return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: "webhook delivery"}
		}
		return nil
	})
}
