package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/executor"
)

// WebhookSender posts a JSON payload to the channel's url. When the channel
// config sets secret, the body is signed the same way as executor webhooks.
// block_private: "true" rejects hosts resolving to private addresses.
type WebhookSender struct {
	httpClient *http.Client
	now        func() time.Time
}

// NewWebhookSender creates a webhook sender. Redirects are not followed.
func NewWebhookSender() *WebhookSender {
	return &WebhookSender{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		now: time.Now,
	}
}

func (s *WebhookSender) Type() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, ch config.NotificationChannel, msg *Message) error {
	endpoint := ch.Config["url"]
	if endpoint == "" {
		return fmt.Errorf("webhook channel %q missing url", ch.Name)
	}
	blockPrivate, _ := strconv.ParseBool(ch.Config["block_private"])
	if err := executor.ValidateEndpoint(endpoint, blockPrivate); err != nil {
		return fmt.Errorf("webhook URL rejected: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"channel":  ch.Name,
		"subject":  msg.Subject,
		"body":     msg.Body,
		"metadata": msg.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	ts := strconv.FormatInt(s.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Veritas-Notifier/1.0")
	req.Header.Set(executor.HeaderTimestamp, ts)
	if secret := ch.Config["secret"]; secret != "" {
		req.Header.Set(executor.HeaderSignature, "sha256="+executor.Sign([]byte(secret), ts, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
