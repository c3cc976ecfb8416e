package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/veritas/internal/config"
)

const slackAPIBase = "https://slack.com/api"

// SlackSender posts messages with the Slack Web API. The channel config
// carries bot_token and channel_id.
type SlackSender struct {
	baseURL    string
	httpClient *http.Client
}

// NewSlackSender creates a Slack sender. An empty baseURL uses the public API.
func NewSlackSender(baseURL string) *SlackSender {
	if baseURL == "" {
		baseURL = slackAPIBase
	}
	return &SlackSender{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *SlackSender) Type() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, ch config.NotificationChannel, msg *Message) error {
	token, channelID := ch.Config["bot_token"], ch.Config["channel_id"]
	if token == "" || channelID == "" {
		return fmt.Errorf("slack channel %q needs bot_token and channel_id", ch.Name)
	}

	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, text)
	}
	body, err := json.Marshal(map[string]any{"channel": channelID, "text": text})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned %d: %s", resp.StatusCode, string(respBody))
	}

	// Slack reports most failures with a 200 and ok=false.
	var slackResp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err == nil && !slackResp.OK {
		return fmt.Errorf("slack API error: %s", slackResp.Error)
	}
	return nil
}
