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

const (
	telegramAPIBase    = "https://api.telegram.org"
	telegramSafeMaxLen = 4000 // Under the 4096 character limit.
)

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "[", "\\[", "`", "\\`")

// TelegramSender sends messages with the Telegram Bot API. The channel config
// carries bot_token and chat_id.
type TelegramSender struct {
	baseURL    string
	httpClient *http.Client
}

// NewTelegramSender creates a Telegram sender. An empty baseURL uses the public API.
func NewTelegramSender(baseURL string) *TelegramSender {
	if baseURL == "" {
		baseURL = telegramAPIBase
	}
	return &TelegramSender{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *TelegramSender) Type() string { return "telegram" }

func (s *TelegramSender) Send(ctx context.Context, ch config.NotificationChannel, msg *Message) error {
	token, chatID := ch.Config["bot_token"], ch.Config["chat_id"]
	if token == "" || chatID == "" {
		return fmt.Errorf("telegram channel %q needs bot_token and chat_id", ch.Name)
	}

	text := markdownEscaper.Replace(msg.Body)
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n\n%s", markdownEscaper.Replace(msg.Subject), text)
	}

	chunks := splitMessage(text, telegramSafeMaxLen)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[Part %d/%d]\n%s", i+1, len(chunks), chunk)
		}
		if err := s.sendMessage(ctx, token, chatID, chunk); err != nil {
			return fmt.Errorf("sending telegram message (part %d/%d): %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (s *TelegramSender) sendMessage(ctx context.Context, token, chatID, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	url := s.baseURL + "/bot" + token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// splitMessage splits text into chunks of at most maxLen bytes, preferring
// newline boundaries in the second half of each chunk.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cutAt := maxLen
		if i := strings.LastIndexByte(text[maxLen/2:maxLen], '\n'); i >= 0 {
			cutAt = maxLen/2 + i + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
