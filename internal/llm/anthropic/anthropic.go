// Package anthropic is the Anthropic Messages API provider.
package anthropic

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/veritas/internal/llm"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	messagesPath     = "/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Client implements llm.Provider. Explanations are single-turn, so only text
// content blocks are read back.
type Client struct {
	model      string
	endpoint   string
	header     http.Header
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the Anthropic client.
type Option func(*Client)

// WithBaseURL points the client at another host, such as a test server or a gateway.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.endpoint = strings.TrimRight(url, "/") + messagesPath
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an Anthropic provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	header := http.Header{}
	header.Set("X-API-Key", apiKey)
	header.Set("Anthropic-Version", apiVersion)

	c := &Client{
		model:      model,
		endpoint:   defaultBaseURL + messagesPath,
		header:     header,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string  { return "anthropic" }
func (c *Client) Model() string { return c.model }

// SendMessage asks the model for a completion. A refusal is reported as
// llm.ErrContentFiltered.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	var out apiResponse
	if err := llm.PostJSON(ctx, c.httpClient, c.Name(), c.endpoint, c.header, c.newRequest(req), &out); err != nil {
		return nil, err
	}
	if out.StopReason == "refusal" {
		return nil, llm.Filtered(c.Name(), out.StopReason)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	resp := &llm.Response{
		Content:    text.String(),
		StopReason: stopReason(out.StopReason),
		Usage:      llm.Usage{InputTokens: out.Usage.InputTokens, OutputTokens: out.Usage.OutputTokens},
	}

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.Name()),
		slog.String("model", c.model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)
	return resp, nil
}

func (c *Client) newRequest(req *llm.Request) apiRequest {
	out := apiRequest{
		Model:     c.model,
		System:    req.SystemPrompt,
		MaxTokens: req.MaxTokens,
		Messages:  make([]apiMessage, 0, len(req.Messages)),
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, apiMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func stopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return llm.StopEndTurn
	case "max_tokens":
		return llm.StopMaxTokens
	default:
		return reason
	}
}

type apiRequest struct {
	Model     string       `json:"model"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
