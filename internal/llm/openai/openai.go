// Package openai is the OpenAI Chat Completions provider. It also serves
// OpenAI-compatible endpoints such as Ollama, and the embedding collaborator
// of the semantic cache.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/veritas/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	completionsPath  = "/v1/chat/completions"
	defaultMaxTokens = 1024
)

// Client implements llm.Provider.
type Client struct {
	model      string
	name       string
	baseURL    string
	header     http.Header
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the OpenAI client.
type Option func(*Client)

// WithBaseURL points the client at another host, such as Ollama or a test server.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithName overrides the provider name used for circuits and metrics (e.g. "ollama").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// NewClient creates an OpenAI-compatible provider. An empty apiKey sends no
// Authorization header.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}

	c := &Client{
		model:      model,
		name:       "openai",
		baseURL:    defaultBaseURL,
		header:     header,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string  { return c.name }
func (c *Client) Model() string { return c.model }

// SendMessage asks the model for a completion. A content_filter finish is
// reported as llm.ErrContentFiltered.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	var out apiResponse
	if err := c.post(ctx, completionsPath, c.newRequest(req), &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", c.name)
	}
	choice := out.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, llm.Filtered(c.name, choice.FinishReason)
	}

	resp := &llm.Response{
		Content:    choice.Message.Content,
		StopReason: stopReason(choice.FinishReason),
		Usage:      llm.Usage{InputTokens: out.Usage.PromptTokens, OutputTokens: out.Usage.CompletionTokens},
	}

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return llm.PostJSON(ctx, c.httpClient, c.name, c.baseURL+path, c.header, in, out)
}

func (c *Client) newRequest(req *llm.Request) apiRequest {
	out := apiRequest{Model: c.model, MaxTokens: req.MaxTokens}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, apiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, apiMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func stopReason(reason string) string {
	switch reason {
	case "stop":
		return llm.StopEndTurn
	case "length":
		return llm.StopMaxTokens
	default:
		return reason
	}
}

type apiRequest struct {
	Model     string       `json:"model"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Choices []struct {
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}
