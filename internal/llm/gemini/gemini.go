// Package gemini is the Google Gemini generateContent provider.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/veritas/internal/llm"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com"
	defaultMaxTokens = 1024
)

// Finish reasons meaning the answer was withheld on policy grounds.
var blockedReasons = map[string]bool{
	"SAFETY":             true,
	"RECITATION":         true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
	"SPII":               true,
}

// Client implements llm.Provider.
type Client struct {
	model      string
	baseURL    string
	header     http.Header
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the Gemini client.
type Option func(*Client)

// WithBaseURL points the client at another host.
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

// NewClient creates a Gemini provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	header := http.Header{}
	header.Set("x-goog-api-key", apiKey)

	c := &Client{
		model:      model,
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

func (c *Client) Name() string  { return "gemini" }
func (c *Client) Model() string { return c.model }

// SendMessage asks the model for a completion. A blocked prompt or a safety
// finish is reported as llm.ErrContentFiltered.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)

	var out apiResponse
	if err := llm.PostJSON(ctx, c.httpClient, c.Name(), url, c.header, c.newRequest(req), &out); err != nil {
		return nil, err
	}
	if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		return nil, llm.Filtered(c.Name(), out.PromptFeedback.BlockReason)
	}

	resp := &llm.Response{}
	if u := out.UsageMetadata; u != nil {
		resp.Usage = llm.Usage{InputTokens: u.PromptTokenCount, OutputTokens: u.CandidatesTokenCount}
	}
	if len(out.Candidates) > 0 {
		candidate := out.Candidates[0]
		if blockedReasons[candidate.FinishReason] {
			return nil, llm.Filtered(c.Name(), candidate.FinishReason)
		}
		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			text.WriteString(part.Text)
		}
		resp.Content = text.String()
		resp.StopReason = stopReason(candidate.FinishReason)
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
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	out := apiRequest{
		Contents:         make([]apiContent, 0, len(req.Messages)),
		GenerationConfig: &apiGenerationConfig{MaxOutputTokens: maxTokens},
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		out.Contents = append(out.Contents, apiContent{Role: role, Parts: []apiPart{{Text: m.Content}}})
	}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &apiContent{Parts: []apiPart{{Text: req.SystemPrompt}}}
	}
	return out
}

func stopReason(reason string) string {
	switch reason {
	case "STOP":
		return llm.StopEndTurn
	case "MAX_TOKENS":
		return llm.StopMaxTokens
	default:
		return reason
	}
}

type apiRequest struct {
	Contents          []apiContent         `json:"contents"`
	SystemInstruction *apiContent          `json:"system_instruction,omitempty"`
	GenerationConfig  *apiGenerationConfig `json:"generation_config,omitempty"`
}

type apiContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []apiPart `json:"parts"`
}

type apiPart struct {
	Text string `json:"text,omitempty"`
}

type apiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type apiResponse struct {
	Candidates []struct {
		Content      apiContent `json:"content"`
		FinishReason string     `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
}
