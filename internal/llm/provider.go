// Package llm defines the provider-agnostic interface for text completion and
// the circuit-aware client that walks the provider chain.
package llm

import "context"

// Provider is the abstraction over any completion backend (Anthropic, OpenAI, etc.).
type Provider interface {
	// SendMessage sends a conversation to the model and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
	// Model returns the model the provider calls.
	Model() string
}

// Request represents a full conversation sent to the model.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// UserPrompt builds a single-turn request.
func UserPrompt(system, prompt string, maxTokens int) *Request {
	return &Request{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: prompt}},
		MaxTokens:    maxTokens,
	}
}

// Provider-neutral stop reasons. Vendors map their own values onto these and
// pass unknown values through unchanged.
const (
	StopEndTurn   = "end_turn"
	StopMaxTokens = "max_tokens"
)

// Response is what the model returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string
}

// Truncated reports whether the completion hit the token cap.
func (r *Response) Truncated() bool {
	return r.StopReason == StopMaxTokens
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
