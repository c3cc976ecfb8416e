package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/veritas/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-pro:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Error("missing api key header")
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "Be brief." {
			t.Errorf("missing system instruction: %+v", req)
		}
		if len(req.Contents) != 1 || req.Contents[0].Role != "user" {
			t.Errorf("unexpected contents: %+v", req.Contents)
		}

		_, _ = io.WriteString(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Sales "}, {"text": "doubled."}]}, "finishReason": "MAX_TOKENS"}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 3}
		}`)
	}))
	defer srv.Close()

	client := NewClient("test-key", "gemini-pro", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), llm.UserPrompt("Be brief.", "why?", 64))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Sales doubled." {
		t.Errorf("content = %q", resp.Content)
	}
	if !resp.Truncated() {
		t.Errorf("expected truncated response, stop reason %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestSendMessage_NoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	client := NewClient("k", "gemini-pro", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), llm.UserPrompt("", "hi", 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "" {
		t.Errorf("expected empty content, got %q", resp.Content)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"blocked"}}`))
	}))
	defer srv.Close()

	client := NewClient("k", "gemini-pro", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), llm.UserPrompt("", "hi", 0))
	var apiErr *llm.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 *llm.Error, got %v", err)
	}
	if llm.IsTransient(err) {
		t.Error("400 must not be transient")
	}
}

func TestSendMessage_Blocked(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"blocked prompt", `{"promptFeedback":{"blockReason":"SAFETY"}}`},
		{"safety finish", `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`},
		{"recitation", `{"candidates":[{"content":{"parts":[{"text":"..."}]},"finishReason":"RECITATION"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			client := NewClient("k", "gemini-pro", discardLogger(), WithBaseURL(srv.URL))
			_, err := client.SendMessage(context.Background(), llm.UserPrompt("", "hi", 0))
			if !errors.Is(err, llm.ErrContentFiltered) {
				t.Fatalf("error = %v, want ErrContentFiltered", err)
			}
		})
	}
}

func TestStopReason(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"STOP", llm.StopEndTurn},
		{"MAX_TOKENS", llm.StopMaxTokens},
		{"OTHER", "OTHER"},
	}
	for _, tt := range tests {
		if got := stopReason(tt.input); got != tt.want {
			t.Errorf("stopReason(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
