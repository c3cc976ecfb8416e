package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveCredentials(t *testing.T) {
	t.Setenv("VERITAS_TEST_ANTHROPIC_KEY", "sk-from-env")
	vault := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root" || r.URL.Path != "/v1/secret/data/veritas" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"data": map[string]any{
			"slack_token": "xoxb-vault",
			"hook":        "https://hooks.example.com/acme",
		}}})
	}))
	defer vault.Close()

	cfg := testConfig(t, fmt.Sprintf(`
secrets:
  vault:
    address: %s
    token: root
tenants:
  overrides:
    acme:
      webhook_url: vault://secret/data/veritas#hook
notifications:
  channels:
    - name: ops
      type: slack
      config:
        bot_token: vault://secret/data/veritas#slack_token
        channel_id: C123
`, vault.URL))
	cfg.Providers.Anthropic.APIKey = "env://VERITAS_TEST_ANTHROPIC_KEY"

	if err := resolveCredentials(context.Background(), cfg); err != nil {
		t.Fatalf("resolveCredentials: %v", err)
	}
	if got := cfg.Providers.Anthropic.APIKey; got != "sk-from-env" {
		t.Errorf("anthropic api key = %q", got)
	}
	if got := cfg.Tenants.Overrides["acme"].WebhookURL; got != "https://hooks.example.com/acme" {
		t.Errorf("acme webhook = %q", got)
	}
	ch := cfg.Notifications.Channels[0].Config
	if ch["bot_token"] != "xoxb-vault" || ch["channel_id"] != "C123" {
		t.Errorf("channel config = %v", ch)
	}
}

func TestResolveCredentials_UnresolvedReference(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Providers.OpenAI.APIKey = "vault://secret/data/veritas#openai"

	if err := resolveCredentials(context.Background(), cfg); err == nil {
		t.Fatal("a vault reference without a vault backend must fail")
	}
}
