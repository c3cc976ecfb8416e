package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
providers:
  default: anthropic
  fallback: [openai, anthropic]
  anthropic:
    api_key: a-key
    model: claude-x
  openai:
    api_key: o-key
    model: gpt-x
tenants:
  default:
    daily_budget_usd: 25
  overrides:
    acme:
      daily_budget_usd: 100
      automation_enabled: true
      allowed_actions: [flag_for_review]
`

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(baseYAML), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Providers.Chain(); strings.Join(got, ",") != "anthropic,openai" {
		t.Errorf("Chain() = %v", got)
	}
	if cfg.Providers.Timeout() != 30*time.Second {
		t.Errorf("Timeout() = %v", cfg.Providers.Timeout())
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
}

func TestTenantPolicyOverlay(t *testing.T) {
	cfg, err := Parse([]byte(baseYAML), ".yml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	def := cfg.Tenants.For("other")
	if def.DailyBudgetUSD != 25 {
		t.Errorf("default budget = %v, want 25", def.DailyBudgetUSD)
	}
	if def.Automation() {
		t.Error("automation should default to disabled")
	}
	if def.SemanticThreshold != 0.92 {
		t.Errorf("semantic threshold = %v, want 0.92", def.SemanticThreshold)
	}
	if !def.Allows("update_price") {
		t.Error("empty allow-list should allow every kind")
	}

	acme := cfg.Tenants.For("acme")
	if acme.DailyBudgetUSD != 100 || !acme.Automation() {
		t.Errorf("acme policy = %+v", acme)
	}
	if acme.Allows("update_price") {
		t.Error("acme should not allow update_price")
	}
	if acme.ReviewThreshold() != 0.6 {
		t.Errorf("acme should inherit review threshold, got %v", acme.ReviewThreshold())
	}
}

func TestTenantPolicyZeroOverrides(t *testing.T) {
	const doc = `
providers:
  default: anthropic
  anthropic:
    api_key: a-key
    model: claude-x
tenants:
  default:
    skip_impact_below: 0.3
  overrides:
    acme:
      skip_impact_below: 0
      human_review_threshold: 0
`
	cfg, err := Parse([]byte(doc), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		tenant      string
		skipBelow   float64
		reviewBelow float64
	}{
		{"acme", 0, 0},
		{"other", 0.3, 0.6},
	}
	for _, tt := range tests {
		p := cfg.Tenants.For(tt.tenant)
		if p.SkipBelow() != tt.skipBelow {
			t.Errorf("%s: skip below = %v, want %v", tt.tenant, p.SkipBelow(), tt.skipBelow)
		}
		if p.ReviewThreshold() != tt.reviewBelow {
			t.Errorf("%s: review threshold = %v, want %v", tt.tenant, p.ReviewThreshold(), tt.reviewBelow)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VERITAS_REDIS_ADDR", "redis:6379")
	t.Setenv("VERITAS_DB_DSN", "postgres://x")
	t.Setenv("ANTHROPIC_API_KEY", "from-env")

	cfg, err := Parse([]byte(baseYAML), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Redis == nil || cfg.Redis.Addr != "redis:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.StorageDriverName() != "postgres" {
		t.Errorf("driver = %q, want postgres", cfg.StorageDriverName())
	}
	if cfg.Providers.Anthropic.APIKey != "from-env" {
		t.Errorf("api key = %q", cfg.Providers.Anthropic.APIKey)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing model", `{"providers":{"default":"openai","openai":{"api_key":"k"}}}`, "providers.openai.model"},
		{"unknown provider", `{"providers":{"default":"acme"}}`, "not supported"},
		{"bad driver", `{"providers":{"default":"ollama","ollama":{"model":"m"}},"storage":{"driver":"mongo"}}`, "storage.driver"},
		{"bad threshold", `{"providers":{"default":"ollama","ollama":{"model":"m"}},"tenants":{"default":{"auto_approval_threshold":1.5}}}`, "auto_approval_threshold"},
		{"redis cache without redis", `{"providers":{"default":"ollama","ollama":{"model":"m"}},"cache":{"backend":"redis"}}`, "cache.backend"},
		{"unknown channel type", `{"providers":{"default":"ollama","ollama":{"model":"m"}},"notifications":{"channels":[{"name":"ops","type":"pager"}]}}`, "not supported"},
		{"slack without channel", `{"providers":{"default":"ollama","ollama":{"model":"m"}},"notifications":{"channels":[{"name":"ops","type":"slack","config":{"bot_token":"t"}}]}}`, "config.channel_id"},
		{"unknown notify state", `{"providers":{"default":"ollama","ollama":{"model":"m"}},"notifications":{"on":["exploded"]}}`, "unknown state"},
		{"vault without token", `{"providers":{"default":"ollama","ollama":{"model":"m"}},"secrets":{"vault":{"address":"http://vault:8200"}}}`, "secrets.vault"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body), ".json")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "veritas.json")
	body := `{"data_dir":"` + dir + `","providers":{"default":"ollama","ollama":{"model":"llama3"}}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabasePath() != filepath.Join(dir, "veritas.db") {
		t.Errorf("DatabasePath() = %q", cfg.DatabasePath())
	}
	if cfg.AuditLogPath() != filepath.Join(dir, "audit.jsonl") {
		t.Errorf("AuditLogPath() = %q", cfg.AuditLogPath())
	}
}

func TestNotificationDefaults(t *testing.T) {
	var n *NotificationsConfig
	if got := n.States(); len(got) != 2 || got[0] != "awaiting_approval" || got[1] != "failed" {
		t.Errorf("default states = %v", got)
	}
	if n.Timeout() != 10*time.Second {
		t.Errorf("default timeout = %v", n.Timeout())
	}

	t.Setenv("VAULT_ADDR", "http://vault:8200")
	t.Setenv("VAULT_TOKEN", "root")
	cfg, err := Parse([]byte(`{"providers":{"default":"ollama","ollama":{"model":"m"}},"secrets":{"vault":{}}}`), ".json")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Secrets.Vault.Address != "http://vault:8200" || cfg.Secrets.Vault.Token != "root" {
		t.Errorf("vault env overrides not applied: %+v", cfg.Secrets.Vault)
	}
}

func TestExecutorSection(t *testing.T) {
	cfg, err := Parse([]byte(baseYAML+`
executor:
  collaborator: webhook
  webhook_secret: s3cret
  block_private_hosts: true
`), ".yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Executor.BlockPrivate {
		t.Error("block_private_hosts not parsed")
	}
	if cfg.Executor.Attempts() != 3 || cfg.Executor.Timeout() != 30*time.Second {
		t.Errorf("defaults = %d attempts, %v", cfg.Executor.Attempts(), cfg.Executor.Timeout())
	}
}
