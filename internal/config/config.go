// Package config handles loading and validating Veritas configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Veritas.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.veritas/data. Override: VERITAS_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default under data_dir
	Redis         *RedisConfig         `json:"redis,omitempty" yaml:"redis,omitempty"`       // nil = in-process counters, cache and queue
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Pricing       map[string]Price     `json:"pricing,omitempty" yaml:"pricing,omitempty"` // Keyed by model name.
	Breaker       BreakerConfig        `json:"breaker" yaml:"breaker"`
	Cache         CacheConfig          `json:"cache" yaml:"cache"`
	Embedding     *EmbeddingConfig     `json:"embedding,omitempty" yaml:"embedding,omitempty"` // nil = semantic cache disabled
	Reasoning     ReasoningConfig      `json:"reasoning" yaml:"reasoning"`
	Tenants       TenantsConfig        `json:"tenants" yaml:"tenants"`
	Executor      ExecutorConfig       `json:"executor" yaml:"executor"`
	Workers       WorkersConfig        `json:"workers" yaml:"workers"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Notifications *NotificationsConfig `json:"notifications,omitempty" yaml:"notifications,omitempty"` // nil = no operator notifications
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = only env:// references resolve
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/veritas.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: VERITAS_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// RedisConfig enables Redis-backed budget counters, rate limits, exact cache and job queue.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"` // Override: VERITAS_REDIS_ADDR env var.
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"` // Default: "veritas"
}

// Prefix returns the key namespace.
func (r *RedisConfig) Prefix() string {
	if r != nil && r.KeyPrefix != "" {
		return r.KeyPrefix
	}
	return "veritas"
}

// ProvidersConfig selects the primary provider and its fallback chain.
type ProvidersConfig struct {
	Default        string          `json:"default" yaml:"default"`                       // "anthropic", "openai", "gemini", "ollama". Empty = "anthropic".
	Fallback       []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Tried in order when the primary fails or its circuit is open.
	TimeoutSeconds int             `json:"timeout_seconds" yaml:"timeout_seconds"`       // Hard per-call deadline. Default: 30.
	MaxRetries     int             `json:"max_retries" yaml:"max_retries"`               // Retries per provider for transient errors. Default: 2.
	MaxTokens      int             `json:"max_tokens" yaml:"max_tokens"`                 // Completion cap. Default: 1024.
	Anthropic      AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI         OpenAIConfig    `json:"openai" yaml:"openai"`
	Gemini         GeminiConfig    `json:"gemini" yaml:"gemini"`
	Ollama         OllamaConfig    `json:"ollama" yaml:"ollama"`
}

// Chain returns the primary provider followed by the fallbacks, without duplicates.
func (p ProvidersConfig) Chain() []string {
	seen := map[string]bool{}
	var out []string
	for _, name := range append([]string{p.Default}, p.Fallback...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// Timeout returns the per-call deadline.
func (p ProvidersConfig) Timeout() time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// Retries returns the retry cap for transient failures.
func (p ProvidersConfig) Retries() int {
	if p.MaxRetries > 0 {
		return p.MaxRetries
	}
	return 2
}

// CompletionTokens returns the max output tokens requested per call.
func (p ProvidersConfig) CompletionTokens() int {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	return 1024
}

// ModelFor returns the configured model of a provider name.
func (p ProvidersConfig) ModelFor(name string) string {
	switch name {
	case "anthropic":
		return p.Anthropic.Model
	case "openai":
		return p.OpenAI.Model
	case "gemini":
		return p.Gemini.Model
	case "ollama":
		return p.Ollama.Model
	}
	return ""
}

type AnthropicConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Optional. Defaults to https://api.anthropic.com.
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://generativelanguage.googleapis.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// Price is the per-million-token cost of a model in USD.
type Price struct {
	InputPerMTok  float64 `json:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok"`
}

// BreakerConfig configures the per-(tenant, provider) circuit breaker.
type BreakerConfig struct {
	FailureThreshold     int `json:"failure_threshold" yaml:"failure_threshold"`           // Default: 5
	FailureWindowSeconds int `json:"failure_window_seconds" yaml:"failure_window_seconds"` // Default: 60
	CooldownSeconds      int `json:"cooldown_seconds" yaml:"cooldown_seconds"`             // Default: 30
}

// Threshold returns the consecutive-failure count that opens a circuit.
func (b BreakerConfig) Threshold() int {
	if b.FailureThreshold > 0 {
		return b.FailureThreshold
	}
	return 5
}

// Window returns the span within which failures count as consecutive.
func (b BreakerConfig) Window() time.Duration {
	if b.FailureWindowSeconds > 0 {
		return time.Duration(b.FailureWindowSeconds) * time.Second
	}
	return time.Minute
}

// Cooldown returns how long an open circuit rejects calls.
func (b BreakerConfig) Cooldown() time.Duration {
	if b.CooldownSeconds > 0 {
		return time.Duration(b.CooldownSeconds) * time.Second
	}
	return 30 * time.Second
}

// CacheConfig configures both cache tiers.
type CacheConfig struct {
	Backend              string `json:"backend" yaml:"backend"`                                 // Exact tier: "memory" (default) or "redis".
	ExactTTLSeconds      int    `json:"exact_ttl_seconds" yaml:"exact_ttl_seconds"`             // Default: 3600
	ExactMaxEntries      int    `json:"exact_max_entries" yaml:"exact_max_entries"`             // Default: 10000
	SemanticTTLSeconds   int    `json:"semantic_ttl_seconds" yaml:"semantic_ttl_seconds"`       // Default: 86400
	SemanticMaxPerTenant int    `json:"semantic_max_per_tenant" yaml:"semantic_max_per_tenant"` // Default: 1000
	PurgeSchedule        string `json:"purge_schedule" yaml:"purge_schedule"`                   // Cron spec. Default: "@every 10m"
}

func (c CacheConfig) ExactTTL() time.Duration {
	if c.ExactTTLSeconds > 0 {
		return time.Duration(c.ExactTTLSeconds) * time.Second
	}
	return time.Hour
}

func (c CacheConfig) ExactSize() int {
	if c.ExactMaxEntries > 0 {
		return c.ExactMaxEntries
	}
	return 10000
}

func (c CacheConfig) SemanticTTL() time.Duration {
	if c.SemanticTTLSeconds > 0 {
		return time.Duration(c.SemanticTTLSeconds) * time.Second
	}
	return 24 * time.Hour
}

func (c CacheConfig) SemanticSize() int {
	if c.SemanticMaxPerTenant > 0 {
		return c.SemanticMaxPerTenant
	}
	return 1000
}

func (c CacheConfig) Purge() string {
	if c.PurgeSchedule != "" {
		return c.PurgeSchedule
	}
	return "@every 10m"
}

// EmbeddingConfig configures the embedding collaborator used by the semantic cache.
type EmbeddingConfig struct {
	Model     string `json:"model" yaml:"model"`         // e.g. "text-embedding-3-small"
	Dimension int    `json:"dimension" yaml:"dimension"` // Must match the model output.
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey    string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Default: providers.openai.api_key
}

// ReasoningConfig tunes the orchestrator and the validator.
type ReasoningConfig struct {
	TemplateID          string  `json:"template_id" yaml:"template_id"`                         // Default: "explain"
	TemplateVersion     string  `json:"template_version" yaml:"template_version"`               // Default: "v1"
	EstimatedOutputToks int     `json:"estimated_output_tokens" yaml:"estimated_output_tokens"` // Default: providers.max_tokens
	SupportThreshold    float64 `json:"support_threshold" yaml:"support_threshold"`             // Content-word overlap for a supported claim. Default: 0.5
}

func (r ReasoningConfig) Template() (string, string) {
	id, ver := r.TemplateID, r.TemplateVersion
	if id == "" {
		id = "explain"
	}
	if ver == "" {
		ver = "v1"
	}
	return id, ver
}

func (r ReasoningConfig) Support() float64 {
	if r.SupportThreshold > 0 {
		return r.SupportThreshold
	}
	return 0.5
}

// TenantsConfig holds the default policy and per-tenant overrides.
type TenantsConfig struct {
	Default   TenantPolicy            `json:"default" yaml:"default"`
	Overrides map[string]TenantPolicy `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// TenantPolicy is the cost, review and automation policy of one tenant.
// Zero-valued fields of an override inherit from the default policy.
// Pointer fields inherit only when unset, so an explicit 0 or false applies.
type TenantPolicy struct {
	DailyBudgetUSD        float64  `json:"daily_budget_usd" yaml:"daily_budget_usd"`                                 // Default: 50
	SkipImpactBelow       *float64 `json:"skip_impact_below,omitempty" yaml:"skip_impact_below,omitempty"`           // Default: 0.2
	HumanReviewThreshold  *float64 `json:"human_review_threshold,omitempty" yaml:"human_review_threshold,omitempty"` // Default: 0.6
	SemanticThreshold     float64  `json:"semantic_threshold" yaml:"semantic_threshold"`                             // Cosine similarity. Default: 0.92
	AutomationEnabled     *bool    `json:"automation_enabled,omitempty" yaml:"automation_enabled,omitempty"`         // Default: false
	AutoApprovalThreshold float64  `json:"auto_approval_threshold" yaml:"auto_approval_threshold"`                   // Default: 0.9
	MaxActionsPerHour     int      `json:"max_actions_per_hour" yaml:"max_actions_per_hour"`                         // Default: 20
	MaxActionsPerDay      int      `json:"max_actions_per_day" yaml:"max_actions_per_day"`                           // Default: 100
	AllowedActions        []string `json:"allowed_actions,omitempty" yaml:"allowed_actions,omitempty"`               // Empty = all kinds.
	RedactFields          []string `json:"redact_fields,omitempty" yaml:"redact_fields,omitempty"`
	ApprovalTTLSeconds    int      `json:"approval_ttl_seconds" yaml:"approval_ttl_seconds"`   // Default: 86400
	StaleApproval         string   `json:"stale_approval" yaml:"stale_approval"`               // "reject" (default) or "auto_approve".
	WebhookURL            string   `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"` // Webhook collaborator endpoint.
}

// Automation reports whether auto-approval is enabled.
func (p TenantPolicy) Automation() bool {
	return p.AutomationEnabled != nil && *p.AutomationEnabled
}

// SkipBelow returns the impact score under which reasoning is templated.
func (p TenantPolicy) SkipBelow() float64 {
	if p.SkipImpactBelow == nil {
		return 0
	}
	return *p.SkipImpactBelow
}

// ReviewThreshold returns the confidence under which a response is reviewed.
func (p TenantPolicy) ReviewThreshold() float64 {
	if p.HumanReviewThreshold == nil {
		return 0
	}
	return *p.HumanReviewThreshold
}

// ApprovalTTL returns how long an approval ticket stays open.
func (p TenantPolicy) ApprovalTTL() time.Duration {
	if p.ApprovalTTLSeconds > 0 {
		return time.Duration(p.ApprovalTTLSeconds) * time.Second
	}
	return 24 * time.Hour
}

// Allows reports whether an action kind is on the tenant allow-list.
func (p TenantPolicy) Allows(kind string) bool {
	if len(p.AllowedActions) == 0 {
		return true
	}
	for _, k := range p.AllowedActions {
		if k == kind {
			return true
		}
	}
	return false
}

// AutoApproveStale reports whether expired low-impact tickets auto-approve.
func (p TenantPolicy) AutoApproveStale() bool {
	return p.StaleApproval == "auto_approve"
}

var defaultPolicy = TenantPolicy{
	DailyBudgetUSD:        50,
	SkipImpactBelow:       new(0.2),
	HumanReviewThreshold:  new(0.6),
	SemanticThreshold:     0.92,
	AutoApprovalThreshold: 0.9,
	MaxActionsPerHour:     20,
	MaxActionsPerDay:      100,
	ApprovalTTLSeconds:    86400,
	StaleApproval:         "reject",
}

// For returns the effective policy of a tenant.
func (t TenantsConfig) For(tenantID string) TenantPolicy {
	p := overlay(defaultPolicy, t.Default)
	if o, ok := t.Overrides[tenantID]; ok {
		p = overlay(p, o)
	}
	return p
}

func overlay(base, o TenantPolicy) TenantPolicy {
	if o.DailyBudgetUSD > 0 {
		base.DailyBudgetUSD = o.DailyBudgetUSD
	}
	if o.SkipImpactBelow != nil {
		base.SkipImpactBelow = o.SkipImpactBelow
	}
	if o.HumanReviewThreshold != nil {
		base.HumanReviewThreshold = o.HumanReviewThreshold
	}
	if o.SemanticThreshold > 0 {
		base.SemanticThreshold = o.SemanticThreshold
	}
	if o.AutomationEnabled != nil {
		base.AutomationEnabled = o.AutomationEnabled
	}
	if o.AutoApprovalThreshold > 0 {
		base.AutoApprovalThreshold = o.AutoApprovalThreshold
	}
	if o.MaxActionsPerHour > 0 {
		base.MaxActionsPerHour = o.MaxActionsPerHour
	}
	if o.MaxActionsPerDay > 0 {
		base.MaxActionsPerDay = o.MaxActionsPerDay
	}
	if len(o.AllowedActions) > 0 {
		base.AllowedActions = o.AllowedActions
	}
	if len(o.RedactFields) > 0 {
		base.RedactFields = o.RedactFields
	}
	if o.ApprovalTTLSeconds > 0 {
		base.ApprovalTTLSeconds = o.ApprovalTTLSeconds
	}
	if o.StaleApproval != "" {
		base.StaleApproval = o.StaleApproval
	}
	if o.WebhookURL != "" {
		base.WebhookURL = o.WebhookURL
	}
	return base
}

// ExecutorConfig selects the collaborator that applies approved actions.
type ExecutorConfig struct {
	Collaborator   string             `json:"collaborator" yaml:"collaborator"`       // "dryrun" (default), "webhook" or "sql".
	MaxAttempts    int                `json:"max_attempts" yaml:"max_attempts"`       // Default: 3
	TimeoutSeconds int                `json:"timeout_seconds" yaml:"timeout_seconds"` // Per attempt. Default: 30
	WebhookSecret  string             `json:"webhook_secret,omitempty" yaml:"webhook_secret,omitempty"`
	BlockPrivate   bool               `json:"block_private_hosts,omitempty" yaml:"block_private_hosts,omitempty"` // Refuse webhook targets on private networks.
	SQL            *SQLExecutorConfig `json:"sql,omitempty" yaml:"sql,omitempty"`
}

func (e ExecutorConfig) Attempts() int {
	if e.MaxAttempts > 0 {
		return e.MaxAttempts
	}
	return 3
}

func (e ExecutorConfig) Timeout() time.Duration {
	if e.TimeoutSeconds > 0 {
		return time.Duration(e.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// SQLExecutorConfig maps action kinds to statements run against the tenant database.
// Statements use named parameters (:sku) bound from the action parameters.
type SQLExecutorConfig struct {
	DSN        string                  `json:"dsn" yaml:"dsn"`
	Statements map[string]SQLStatement `json:"statements" yaml:"statements"`
}

type SQLStatement struct {
	Apply  string `json:"apply" yaml:"apply"`
	Revert string `json:"revert,omitempty" yaml:"revert,omitempty"`
}

// WorkersConfig configures the job queue and its worker pool.
type WorkersConfig struct {
	Concurrency int    `json:"concurrency" yaml:"concurrency"` // Default: 4
	Queue       string `json:"queue" yaml:"queue"`             // "memory" (default) or "redis".
	QueueSize   int    `json:"queue_size" yaml:"queue_size"`   // In-memory buffer. Default: 256
}

func (w WorkersConfig) Workers() int {
	if w.Concurrency > 0 {
		return w.Concurrency
	}
	return 4
}

func (w WorkersConfig) Buffer() int {
	if w.QueueSize > 0 {
		return w.QueueSize
	}
	return 256
}

// ApprovalConfig configures the ticket expiry sweeper.
type ApprovalConfig struct {
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule"` // Cron spec. Default: "@every 1m"
}

func (a ApprovalConfig) Sweep() string {
	if a.SweepSchedule != "" {
		return a.SweepSchedule
	}
	return "@every 1m"
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "veritas"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB    bool `json:"include_db" yaml:"include_db"`
	IncludeRedis bool `json:"include_redis" yaml:"include_redis"`
}

// NotificationsConfig routes execution transitions to operator channels.
type NotificationsConfig struct {
	On             []string              `json:"on,omitempty" yaml:"on,omitempty"`       // Target states that notify. Default: awaiting_approval, failed.
	TimeoutSeconds int                   `json:"timeout_seconds" yaml:"timeout_seconds"` // Per delivery. Default: 10
	Channels       []NotificationChannel `json:"channels" yaml:"channels"`
}

// States returns the execution states that trigger a notification.
func (n *NotificationsConfig) States() []string {
	if n != nil && len(n.On) > 0 {
		return n.On
	}
	return []string{"awaiting_approval", "failed"}
}

// Timeout returns the per-delivery deadline.
func (n *NotificationsConfig) Timeout() time.Duration {
	if n != nil && n.TimeoutSeconds > 0 {
		return time.Duration(n.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// NotificationChannel is one delivery target.
type NotificationChannel struct {
	Name    string            `json:"name" yaml:"name"`
	Type    string            `json:"type" yaml:"type"`                           // "slack", "telegram" or "webhook".
	Tenants []string          `json:"tenants,omitempty" yaml:"tenants,omitempty"` // Empty = every tenant.
	Config  map[string]string `json:"config" yaml:"config"`                       // Type-specific. Values may be env:// or vault:// references.
}

// SecretsConfig configures the backends that resolve credential references.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultConfig configures the HashiCorp Vault KV v2 resolver.
type VaultConfig struct {
	Address        string `json:"address" yaml:"address"`                 // Override: VAULT_ADDR env var.
	Token          string `json:"token,omitempty" yaml:"token,omitempty"` // Override: VAULT_TOKEN env var.
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 5
	TLSSkipVerify  bool   `json:"tls_skip_verify" yaml:"tls_skip_verify"`
}

// Timeout returns the Vault request deadline.
func (v *VaultConfig) Timeout() time.Duration {
	if v != nil && v.TimeoutSeconds > 0 {
		return time.Duration(v.TimeoutSeconds) * time.Second
	}
	return 5 * time.Second
}

// GatewaysConfig configures the operator surfaces.
type GatewaysConfig struct {
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"`
	MCP  *MCPGatewayConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// HTTPGatewayConfig configures the REST API.
type HTTPGatewayConfig struct {
	ListenAddr string               `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	APIKeys    map[string]Principal `json:"api_keys" yaml:"api_keys"`       // API key -> principal.
	RateLimit  *RateLimitConfig     `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// Principal is the identity bound to an API key.
type Principal struct {
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
	UserID   string `json:"user_id" yaml:"user_id"`
}

// RateLimitConfig configures per-principal request limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // Default: 60
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: 10
}

// MCPGatewayConfig binds the stdio MCP server to one principal.
type MCPGatewayConfig struct {
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
	UserID   string `json:"user_id" yaml:"user_id"` // Recorded as the approval actor. Default: "mcp"
}

// DefaultConfigPath returns the default config file path (~/.veritas/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/veritas.yaml"
	}
	return filepath.Join(home, ".veritas", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Provider API keys, the database DSN and the Redis address can be overridden
// by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes raw config bytes, applies environment overrides and validates.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".veritas", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv("VERITAS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("VERITAS_REDIS_ADDR"); v != "" {
		if c.Redis == nil {
			c.Redis = &RedisConfig{}
		}
		c.Redis.Addr = v
	}
	if v := os.Getenv("VERITAS_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if c.Secrets != nil && c.Secrets.Vault != nil {
		v := c.Secrets.Vault
		if env := os.Getenv("VAULT_ADDR"); env != "" {
			v.Address = env
		}
		if env := os.Getenv("VAULT_TOKEN"); env != "" {
			v.Token = env
		}
		if env := os.Getenv("VAULT_NAMESPACE"); env != "" {
			v.Namespace = env
		}
	}
	if c.Embedding != nil && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = c.Providers.OpenAI.APIKey
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".veritas", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "veritas.db")
}

// AuditLogPath returns the JSONL audit mirror path under the data directory.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "anthropic"
	}
	for _, name := range c.Providers.Chain() {
		if err := c.validateProvider(name); err != nil {
			return err
		}
	}
	for model, p := range c.Pricing {
		if p.InputPerMTok < 0 || p.OutputPerMTok < 0 {
			return fmt.Errorf("pricing.%s must not be negative", model)
		}
	}
	switch c.StorageDriverName() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set VERITAS_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or memory)", c.Storage.Driver)
	}
	if c.Redis != nil && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is configured")
	}
	if c.Cache.Backend == "redis" && c.Redis == nil {
		return fmt.Errorf("cache.backend=redis requires redis to be configured")
	}
	if c.Workers.Queue == "redis" && c.Redis == nil {
		return fmt.Errorf("workers.queue=redis requires redis to be configured")
	}
	if c.Embedding != nil {
		if c.Embedding.Model == "" || c.Embedding.Dimension <= 0 {
			return fmt.Errorf("embedding.model and embedding.dimension are required")
		}
	}
	if err := validatePolicy("tenants.default", c.Tenants.For("")); err != nil {
		return err
	}
	for id := range c.Tenants.Overrides {
		if err := validatePolicy("tenants.overrides."+id, c.Tenants.For(id)); err != nil {
			return err
		}
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if c.Secrets != nil && c.Secrets.Vault != nil {
		if c.Secrets.Vault.Address == "" || c.Secrets.Vault.Token == "" {
			return fmt.Errorf("secrets.vault.address and token are required (set VAULT_ADDR and VAULT_TOKEN)")
		}
	}
	switch c.Executor.Collaborator {
	case "", "dryrun", "webhook":
	case "sql":
		if c.Executor.SQL == nil || c.Executor.SQL.DSN == "" {
			return fmt.Errorf("executor.sql.dsn is required for the sql collaborator")
		}
	default:
		return fmt.Errorf("executor.collaborator %q is not supported (use dryrun, webhook or sql)", c.Executor.Collaborator)
	}
	return nil
}

func (c *Config) validateNotifications() error {
	n := c.Notifications
	if n == nil {
		return nil
	}
	for _, state := range n.States() {
		switch state {
		case "pending", "auto_approved", "awaiting_approval", "approved", "rejected",
			"executing", "completed", "failed", "rolled_back":
		default:
			return fmt.Errorf("notifications.on: unknown state %q", state)
		}
	}
	seen := map[string]bool{}
	for i, ch := range n.Channels {
		if ch.Name == "" {
			return fmt.Errorf("notifications.channels[%d].name is required", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("notifications.channels: duplicate name %q", ch.Name)
		}
		seen[ch.Name] = true

		var required []string
		switch ch.Type {
		case "slack":
			required = []string{"bot_token", "channel_id"}
		case "telegram":
			required = []string{"bot_token", "chat_id"}
		case "webhook":
			required = []string{"url"}
		default:
			return fmt.Errorf("notifications.channels.%s: type %q is not supported (use slack, telegram or webhook)", ch.Name, ch.Type)
		}
		for _, key := range required {
			if ch.Config[key] == "" {
				return fmt.Errorf("notifications.channels.%s.config.%s is required", ch.Name, key)
			}
		}
	}
	return nil
}

func validatePolicy(path string, p TenantPolicy) error {
	for name, v := range map[string]float64{
		"human_review_threshold":  p.ReviewThreshold(),
		"semantic_threshold":      p.SemanticThreshold,
		"auto_approval_threshold": p.AutoApprovalThreshold,
		"skip_impact_below":       p.SkipBelow(),
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s.%s must be within [0,1]", path, name)
		}
	}
	switch p.StaleApproval {
	case "reject", "auto_approve":
	default:
		return fmt.Errorf("%s.stale_approval must be reject or auto_approve", path)
	}
	return nil
}

// validateProvider checks that a provider in the chain has the required fields.
func (c *Config) validateProvider(name string) error {
	switch name {
	case "anthropic":
		if c.Providers.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "gemini":
		if c.Providers.Gemini.Model == "" {
			return fmt.Errorf("providers.gemini.model is required")
		}
		if c.Providers.Gemini.APIKey == "" {
			return fmt.Errorf("providers.gemini.api_key is required (set GEMINI_API_KEY env var)")
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	default:
		return fmt.Errorf("provider %q is not supported (use anthropic, openai, gemini, or ollama)", name)
	}
	return nil
}
