package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/veritas/internal/domain"
)

// Webhook headers.
const (
	HeaderSignature   = "X-Veritas-Signature"
	HeaderTimestamp   = "X-Veritas-Timestamp"
	HeaderIdempotency = "Idempotency-Key"
)

// EndpointFunc resolves the webhook endpoint of a tenant.
type EndpointFunc func(tenantID string) string

// WebhookPayload is the body posted to the tenant endpoint.
type WebhookPayload struct {
	Operation   string         `json:"operation"` // "apply" or "revert".
	ExecutionID uuid.UUID      `json:"execution_id"`
	TenantID    string         `json:"tenant_id"`
	ActionType  string         `json:"action_type"`
	Parameters  map[string]any `json:"parameters"`
	Attempt     int            `json:"attempt"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Webhook posts actions to a per-tenant HTTP endpoint. Bodies are signed
// with HMAC-SHA256 when a secret is configured.
type Webhook struct {
	endpoint     EndpointFunc
	secret       []byte
	httpClient   *http.Client
	blockPrivate bool
	logger       *slog.Logger
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.httpClient = c }
}

// WithPrivateHostsBlocked rejects endpoints resolving to private or loopback addresses.
func WithPrivateHostsBlocked() WebhookOption {
	return func(w *Webhook) { w.blockPrivate = true }
}

// NewWebhook creates the webhook collaborator.
func NewWebhook(endpoint EndpointFunc, secret string, logger *slog.Logger, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		endpoint: endpoint,
		secret:   []byte(secret),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			// Redirects are not followed.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Apply(ctx context.Context, exec *domain.ActionExecution) error {
	return w.post(ctx, "apply", exec)
}

func (w *Webhook) Revert(ctx context.Context, exec *domain.ActionExecution) error {
	return w.post(ctx, "revert", exec)
}

func (w *Webhook) post(ctx context.Context, op string, exec *domain.ActionExecution) error {
	endpoint := w.endpoint(exec.TenantID)
	if endpoint == "" {
		return fmt.Errorf("%w: no webhook endpoint for tenant %s", ErrUnsupported, exec.TenantID)
	}
	if err := ValidateEndpoint(endpoint, w.blockPrivate); err != nil {
		return fmt.Errorf("webhook endpoint rejected: %w", err)
	}

	now := time.Now().UTC()
	body, err := json.Marshal(WebhookPayload{
		Operation:   op,
		ExecutionID: exec.ID,
		TenantID:    exec.TenantID,
		ActionType:  exec.ActionType,
		Parameters:  exec.Parameters,
		Attempt:     exec.Attempts,
		Timestamp:   now,
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Veritas-Executor/1.0")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderIdempotency, exec.ID.String()+":"+op)
	if len(w.secret) > 0 {
		req.Header.Set(HeaderSignature, "sha256="+Sign(w.secret, ts, body))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending webhook: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign.
func Verify(secret []byte, timestamp string, body []byte, header string) bool {
	want := "sha256=" + Sign(secret, timestamp, body)
	return hmac.Equal([]byte(want), []byte(header))
}

// ValidateEndpoint checks the scheme and, when blockPrivate is set, that the
// host resolves only to public addresses.
func ValidateEndpoint(rawURL string, blockPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if !blockPrivate {
		return nil
	}

	hostname := u.Hostname()
	if strings.EqualFold(hostname, "localhost") {
		return fmt.Errorf("loopback addresses not allowed")
	}
	ips, err := net.LookupHost(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}
