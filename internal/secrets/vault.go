package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jkaninda/veritas/internal/config"
)

const maxVaultResponse = 1 << 20

// Vault resolves vault://<kv-v2 path>#<field> references against HashiCorp
// Vault with token authentication. Without a field selector the whole data
// map is returned as JSON.
type Vault struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVault creates a Vault resolver. Environment overrides are already
// applied by config.Load.
func NewVault(cfg *config.VaultConfig) (*Vault, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Vault{
		address:   strings.TrimRight(cfg.Address, "/"),
		token:     cfg.Token,
		namespace: cfg.Namespace,
		client:    &http.Client{Timeout: cfg.Timeout(), Transport: transport},
	}, nil
}

func (v *Vault) Scheme() string { return "vault" }

func (v *Vault) Resolve(ctx context.Context, ref string) (string, error) {
	path, field, _ := strings.Cut(ref, "#")
	if path == "" {
		return "", fmt.Errorf("%w: empty vault path", ErrNotFound)
	}

	data, err := v.read(ctx, path)
	if err != nil {
		return "", err
	}

	if field == "" {
		b, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("encoding vault data: %w", err)
		}
		return string(b), nil
	}

	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q not found in vault path %q", ErrNotFound, field, path)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("vault field %q in path %q is not a string", field, path)
	}
	return s, nil
}

// read fetches the data map of a KV v2 secret.
func (v *Vault) read(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.address+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)
	if v.namespace != "" {
		req.Header.Set("X-Vault-Namespace", v.namespace)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVaultResponse))
	if err != nil {
		return nil, fmt.Errorf("reading vault response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied for path %q", path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}
	if envelope.Data.Data == nil {
		return nil, fmt.Errorf("%w: vault path %q returned no data", ErrNotFound, path)
	}
	return envelope.Data.Data, nil
}
