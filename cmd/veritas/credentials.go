package main

import (
	"context"
	"fmt"

	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/secrets"
)

// resolveCredentials replaces env:// and vault:// references in credential
// fields with their values. It runs once, before any collaborator is built.
func resolveCredentials(ctx context.Context, cfg *config.Config) error {
	resolvers := []secrets.Resolver{secrets.NewEnv()}
	if cfg.Secrets != nil && cfg.Secrets.Vault != nil {
		v, err := secrets.NewVault(cfg.Secrets.Vault)
		if err != nil {
			return fmt.Errorf("initializing vault: %w", err)
		}
		resolvers = append(resolvers, v)
	}
	chain := secrets.NewChain(resolvers...)

	fields := map[string]*string{
		"providers.anthropic.api_key": &cfg.Providers.Anthropic.APIKey,
		"providers.openai.api_key":    &cfg.Providers.OpenAI.APIKey,
		"providers.gemini.api_key":    &cfg.Providers.Gemini.APIKey,
		"executor.webhook_secret":     &cfg.Executor.WebhookSecret,
		"tenants.default.webhook_url": &cfg.Tenants.Default.WebhookURL,
	}
	if cfg.Embedding != nil {
		fields["embedding.api_key"] = &cfg.Embedding.APIKey
	}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		fields["storage.postgres.dsn"] = &cfg.Storage.Postgres.DSN
	}
	if cfg.Redis != nil {
		fields["redis.password"] = &cfg.Redis.Password
	}
	if cfg.Executor.SQL != nil {
		fields["executor.sql.dsn"] = &cfg.Executor.SQL.DSN
	}

	// Map values are not addressable: expand copies, then write them back.
	overrides := make(map[string]*config.TenantPolicy, len(cfg.Tenants.Overrides))
	for id, p := range cfg.Tenants.Overrides {
		overrides[id] = &p
		fields["tenants.overrides."+id+".webhook_url"] = &p.WebhookURL
	}
	channels := make(map[string]map[string]*string)
	if cfg.Notifications != nil {
		for _, ch := range cfg.Notifications.Channels {
			values := make(map[string]*string, len(ch.Config))
			for k, v := range ch.Config {
				values[k] = &v
				fields["notifications."+ch.Name+"."+k] = &v
			}
			channels[ch.Name] = values
		}
	}

	if err := chain.Expand(ctx, fields); err != nil {
		return err
	}

	for id, p := range overrides {
		cfg.Tenants.Overrides[id] = *p
	}
	if cfg.Notifications != nil {
		for _, ch := range cfg.Notifications.Channels {
			for k, v := range channels[ch.Name] {
				ch.Config[k] = *v
			}
		}
	}
	return nil
}
