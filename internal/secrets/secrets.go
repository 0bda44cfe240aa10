// Package secrets resolves API keys and credentials from HashiCorp Vault
// KV v2, falling back to the process environment when Vault is disabled.
// Secrets are read once per process and cached; rotation requires a
// restart.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"

	"ai-trading-engine/config"
)

// Secret names under the configured secret path.
const (
	SecretBinanceAPIKey    = "binance_api_key"
	SecretBinanceSecretKey = "binance_secret_key"
	SecretTelegramBotToken = "telegram_bot_token"
	SecretDiscordWebhook   = "discord_webhook_url"
	SecretDatabasePassword = "db_password"
	SecretRedisPassword    = "redis_password"
)

// Resolver reads engine secrets from one KV v2 path.
type Resolver struct {
	client *api.Client
	cfg    config.VaultConfig

	mu     sync.RWMutex
	loaded map[string]string
}

func NewResolver(cfg config.VaultConfig) (*Resolver, error) {
	r := &Resolver{cfg: cfg}
	if !cfg.Enabled {
		return r, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	r.client = client
	return r, nil
}

// Get resolves one secret by name. With Vault disabled the upper-cased
// name is looked up in the environment instead.
func (r *Resolver) Get(ctx context.Context, name string) (string, error) {
	if !r.cfg.Enabled {
		if v := os.Getenv(strings.ToUpper(name)); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("secret %s not found in environment", name)
	}

	values, err := r.load(ctx)
	if err != nil {
		return "", err
	}
	v, ok := values[name]
	if !ok || v == "" {
		return "", fmt.Errorf("secret %s not found at %s", name, r.dataPath())
	}
	return v, nil
}

// ApplyOverrides fills credential fields the config file and environment
// left empty. With Vault disabled this is a no-op: the environment was
// already consumed by config loading.
func (r *Resolver) ApplyOverrides(ctx context.Context, cfg *config.Config) error {
	if !r.cfg.Enabled {
		return nil
	}
	values, err := r.load(ctx)
	if err != nil {
		return err
	}

	fill := func(field *string, name string) {
		if *field == "" {
			if v, ok := values[name]; ok && v != "" {
				*field = v
			}
		}
	}

	fill(&cfg.BinanceConfig.APIKey, SecretBinanceAPIKey)
	fill(&cfg.BinanceConfig.SecretKey, SecretBinanceSecretKey)
	fill(&cfg.NotificationConfig.Telegram.BotToken, SecretTelegramBotToken)
	fill(&cfg.NotificationConfig.Discord.WebhookURL, SecretDiscordWebhook)
	fill(&cfg.DatabaseConfig.Password, SecretDatabasePassword)
	fill(&cfg.RedisConfig.Password, SecretRedisPassword)
	for i := range cfg.AIConfig.Providers {
		fill(&cfg.AIConfig.Providers[i].APIKey, cfg.AIConfig.Providers[i].ID+"_api_key")
	}
	return nil
}

// Health checks the Vault connection and seal state.
func (r *Resolver) Health(ctx context.Context) error {
	if !r.cfg.Enabled {
		return nil
	}
	health, err := r.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// load reads the whole secret map once and caches it.
func (r *Resolver) load(ctx context.Context) (map[string]string, error) {
	r.mu.RLock()
	if r.loaded != nil {
		defer r.mu.RUnlock()
		return r.loaded, nil
	}
	r.mu.RUnlock()

	secret, err := r.client.Logical().ReadWithContext(ctx, r.dataPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secrets at %s", r.dataPath())
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format at %s", r.dataPath())
	}

	values := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			values[k] = s
		}
	}

	r.mu.Lock()
	r.loaded = values
	r.mu.Unlock()
	return values, nil
}

// dataPath is the KV v2 read path: mount/data/secretPath.
func (r *Resolver) dataPath() string {
	return fmt.Sprintf("%s/data/%s", r.cfg.MountPath, r.cfg.SecretPath)
}
