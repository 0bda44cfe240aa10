package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TradingConfig.Mode != ModePaper {
		t.Errorf("default mode = %q, want %q", cfg.TradingConfig.Mode, ModePaper)
	}
	if cfg.RiskConfig.MaxDailyLossPct != 0.03 {
		t.Errorf("default max daily loss = %v, want 0.03", cfg.RiskConfig.MaxDailyLossPct)
	}
	if cfg.AIConfig.ProviderTimeout != 30*time.Second {
		t.Errorf("default provider timeout = %v, want 30s", cfg.AIConfig.ProviderTimeout)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"trading": {"mode": "live", "venue": "binance"},
		"risk": {"risk_fraction": 0.02, "max_daily_loss_pct": 0.05}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	os.Setenv("TRADING_MODE", "paper")
	os.Setenv("RISK_MAX_DAILY_LOSS_PCT", "0.04")
	defer os.Unsetenv("TRADING_MODE")
	defer os.Unsetenv("RISK_MAX_DAILY_LOSS_PCT")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TradingConfig.Mode != ModePaper {
		t.Errorf("env override lost: mode = %q, want paper", cfg.TradingConfig.Mode)
	}
	if cfg.RiskConfig.RiskFraction != 0.02 {
		t.Errorf("file value lost: risk fraction = %v, want 0.02", cfg.RiskConfig.RiskFraction)
	}
	if cfg.RiskConfig.MaxDailyLossPct != 0.04 {
		t.Errorf("env override lost: max daily loss = %v, want 0.04", cfg.RiskConfig.MaxDailyLossPct)
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted malformed JSON")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.AIConfig.Providers = []ProviderConfig{
			{ID: "gemini", Kind: "gemini", Model: "gemini-1.5-flash", APIKey: "k"},
		}
		return cfg
	}

	tests := []struct {
		name     string
		mutate   func(*Config)
		wantCode string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"bad mode", func(c *Config) { c.TradingConfig.Mode = "backtest" }, CodeInvalidValue},
		{"no instruments", func(c *Config) { c.TradingConfig.Instruments = nil }, CodeInvalidValue},
		{"zero risk fraction", func(c *Config) { c.RiskConfig.RiskFraction = 0 }, CodeInvalidValue},
		{"risk fraction above one", func(c *Config) { c.RiskConfig.RiskFraction = 1.5 }, CodeInvalidValue},
		{"zero daily loss", func(c *Config) { c.RiskConfig.MaxDailyLossPct = 0 }, CodeInvalidValue},
		{"no concurrent positions", func(c *Config) { c.RiskConfig.MaxConcurrentPositions = 0 }, CodeInvalidValue},
		{"bad ai mode", func(c *Config) { c.AIConfig.Mode = "maybe" }, CodeInvalidValue},
		{"bad fallback policy", func(c *Config) { c.AIConfig.FallbackPolicy = "retry" }, CodeInvalidValue},
		{"ai enabled without providers", func(c *Config) { c.AIConfig.Providers = nil }, CodeInvalidValue},
		{"unknown provider kind", func(c *Config) { c.AIConfig.Providers[0].Kind = "bard" }, CodeInvalidValue},
		{"duplicate provider id", func(c *Config) {
			c.AIConfig.Providers = append(c.AIConfig.Providers, c.AIConfig.Providers[0])
		}, CodeInvalidValue},
		{"provider key missing without vault", func(c *Config) {
			c.AIConfig.Providers[0].APIKey = ""
			c.VaultConfig.Enabled = false
		}, CodeMissingSecret},
		{"provider key missing with vault ok", func(c *Config) {
			c.AIConfig.Providers[0].APIKey = ""
			c.VaultConfig.Enabled = true
		}, ""},
		{"live binance without key", func(c *Config) {
			c.TradingConfig.Mode = ModeLive
			c.BinanceConfig.APIKey = ""
		}, CodeMissingSecret},
		{"ai disabled skips provider checks", func(c *Config) {
			c.AIConfig.Enabled = false
			c.AIConfig.Providers = nil
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantCode == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			cfgErr, ok := err.(*ConfigError)
			if !ok {
				t.Fatalf("Validate() = %v (%T), want *ConfigError", err, err)
			}
			if cfgErr.Code != tt.wantCode {
				t.Errorf("Validate() code = %s, want %s", cfgErr.Code, tt.wantCode)
			}
		})
	}
}
