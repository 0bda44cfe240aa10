// Package config loads engine configuration from an optional JSON file with
// environment variable overrides. Validation runs once at startup; a failed
// validation halts the process before any trading begins.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Trading modes selected by the CLI surface.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// AI decision modes.
const (
	AIModeAdvisory = "advisory" // analysis informs sizing only
	AIModeVeto     = "veto"     // low confidence rejects the signal
)

// Fallback policies when every AI provider is unavailable.
const (
	FallbackReject     = "reject"
	FallbackSignalOnly = "signal_only"
)

type Config struct {
	TradingConfig      TradingConfig      `json:"trading"`
	EngineConfig       EngineConfig       `json:"engine"`
	RiskConfig         RiskConfig         `json:"risk"`
	AIConfig           AIConfig           `json:"ai"`
	BinanceConfig      BinanceConfig      `json:"binance"`
	PaperConfig        PaperConfig        `json:"paper"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	NotificationConfig NotificationConfig `json:"notification"`
	ServerConfig       ServerConfig       `json:"server"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	InstrumentRules    []InstrumentRule   `json:"instrument_rules"`
}

// TradingConfig selects the mode, venue and tradable universe for the
// session. Signals for instruments outside the list are refused at intake.
type TradingConfig struct {
	Mode        string   `json:"mode"`  // "paper" or "live"
	Venue       string   `json:"venue"` // connector name, e.g. "binance"
	Instruments []string `json:"instruments"`
}

// EngineConfig tunes the signal lifecycle machinery.
type EngineConfig struct {
	Workers            int           `json:"workers"`              // instrument shard workers
	QueueSize          int           `json:"queue_size"`           // per-worker signal queue
	AnalysisTimeout    time.Duration `json:"analysis_timeout"`     // cap on the whole failover chain
	SubmitMaxAttempts  int           `json:"submit_max_attempts"`  // transient connector retries
	SubmitBackoff      time.Duration `json:"submit_backoff"`       // initial backoff, doubles per attempt
	SnapshotInterval   time.Duration `json:"snapshot_interval"`    // periodic crash-recovery snapshots
	ReconcileOnStartup bool          `json:"reconcile_on_startup"` // resolve in-flight orders from the venue
}

// RiskConfig maps directly onto the immutable risk limits.
type RiskConfig struct {
	RiskFraction           float64 `json:"risk_fraction"`         // equity fraction at risk per trade
	MaxPositionSizePct     float64 `json:"max_position_size_pct"` // notional cap as fraction of equity
	MaxDailyLossPct        float64 `json:"max_daily_loss_pct"`    // daily loss fraction that trips the breaker
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
	FailureTripThreshold   int     `json:"failure_trip_threshold"` // consecutive failed submissions
	MinConfidence          float64 `json:"min_confidence"`
	AllowReversal          bool    `json:"allow_reversal"`
}

// ProviderConfig describes one AI backend in the failover chain, in priority
// order of appearance.
type ProviderConfig struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"` // "gemini", "openai", or "groq"
	Model  string `json:"model"`
	APIKey string `json:"api_key"`
}

// AIConfig holds the failover chain and analysis policy.
type AIConfig struct {
	Enabled           bool             `json:"enabled"`
	Mode              string           `json:"mode"`            // "advisory" or "veto"
	FallbackPolicy    string           `json:"fallback_policy"` // "reject" or "signal_only"
	Providers         []ProviderConfig `json:"providers"`
	ProviderTimeout   time.Duration    `json:"provider_timeout"`
	FailureThreshold  int              `json:"failure_threshold"` // consecutive failures opening a circuit
	CircuitCooldown   time.Duration    `json:"circuit_cooldown"`  // provider circuit reopen window
	CacheTTL          time.Duration    `json:"cache_ttl"`
	RequestsPerMinute int              `json:"requests_per_minute"`
}

type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	WSBaseURL string `json:"ws_base_url"`
	TestNet   bool   `json:"testnet"`
}

// PaperConfig tunes the simulated fill generator.
type PaperConfig struct {
	StartingEquity float64       `json:"starting_equity"`
	SlippageBps    float64       `json:"slippage_bps"` // basis points applied against the taker
	FillDelay      time.Duration `json:"fill_delay"`
	TickInterval   time.Duration `json:"tick_interval"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration for secret resolution.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // path prefix for engine secrets
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// ServerConfig holds the control API server configuration.
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // seconds
	WriteTimeout    int    `json:"write_timeout"`    // seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// InstrumentRule is the configured fallback for venues that do not expose
// lot rules (the paper connector, forex venues without a discovery call).
type InstrumentRule struct {
	Instrument  string  `json:"instrument"`
	MinQty      float64 `json:"min_qty"`
	MaxQty      float64 `json:"max_qty"`
	QtyStep     float64 `json:"qty_step"`
	MinNotional float64 `json:"min_notional"`
}

// Load reads the config file at path (optional), applies environment
// overrides, and returns the result. Defaults are applied first so a
// missing file still yields a runnable paper-mode configuration.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		TradingConfig: TradingConfig{
			Mode:        ModePaper,
			Venue:       "binance",
			Instruments: []string{"BTCUSDT"},
		},
		EngineConfig: EngineConfig{
			Workers:            4,
			QueueSize:          64,
			AnalysisTimeout:    45 * time.Second,
			SubmitMaxAttempts:  3,
			SubmitBackoff:      500 * time.Millisecond,
			SnapshotInterval:   30 * time.Second,
			ReconcileOnStartup: true,
		},
		RiskConfig: RiskConfig{
			RiskFraction:           0.01,
			MaxPositionSizePct:     0.05,
			MaxDailyLossPct:        0.03,
			MaxConcurrentPositions: 5,
			FailureTripThreshold:   3,
			MinConfidence:          0.7,
			AllowReversal:          false,
		},
		AIConfig: AIConfig{
			Enabled:           true,
			Mode:              AIModeVeto,
			FallbackPolicy:    FallbackReject,
			ProviderTimeout:   30 * time.Second,
			FailureThreshold:  3,
			CircuitCooldown:   5 * time.Minute,
			CacheTTL:          5 * time.Minute,
			RequestsPerMinute: 20,
		},
		BinanceConfig: BinanceConfig{
			BaseURL:   "https://api.binance.com",
			WSBaseURL: "wss://stream.binance.com:9443",
		},
		PaperConfig: PaperConfig{
			StartingEquity: 10000,
			SlippageBps:    2,
			FillDelay:      50 * time.Millisecond,
			TickInterval:   time.Second,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trading_engine",
			Database: "trading_engine",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "trading-engine/keys",
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Port:            8088,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		LoggingConfig: LoggingConfig{
			Level: "info",
		},
	}
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.TradingConfig.Mode = getEnvOrDefault("TRADING_MODE", cfg.TradingConfig.Mode)
	cfg.TradingConfig.Venue = getEnvOrDefault("TRADING_VENUE", cfg.TradingConfig.Venue)
	if raw := os.Getenv("TRADING_INSTRUMENTS"); raw != "" {
		var instruments []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				instruments = append(instruments, s)
			}
		}
		if len(instruments) > 0 {
			cfg.TradingConfig.Instruments = instruments
		}
	}

	cfg.EngineConfig.Workers = getEnvIntOrDefault("ENGINE_WORKERS", cfg.EngineConfig.Workers)
	cfg.EngineConfig.AnalysisTimeout = getEnvDurationOrDefault("ENGINE_ANALYSIS_TIMEOUT", cfg.EngineConfig.AnalysisTimeout)
	cfg.EngineConfig.SubmitMaxAttempts = getEnvIntOrDefault("ENGINE_SUBMIT_MAX_ATTEMPTS", cfg.EngineConfig.SubmitMaxAttempts)
	cfg.EngineConfig.SubmitBackoff = getEnvDurationOrDefault("ENGINE_SUBMIT_BACKOFF", cfg.EngineConfig.SubmitBackoff)
	cfg.EngineConfig.SnapshotInterval = getEnvDurationOrDefault("ENGINE_SNAPSHOT_INTERVAL", cfg.EngineConfig.SnapshotInterval)

	cfg.RiskConfig.RiskFraction = getEnvFloatOrDefault("RISK_FRACTION", cfg.RiskConfig.RiskFraction)
	cfg.RiskConfig.MaxPositionSizePct = getEnvFloatOrDefault("RISK_MAX_POSITION_SIZE_PCT", cfg.RiskConfig.MaxPositionSizePct)
	cfg.RiskConfig.MaxDailyLossPct = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS_PCT", cfg.RiskConfig.MaxDailyLossPct)
	cfg.RiskConfig.MaxConcurrentPositions = getEnvIntOrDefault("RISK_MAX_CONCURRENT_POSITIONS", cfg.RiskConfig.MaxConcurrentPositions)
	cfg.RiskConfig.FailureTripThreshold = getEnvIntOrDefault("RISK_FAILURE_TRIP_THRESHOLD", cfg.RiskConfig.FailureTripThreshold)
	cfg.RiskConfig.MinConfidence = getEnvFloatOrDefault("RISK_MIN_CONFIDENCE", cfg.RiskConfig.MinConfidence)
	cfg.RiskConfig.AllowReversal = getEnvOrDefault("RISK_ALLOW_REVERSAL", strconv.FormatBool(cfg.RiskConfig.AllowReversal)) == "true"

	cfg.AIConfig.Enabled = getEnvOrDefault("AI_ENABLED", strconv.FormatBool(cfg.AIConfig.Enabled)) == "true"
	cfg.AIConfig.Mode = getEnvOrDefault("AI_MODE", cfg.AIConfig.Mode)
	cfg.AIConfig.FallbackPolicy = getEnvOrDefault("AI_FALLBACK_POLICY", cfg.AIConfig.FallbackPolicy)
	cfg.AIConfig.ProviderTimeout = getEnvDurationOrDefault("AI_PROVIDER_TIMEOUT", cfg.AIConfig.ProviderTimeout)
	cfg.AIConfig.FailureThreshold = getEnvIntOrDefault("AI_FAILURE_THRESHOLD", cfg.AIConfig.FailureThreshold)
	cfg.AIConfig.CircuitCooldown = getEnvDurationOrDefault("AI_CIRCUIT_COOLDOWN", cfg.AIConfig.CircuitCooldown)
	cfg.AIConfig.CacheTTL = getEnvDurationOrDefault("AI_CACHE_TTL", cfg.AIConfig.CacheTTL)
	cfg.AIConfig.RequestsPerMinute = getEnvIntOrDefault("AI_REQUESTS_PER_MINUTE", cfg.AIConfig.RequestsPerMinute)
	if cfg.AIConfig.Enabled && len(cfg.AIConfig.Providers) == 0 {
		cfg.AIConfig.Providers = providersFromEnv()
	}

	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.WSBaseURL = getEnvOrDefault("BINANCE_WS_BASE_URL", cfg.BinanceConfig.WSBaseURL)
	cfg.BinanceConfig.TestNet = getEnvOrDefault("BINANCE_TESTNET", strconv.FormatBool(cfg.BinanceConfig.TestNet)) == "true"

	cfg.PaperConfig.StartingEquity = getEnvFloatOrDefault("PAPER_STARTING_EQUITY", cfg.PaperConfig.StartingEquity)
	cfg.PaperConfig.SlippageBps = getEnvFloatOrDefault("PAPER_SLIPPAGE_BPS", cfg.PaperConfig.SlippageBps)

	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", strconv.FormatBool(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", strconv.FormatBool(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", strconv.FormatBool(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", strconv.FormatBool(cfg.NotificationConfig.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", strconv.FormatBool(cfg.NotificationConfig.Telegram.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", strconv.FormatBool(cfg.NotificationConfig.Discord.Enabled)) == "true"
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	cfg.ServerConfig.Enabled = getEnvOrDefault("WEB_ENABLED", strconv.FormatBool(cfg.ServerConfig.Enabled)) == "true"
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("WEB_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Pretty = getEnvOrDefault("LOG_PRETTY", strconv.FormatBool(cfg.LoggingConfig.Pretty)) == "true"
}

// providersFromEnv assembles the default Gemini -> OpenAI -> Groq chain from
// whichever provider keys are present in the environment.
func providersFromEnv() []ProviderConfig {
	var providers []ProviderConfig
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			ID:     "gemini",
			Kind:   "gemini",
			Model:  getEnvOrDefault("GEMINI_MODEL", "gemini-1.5-flash"),
			APIKey: key,
		})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			ID:     "openai",
			Kind:   "openai",
			Model:  getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
			APIKey: key,
		})
	}
	if key := os.Getenv("GROQ_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			ID:     "groq",
			Kind:   "groq",
			Model:  getEnvOrDefault("GROQ_MODEL", "llama-3.1-70b-versatile"),
			APIKey: key,
		})
	}
	return providers
}

// Helper functions
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
