package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/ai"
	"ai-trading-engine/internal/api"
	"ai-trading-engine/internal/connector"
	"ai-trading-engine/internal/engine"
	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/model"
	"ai-trading-engine/internal/notification"
	"ai-trading-engine/internal/risk"
	"ai-trading-engine/internal/secrets"
	"ai-trading-engine/internal/store"
)

func main() {
	// Values already set in the environment win over .env entries.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Pretty: cfg.LoggingConfig.Pretty,
	})

	ctx := context.Background()

	// Secrets are resolved before validation so live-mode credential
	// checks see the Vault-provided values.
	resolver, err := secrets.NewResolver(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build secret resolver")
	}
	if cfg.VaultConfig.Enabled {
		if err := resolver.Health(ctx); err != nil {
			logger.Fatal().Err(err).Msg("vault health check failed")
		}
		logger.Info().Str("address", cfg.VaultConfig.Address).Msg("vault secrets enabled")
	}
	if err := resolver.ApplyOverrides(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve secrets")
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	mode := cfg.TradingConfig.Mode
	logger.Info().
		Str("mode", mode).
		Str("venue", cfg.TradingConfig.Venue).
		Strs("instruments", cfg.TradingConfig.Instruments).
		Msg("starting trading engine")

	bus := events.NewEventBus()

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize state store")
	}

	conn, rules, err := buildConnector(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize venue connector")
	}

	var orchestrator *ai.Orchestrator
	var analyzer engine.Analyzer
	if cfg.AIConfig.Enabled {
		providers, err := buildProviders(cfg.AIConfig.Providers)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build AI providers")
		}
		orchestrator = ai.NewOrchestrator(providers, ai.OrchestratorConfig{
			ProviderTimeout:   cfg.AIConfig.ProviderTimeout,
			FailureThreshold:  cfg.AIConfig.FailureThreshold,
			CircuitCooldown:   cfg.AIConfig.CircuitCooldown,
			CacheTTL:          cfg.AIConfig.CacheTTL,
			RequestsPerMinute: cfg.AIConfig.RequestsPerMinute,
		}, bus, logger)
		analyzer = orchestrator
		logger.Info().
			Int("providers", len(cfg.AIConfig.Providers)).
			Str("mode", cfg.AIConfig.Mode).
			Str("fallback", cfg.AIConfig.FallbackPolicy).
			Msg("AI analysis enabled")
	}

	limits := model.RiskLimits{
		RiskFraction:                   cfg.RiskConfig.RiskFraction,
		MaxPositionSizePct:             cfg.RiskConfig.MaxPositionSizePct,
		MaxDailyLossPct:                cfg.RiskConfig.MaxDailyLossPct,
		MaxConcurrentPositions:         cfg.RiskConfig.MaxConcurrentPositions,
		CircuitBreakerFailureThreshold: cfg.RiskConfig.FailureTripThreshold,
		MinConfidence:                  cfg.RiskConfig.MinConfidence,
		AllowReversal:                  cfg.RiskConfig.AllowReversal,
	}
	aiVeto := cfg.AIConfig.Enabled && cfg.AIConfig.Mode == config.AIModeVeto
	startingEquity := decimal.NewFromFloat(cfg.PaperConfig.StartingEquity)
	riskMgr := risk.NewManager(limits, aiVeto, startingEquity, rules, bus, logger)

	eng := engine.New(cfg, riskMgr, conn, st, analyzer, bus, logger)

	notifier := notification.NewManager(cfg.NotificationConfig, logger)
	notifier.AttachBus(bus)

	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start engine")
	}

	var srv *api.Server
	if cfg.ServerConfig.Enabled {
		var health api.ProviderHealthAPI
		if orchestrator != nil {
			health = orchestrator
		}
		srv = api.NewServer(cfg.ServerConfig, mode, eng, riskMgr, health, logger)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("control API server failed")
			}
		}()
		logger.Info().
			Str("host", cfg.ServerConfig.Host).
			Int("port", cfg.ServerConfig.Port).
			Msg("control API listening")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownTimeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("control API shutdown failed")
		}
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("engine shutdown failed")
	}
	if err := conn.Close(); err != nil {
		logger.Error().Err(err).Msg("connector close failed")
	}
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("state store close failed")
	}

	logger.Info().Msg("shutdown complete")
}

// buildStore picks the snapshot/audit backend. Postgres wins when both are
// enabled; the in-memory store is the no-configuration default.
func buildStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	switch {
	case cfg.DatabaseConfig.Enabled:
		return store.NewPostgresStore(ctx, cfg.DatabaseConfig, logger)
	case cfg.RedisConfig.Enabled:
		return store.NewRedisStore(ctx, cfg.RedisConfig, logger)
	default:
		logger.Info().Msg("persistence disabled, using in-memory store")
		return store.NewMemoryStore(), nil
	}
}

// buildConnector returns the venue connector for the configured mode along
// with the instrument rules the risk manager sizes against. Live venues
// report their own lot rules; configured rules fill the gaps.
func buildConnector(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (connector.Connector, []model.InstrumentRule, error) {
	configured := make(map[string]model.InstrumentRule, len(cfg.InstrumentRules))
	for _, r := range cfg.InstrumentRules {
		configured[r.Instrument] = model.InstrumentRule{
			Instrument:  r.Instrument,
			MinQty:      decimal.NewFromFloat(r.MinQty),
			MaxQty:      decimal.NewFromFloat(r.MaxQty),
			QtyStep:     decimal.NewFromFloat(r.QtyStep),
			MinNotional: decimal.NewFromFloat(r.MinNotional),
		}
	}

	if cfg.TradingConfig.Mode == config.ModePaper {
		conn := connector.NewPaperConnector(cfg.PaperConfig, cfg.TradingConfig.Instruments, logger)
		return conn, rulesFromMap(configured), nil
	}

	conn := connector.NewBinanceConnector(cfg.BinanceConfig, cfg.TradingConfig.Mode, logger)
	venueRules, err := conn.InstrumentRules(ctx, cfg.TradingConfig.Instruments)
	if err != nil {
		return nil, nil, err
	}
	for _, r := range venueRules {
		configured[r.Instrument] = r
	}
	return conn, rulesFromMap(configured), nil
}

func rulesFromMap(m map[string]model.InstrumentRule) []model.InstrumentRule {
	rules := make([]model.InstrumentRule, 0, len(m))
	for _, r := range m {
		rules = append(rules, r)
	}
	return rules
}

// buildProviders assembles the failover chain in configured priority order.
func buildProviders(configs []config.ProviderConfig) ([]ai.Provider, error) {
	providers := make([]ai.Provider, 0, len(configs))
	for _, pc := range configs {
		switch pc.Kind {
		case "gemini":
			providers = append(providers, ai.NewGeminiProvider(pc.ID, pc.Model, pc.APIKey))
		case "openai":
			providers = append(providers, ai.NewOpenAIProvider(pc.ID, pc.Model, pc.APIKey))
		case "groq":
			providers = append(providers, ai.NewGroqProvider(pc.ID, pc.Model, pc.APIKey))
		default:
			return nil, &config.ConfigError{
				Code:   config.CodeInvalidValue,
				Field:  "ai.providers",
				Reason: "unknown provider kind " + pc.Kind,
			}
		}
	}
	return providers, nil
}
