package config

import "fmt"

// Error codes for configuration failures.
const (
	CodeInvalidValue  = "E501"
	CodeMissingSecret = "E502"
)

// ConfigError is fatal: the process must halt before any trading begins.
type ConfigError struct {
	Code   string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error %s: %s: %s", e.Code, e.Field, e.Reason)
}

func invalid(field, reason string) *ConfigError {
	return &ConfigError{Code: CodeInvalidValue, Field: field, Reason: reason}
}

func missingSecret(field, reason string) *ConfigError {
	return &ConfigError{Code: CodeMissingSecret, Field: field, Reason: reason}
}

// Validate checks the loaded configuration. The first problem found is
// returned; main treats any ConfigError as fatal.
func (c *Config) Validate() error {
	switch c.TradingConfig.Mode {
	case ModePaper, ModeLive:
	default:
		return invalid("trading.mode", fmt.Sprintf("must be %q or %q, got %q", ModePaper, ModeLive, c.TradingConfig.Mode))
	}
	if c.TradingConfig.Venue == "" {
		return invalid("trading.venue", "must not be empty")
	}
	if len(c.TradingConfig.Instruments) == 0 {
		return invalid("trading.instruments", "at least one instrument required")
	}

	r := c.RiskConfig
	if r.RiskFraction <= 0 || r.RiskFraction > 1 {
		return invalid("risk.risk_fraction", "must be in (0, 1]")
	}
	if r.MaxPositionSizePct <= 0 || r.MaxPositionSizePct > 1 {
		return invalid("risk.max_position_size_pct", "must be in (0, 1]")
	}
	if r.MaxDailyLossPct <= 0 || r.MaxDailyLossPct > 1 {
		return invalid("risk.max_daily_loss_pct", "must be in (0, 1]")
	}
	if r.MaxConcurrentPositions <= 0 {
		return invalid("risk.max_concurrent_positions", "must be positive")
	}
	if r.FailureTripThreshold <= 0 {
		return invalid("risk.failure_trip_threshold", "must be positive")
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return invalid("risk.min_confidence", "must be in [0, 1]")
	}

	if c.AIConfig.Enabled {
		switch c.AIConfig.Mode {
		case AIModeAdvisory, AIModeVeto:
		default:
			return invalid("ai.mode", fmt.Sprintf("must be %q or %q", AIModeAdvisory, AIModeVeto))
		}
		switch c.AIConfig.FallbackPolicy {
		case FallbackReject, FallbackSignalOnly:
		default:
			return invalid("ai.fallback_policy", fmt.Sprintf("must be %q or %q", FallbackReject, FallbackSignalOnly))
		}
		if len(c.AIConfig.Providers) == 0 {
			return invalid("ai.providers", "at least one provider required when ai is enabled")
		}
		if c.AIConfig.ProviderTimeout <= 0 {
			return invalid("ai.provider_timeout", "must be positive")
		}
		if c.AIConfig.FailureThreshold <= 0 {
			return invalid("ai.failure_threshold", "must be positive")
		}
		if c.AIConfig.CircuitCooldown <= 0 {
			return invalid("ai.circuit_cooldown", "must be positive")
		}
		seen := make(map[string]bool, len(c.AIConfig.Providers))
		for i, p := range c.AIConfig.Providers {
			field := fmt.Sprintf("ai.providers[%d]", i)
			if p.ID == "" {
				return invalid(field+".id", "must not be empty")
			}
			if seen[p.ID] {
				return invalid(field+".id", fmt.Sprintf("duplicate provider id %q", p.ID))
			}
			seen[p.ID] = true
			switch p.Kind {
			case "gemini", "openai", "groq":
			default:
				return invalid(field+".kind", fmt.Sprintf("unknown provider kind %q", p.Kind))
			}
			// Keys may come from Vault instead of the config file.
			if p.APIKey == "" && !c.VaultConfig.Enabled {
				return missingSecret(field+".api_key", "no api key configured and vault is disabled")
			}
		}
	}

	if c.EngineConfig.Workers <= 0 {
		return invalid("engine.workers", "must be positive")
	}
	if c.EngineConfig.SubmitMaxAttempts <= 0 {
		return invalid("engine.submit_max_attempts", "must be positive")
	}
	if c.EngineConfig.SubmitBackoff <= 0 {
		return invalid("engine.submit_backoff", "must be positive")
	}

	if c.TradingConfig.Mode == ModeLive && c.TradingConfig.Venue == "binance" {
		if c.BinanceConfig.APIKey == "" && !c.VaultConfig.Enabled {
			return missingSecret("binance.api_key", "required for live trading when vault is disabled")
		}
	}
	if c.TradingConfig.Mode == ModePaper && c.PaperConfig.StartingEquity <= 0 {
		return invalid("paper.starting_equity", "must be positive")
	}

	return nil
}
