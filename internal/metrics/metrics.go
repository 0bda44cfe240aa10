// Package metrics holds the Prometheus collectors for the trading engine.
// Everything registers on the default registry; the control API serves it
// at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SignalsProcessed counts completed signal lifecycles by outcome.
var SignalsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trading_engine",
		Subsystem: "engine",
		Name:      "signals_processed_total",
		Help:      "Total number of signal lifecycles by terminal outcome",
	},
	[]string{"outcome"}, // closed, rejected, failed
)

// RiskRejections counts risk manager rejections by code.
var RiskRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trading_engine",
		Subsystem: "risk",
		Name:      "rejections_total",
		Help:      "Total number of risk rejections by code",
	},
	[]string{"code"},
)

// OrdersSubmitted counts venue-acknowledged submissions.
var OrdersSubmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trading_engine",
		Subsystem: "engine",
		Name:      "orders_submitted_total",
		Help:      "Total number of orders acknowledged by the venue",
	},
	[]string{"venue", "side"},
)

// SubmitRetries counts transient connector retries.
var SubmitRetries = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "trading_engine",
		Subsystem: "engine",
		Name:      "submit_retries_total",
		Help:      "Total number of retried order submissions",
	},
)

// FillsReceived counts fills consumed from the connector stream.
var FillsReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trading_engine",
		Subsystem: "engine",
		Name:      "fills_received_total",
		Help:      "Total number of fills received",
	},
	[]string{"venue"},
)

// ProviderRequests counts AI provider calls by result.
var ProviderRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trading_engine",
		Subsystem: "ai",
		Name:      "provider_requests_total",
		Help:      "Total number of AI provider requests",
	},
	[]string{"provider", "result"}, // result: success, failure, skipped
)

// ProviderLatency observes AI provider response times.
var ProviderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "trading_engine",
		Subsystem: "ai",
		Name:      "provider_latency_seconds",
		Help:      "AI provider response latency in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	},
	[]string{"provider"},
)

// ProviderCircuitOpen is 1 while a provider's failover circuit is open.
var ProviderCircuitOpen = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "trading_engine",
		Subsystem: "ai",
		Name:      "provider_circuit_open",
		Help:      "Whether the provider circuit is open (1) or closed (0)",
	},
	[]string{"provider"},
)

// AnalysisCacheHits counts failover cache short-circuits.
var AnalysisCacheHits = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "trading_engine",
		Subsystem: "ai",
		Name:      "analysis_cache_hits_total",
		Help:      "Total number of analysis cache hits",
	},
)

// BreakerTripped is 1 while the account circuit breaker is tripped.
var BreakerTripped = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "trading_engine",
		Subsystem: "risk",
		Name:      "breaker_tripped",
		Help:      "Whether the account circuit breaker is tripped (1) or clear (0)",
	},
)

// DailyLoss reports the daily loss high-water mark in quote currency.
var DailyLoss = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "trading_engine",
		Subsystem: "risk",
		Name:      "daily_loss",
		Help:      "Daily loss high-water mark (realized plus unrealized)",
	},
)

// OpenPositions reports the number of open positions.
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "trading_engine",
		Subsystem: "risk",
		Name:      "open_positions",
		Help:      "Number of currently open positions",
	},
)

// ActiveLifecycles reports non-terminal signal lifecycles by state.
var ActiveLifecycles = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "trading_engine",
		Subsystem: "engine",
		Name:      "active_lifecycles",
		Help:      "Number of in-flight signal lifecycles by state",
	},
	[]string{"state"},
)
