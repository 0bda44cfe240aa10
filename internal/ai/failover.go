package ai

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/metrics"
	"ai-trading-engine/internal/model"
)

// OrchestratorConfig tunes the failover chain.
type OrchestratorConfig struct {
	ProviderTimeout   time.Duration
	FailureThreshold  int
	CircuitCooldown   time.Duration
	CacheTTL          time.Duration
	RequestsPerMinute int
}

// Orchestrator walks an ordered provider chain until one returns a usable
// analysis. Providers that keep failing are taken out of rotation by a
// per-provider circuit until a cooldown elapses.
type Orchestrator struct {
	providers []Provider
	cfg       OrchestratorConfig

	mu     sync.Mutex
	health map[string]*model.ProviderHealth

	cache  *analysisCache
	budget *requestBudget
	bus    *events.EventBus
	logger zerolog.Logger
}

func NewOrchestrator(providers []Provider, cfg OrchestratorConfig, bus *events.EventBus, logger zerolog.Logger) *Orchestrator {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = 5 * time.Minute
	}

	o := &Orchestrator{
		providers: providers,
		cfg:       cfg,
		health:    make(map[string]*model.ProviderHealth, len(providers)),
		cache:     newAnalysisCache(cfg.CacheTTL),
		budget:    newRequestBudget(cfg.RequestsPerMinute),
		bus:       bus,
		logger:    logger.With().Str("component", "ai").Logger(),
	}
	for _, p := range providers {
		o.health[p.ID()] = &model.ProviderHealth{ProviderID: p.ID()}
	}
	return o
}

// Analyze runs the signal through the provider chain. The first provider
// that returns a valid verdict wins. It returns *AnalysisFailure when no
// provider could serve the request.
func (o *Orchestrator) Analyze(ctx context.Context, sig model.Signal) (model.AnalysisResult, error) {
	if cached, ok := o.cache.Get(sig); ok {
		metrics.AnalysisCacheHits.Inc()
		o.logger.Debug().Str("signal_id", sig.ID).Str("provider", cached.ProviderID).Msg("analysis served from cache")
		return cached, nil
	}

	causes := make(map[string]string, len(o.providers))

	for _, p := range o.providers {
		id := p.ID()

		if !o.allowCall(id) {
			causes[id] = "circuit open"
			o.logger.Debug().Str("provider", id).Msg("skipping provider, circuit open")
			continue
		}
		if !o.budget.Allow() {
			causes[id] = "request budget exhausted"
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
		start := time.Now()
		result, err := p.Analyze(callCtx, AnalysisRequest{Signal: sig})
		cancel()
		latency := time.Since(start)
		metrics.ProviderLatency.WithLabelValues(id).Observe(latency.Seconds())

		if err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return model.AnalysisResult{}, ctx.Err()
			}
			metrics.ProviderRequests.WithLabelValues(id, "failure").Inc()
			o.recordFailure(id, err)
			causes[id] = err.Error()
			o.logger.Warn().Err(err).Str("provider", id).Str("signal_id", sig.ID).Msg("provider call failed")
			continue
		}

		metrics.ProviderRequests.WithLabelValues(id, "success").Inc()
		o.recordSuccess(id)

		result.ProviderID = id
		result.Latency = latency
		o.cache.Put(sig, result)
		o.logger.Info().
			Str("provider", id).
			Str("signal_id", sig.ID).
			Str("action", string(result.Action)).
			Float64("confidence", result.Confidence).
			Dur("latency", latency).
			Msg("analysis complete")
		return result, nil
	}

	return model.AnalysisResult{}, &AnalysisFailure{Code: CodeAllProvidersUnavailable, Causes: causes}
}

// allowCall reports whether the provider may be called now. An open
// circuit admits a single probe once its cooldown has elapsed; only a
// success closes it.
func (o *Orchestrator) allowCall(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.health[id]
	if h == nil {
		h = &model.ProviderHealth{ProviderID: id}
		o.health[id] = h
	}
	if !h.CircuitOpen {
		return true
	}
	return !time.Now().Before(h.ReopenAfter)
}

func (o *Orchestrator) recordFailure(id string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.health[id]
	h.ConsecutiveFailures++

	if h.CircuitOpen {
		// Failed probe, push the next one out by a full cooldown.
		h.ReopenAfter = time.Now().Add(o.cfg.CircuitCooldown)
		return
	}
	if h.ConsecutiveFailures >= o.cfg.FailureThreshold {
		h.CircuitOpen = true
		h.ReopenAfter = time.Now().Add(o.cfg.CircuitCooldown)
		metrics.ProviderCircuitOpen.WithLabelValues(id).Set(1)
		if o.bus != nil {
			o.bus.PublishProviderCircuit(id, true, h.ConsecutiveFailures)
		}
		o.logger.Warn().
			Str("provider", id).
			Int("consecutive_failures", h.ConsecutiveFailures).
			Time("reopen_after", h.ReopenAfter).
			Err(err).
			Msg("provider circuit opened")
	}
}

func (o *Orchestrator) recordSuccess(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.health[id]
	h.ConsecutiveFailures = 0
	if h.CircuitOpen {
		h.CircuitOpen = false
		h.ReopenAfter = time.Time{}
		metrics.ProviderCircuitOpen.WithLabelValues(id).Set(0)
		if o.bus != nil {
			o.bus.PublishProviderCircuit(id, false, 0)
		}
		o.logger.Info().Str("provider", id).Msg("provider circuit closed")
	}
}

// Health returns a snapshot of every provider's circuit state in chain
// order.
func (o *Orchestrator) Health() []model.ProviderHealth {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.ProviderHealth, 0, len(o.providers))
	for _, p := range o.providers {
		if h := o.health[p.ID()]; h != nil {
			out = append(out, *h)
		}
	}
	return out
}
