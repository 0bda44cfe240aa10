// Package risk sizes candidate trades against account state and owns the
// account-wide circuit breaker. All portfolio mutation routes through the
// Manager so position checks and sizing never race.
package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/metrics"
	"ai-trading-engine/internal/model"
)

// Manager is the single writer for Account, Position and breaker state.
type Manager struct {
	mu     sync.RWMutex
	limits model.RiskLimits
	aiVeto bool

	account   model.Account
	positions map[string]*model.Position
	breaker   model.CircuitBreakerState
	rules     map[string]model.InstrumentRule

	// dayStart is the UTC midnight the current counters belong to.
	dayStart time.Time
	// lossTripArmed is cleared by a manual breaker reset so the same
	// day's loss cannot immediately re-trip; the day roll re-arms it.
	lossTripArmed bool

	bus    *events.EventBus
	logger zerolog.Logger
}

// NewManager starts a session with the given equity. aiVeto selects
// whether analysis verdicts can block trades or are advisory only.
func NewManager(limits model.RiskLimits, aiVeto bool, startingEquity decimal.Decimal, rules []model.InstrumentRule, bus *events.EventBus, logger zerolog.Logger) *Manager {
	ruleIndex := make(map[string]model.InstrumentRule, len(rules))
	for _, r := range rules {
		ruleIndex[r.Instrument] = r
	}
	return &Manager{
		limits: limits,
		aiVeto: aiVeto,
		account: model.Account{
			Equity:           startingEquity,
			AvailableMargin:  startingEquity,
			StartOfDayEquity: startingEquity,
		},
		positions:     make(map[string]*model.Position),
		rules:         ruleIndex,
		dayStart:      time.Now().UTC().Truncate(24 * time.Hour),
		lossTripArmed: true,
		bus:           bus,
		logger:        logger.With().Str("component", "risk").Logger(),
	}
}

// Evaluate validates and sizes a signal. A nil analysis means the trade
// proceeds on the signal alone (AI disabled or fallback allowed it).
func (m *Manager) Evaluate(sig model.Signal, analysis *model.AnalysisResult) (*model.SizedOrder, *Rejection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(time.Now())

	if rej := m.checkLocked(sig, analysis); rej != nil {
		metrics.RiskRejections.WithLabelValues(rej.Code).Inc()
		m.logger.Info().
			Str("signal_id", sig.ID).
			Str("instrument", sig.Instrument).
			Str("code", rej.Code).
			Str("reason", rej.Reason).
			Msg("signal rejected")
		return nil, rej
	}

	sized, rej := m.sizeLocked(sig)
	if rej != nil {
		metrics.RiskRejections.WithLabelValues(rej.Code).Inc()
		m.logger.Info().
			Str("signal_id", sig.ID).
			Str("instrument", sig.Instrument).
			Str("code", rej.Code).
			Str("reason", rej.Reason).
			Msg("signal rejected")
		return nil, rej
	}

	m.logger.Debug().
		Str("signal_id", sig.ID).
		Str("instrument", sig.Instrument).
		Str("quantity", sized.Quantity.String()).
		Str("risk_amount", sized.RiskAmount.String()).
		Str("notional", sized.Notional.String()).
		Msg("signal sized")
	return sized, nil
}

func (m *Manager) checkLocked(sig model.Signal, analysis *model.AnalysisResult) *Rejection {
	if m.breaker.Tripped {
		return reject(CodeCircuitBreakerTripped, "circuit breaker tripped: %s", m.breaker.Reason)
	}

	if analysis != nil && m.aiVeto {
		if analysis.Action == model.ActionReject {
			return reject(CodeConfidenceTooLow, "analysis rejected trade (%s, confidence %.2f)", analysis.ProviderID, analysis.Confidence)
		}
		if analysis.Confidence < m.limits.MinConfidence {
			return reject(CodeConfidenceTooLow, "confidence %.2f below minimum %.2f", analysis.Confidence, m.limits.MinConfidence)
		}
	}

	if pos, ok := m.positions[sig.Instrument]; ok && !pos.Flat() {
		if pos.Direction() != sig.Direction && !m.limits.AllowReversal {
			return reject(CodeConflictingPosition, "open %s position on %s conflicts with %s signal",
				pos.Direction(), sig.Instrument, sig.Direction)
		}
	} else if m.openPositionCountLocked() >= m.limits.MaxConcurrentPositions {
		return reject(CodeLimitExceeded, "max concurrent positions reached (%d/%d)",
			m.openPositionCountLocked(), m.limits.MaxConcurrentPositions)
	}

	return nil
}

// sizeLocked implements fixed-fractional sizing: risk a fraction of
// equity against the stop distance, cap the notional, then floor to the
// venue lot grid.
func (m *Manager) sizeLocked(sig model.Signal) (*model.SizedOrder, *Rejection) {
	equity := m.account.Equity
	if equity.LessThanOrEqual(decimal.Zero) {
		return nil, reject(CodeSizeBelowMinimum, "account equity %s is not positive", equity.String())
	}

	riskAmount := equity.Mul(decimal.NewFromFloat(m.limits.RiskFraction))
	perUnit := sig.Entry.Sub(sig.Stop).Abs()
	if perUnit.IsZero() {
		return nil, reject(CodeSizeBelowMinimum, "entry and stop are equal, no stop distance to size against")
	}

	qty := riskAmount.Div(perUnit)

	maxNotional := equity.Mul(decimal.NewFromFloat(m.limits.MaxPositionSizePct))
	if maxByNotional := maxNotional.Div(sig.Entry); qty.GreaterThan(maxByNotional) {
		qty = maxByNotional
	}

	rule, hasRule := m.rules[sig.Instrument]
	if hasRule {
		qty = rule.ClampQty(qty)
	} else {
		qty = qty.Floor()
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, reject(CodeSizeBelowMinimum, "sized quantity rounds to zero for %s", sig.Instrument)
	}

	notional := qty.Mul(sig.Entry)
	if hasRule && rule.MinNotional.IsPositive() && notional.LessThan(rule.MinNotional) {
		return nil, reject(CodeSizeBelowMinimum, "notional %s below venue minimum %s", notional.String(), rule.MinNotional.String())
	}

	return &model.SizedOrder{
		Signal:     sig,
		Quantity:   qty,
		Entry:      sig.Entry,
		Stop:       sig.Stop,
		Target:     sig.Target,
		RiskAmount: qty.Mul(perUnit),
		Notional:   notional,
	}, nil
}

func (m *Manager) openPositionCountLocked() int {
	n := 0
	for _, p := range m.positions {
		if !p.Flat() {
			n++
		}
	}
	return n
}

// Limits returns the immutable limit set the manager was started with.
func (m *Manager) Limits() model.RiskLimits { return m.limits }
