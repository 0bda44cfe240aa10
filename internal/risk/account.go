package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"ai-trading-engine/internal/metrics"
	"ai-trading-engine/internal/model"
)

// OnFill settles a fill into the account and its position, refreshes the
// daily loss counter and re-evaluates the breaker trip condition.
func (m *Manager) OnFill(fill model.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(time.Now())

	pos, ok := m.positions[fill.Instrument]
	if !ok {
		pos = &model.Position{Instrument: fill.Instrument}
		m.positions[fill.Instrument] = pos
	}
	wasFlat := pos.Flat()

	realized := pos.ApplyFill(fill)
	m.account.RealizedPnLToday = m.account.RealizedPnLToday.Add(realized).Sub(fill.Fee)
	m.account.Equity = m.account.Equity.Add(realized).Sub(fill.Fee)

	if wasFlat && !pos.Flat() {
		if m.bus != nil {
			m.bus.PublishPositionOpened(pos.Instrument, string(pos.Direction()), pos.NetQuantity.String(), pos.AvgEntryPrice.String())
		}
	} else if !wasFlat && pos.Flat() {
		delete(m.positions, fill.Instrument)
		if m.bus != nil {
			m.bus.PublishPositionClosed(fill.Instrument, realized.String())
		}
	}

	m.refreshExposureLocked()
	m.refreshDailyLossLocked()

	m.logger.Debug().
		Str("instrument", fill.Instrument).
		Str("quantity", fill.Quantity.String()).
		Str("price", fill.Price.String()).
		Str("realized", realized.String()).
		Str("equity", m.account.Equity.String()).
		Msg("fill settled")
}

// UpdateMark re-marks an open position and re-evaluates the daily loss
// counter with the new unrealized PnL.
func (m *Manager) UpdateMark(instrument string, mark decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(time.Now())

	pos, ok := m.positions[instrument]
	if !ok || pos.Flat() {
		return
	}
	pos.UnrealizedPnL = pos.MarkPnL(mark)
	m.refreshExposureLocked()
	m.refreshDailyLossLocked()
}

// OnSubmissionResult tracks consecutive submission failures, the second
// trip condition besides daily loss.
func (m *Manager) OnSubmissionResult(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(time.Now())

	if success {
		m.account.ConsecutiveSubmissionFailures = 0
		return
	}
	m.account.ConsecutiveSubmissionFailures++
	if m.limits.CircuitBreakerFailureThreshold > 0 &&
		m.account.ConsecutiveSubmissionFailures >= m.limits.CircuitBreakerFailureThreshold &&
		!m.breaker.Tripped {
		m.tripLocked("consecutive submission failures")
	}
}

// ResetDailyCounters rolls the trading day forward. It is safe to call on
// a timer; within the same UTC day it is a no-op.
func (m *Manager) ResetDailyCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(time.Now())
}

func (m *Manager) rollDayLocked(now time.Time) {
	today := now.UTC().Truncate(24 * time.Hour)
	if !today.After(m.dayStart) {
		return
	}
	m.dayStart = today
	m.account.StartOfDayEquity = m.account.Equity
	m.account.RealizedPnLToday = decimal.Zero
	m.account.DailyLossCounter = decimal.Zero
	m.account.ConsecutiveSubmissionFailures = 0
	m.lossTripArmed = true
	if m.breaker.Tripped {
		m.resetBreakerLocked(false)
	}
	metrics.DailyLoss.Set(0)
	m.logger.Info().Time("day", today).Str("start_of_day_equity", m.account.StartOfDayEquity.String()).Msg("daily counters reset")
}

// refreshDailyLossLocked advances the daily loss high-water mark. The
// counter never decreases within a day, even when the book recovers.
func (m *Manager) refreshDailyLossLocked() {
	total := m.account.RealizedPnLToday
	for _, p := range m.positions {
		total = total.Add(p.UnrealizedPnL)
	}

	if total.IsNegative() {
		loss := total.Neg()
		if loss.GreaterThan(m.account.DailyLossCounter) {
			m.account.DailyLossCounter = loss
		}
	}
	lossFloat, _ := m.account.DailyLossCounter.Float64()
	metrics.DailyLoss.Set(lossFloat)

	if !m.lossTripArmed || m.breaker.Tripped || m.limits.MaxDailyLossPct <= 0 {
		return
	}
	maxLoss := m.account.StartOfDayEquity.Mul(decimal.NewFromFloat(m.limits.MaxDailyLossPct))
	if m.account.DailyLossCounter.GreaterThanOrEqual(maxLoss) {
		m.tripLocked("daily loss limit reached")
	}
}

func (m *Manager) refreshExposureLocked() {
	exposure := decimal.Zero
	for _, p := range m.positions {
		exposure = exposure.Add(p.Notional())
	}
	margin := m.account.Equity.Sub(exposure)
	if margin.IsNegative() {
		margin = decimal.Zero
	}
	m.account.AvailableMargin = margin
	metrics.OpenPositions.Set(float64(m.openPositionCountLocked()))
}

// Account returns a snapshot copy of the account.
func (m *Manager) Account() model.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.account
}

// Positions returns snapshot copies of all open positions.
func (m *Manager) Positions() []model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// Position returns the open position for one instrument, if any.
func (m *Manager) Position(instrument string) (model.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[instrument]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// Restore replaces portfolio state from a persisted snapshot. Used once
// at startup before any signal is accepted.
func (m *Manager) Restore(account model.Account, positions []model.Position, breaker model.CircuitBreakerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = account
	m.breaker = breaker
	m.positions = make(map[string]*model.Position, len(positions))
	for i := range positions {
		p := positions[i]
		m.positions[p.Instrument] = &p
	}
	m.refreshExposureLocked()
}
