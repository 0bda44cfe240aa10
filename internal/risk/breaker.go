package risk

import (
	"time"

	"ai-trading-engine/internal/metrics"
	"ai-trading-engine/internal/model"
)

// Breaker returns a snapshot of the circuit breaker state.
func (m *Manager) Breaker() model.CircuitBreakerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breaker
}

// Tripped reports whether trading is halted by the breaker.
func (m *Manager) Tripped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breaker.Tripped
}

// TripBreaker halts all trading with an operator-supplied reason.
func (m *Manager) TripBreaker(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.breaker.Tripped {
		m.tripLocked(reason)
	}
}

// ResetBreaker is the manual reset. It re-enables trading and zeroes the
// failure streak, but deliberately leaves the daily loss counter alone
// and keeps the loss trip disarmed until the next day boundary. A
// loss-triggered trip never reopens on a timer.
func (m *Manager) ResetBreaker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.breaker.Tripped {
		return
	}
	m.lossTripArmed = false
	m.account.ConsecutiveSubmissionFailures = 0
	m.resetBreakerLocked(true)
}

func (m *Manager) tripLocked(reason string) {
	m.breaker = model.CircuitBreakerState{
		Tripped:   true,
		Reason:    reason,
		TrippedAt: time.Now().UTC(),
	}
	metrics.BreakerTripped.Set(1)
	if m.bus != nil {
		m.bus.PublishBreakerTripped(reason, m.account.DailyLossCounter.String())
	}
	m.logger.Warn().
		Str("reason", reason).
		Str("daily_loss", m.account.DailyLossCounter.String()).
		Str("equity", m.account.Equity.String()).
		Msg("circuit breaker tripped, trading halted")
}

func (m *Manager) resetBreakerLocked(manual bool) {
	m.breaker = model.CircuitBreakerState{}
	metrics.BreakerTripped.Set(0)
	if m.bus != nil {
		m.bus.PublishBreakerReset(manual)
	}
	m.logger.Info().Bool("manual", manual).Msg("circuit breaker reset")
}
