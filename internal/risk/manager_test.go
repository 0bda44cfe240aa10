package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ai-trading-engine/internal/model"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testLimits() model.RiskLimits {
	return model.RiskLimits{
		RiskFraction:                   0.01,
		MaxPositionSizePct:             1.0,
		MaxDailyLossPct:                0.05,
		MaxConcurrentPositions:         5,
		CircuitBreakerFailureThreshold: 3,
		MinConfidence:                  0.7,
	}
}

func newTestManager(limits model.RiskLimits, aiVeto bool, equity string) *Manager {
	return NewManager(limits, aiVeto, d(equity), nil, nil, zerolog.Nop())
}

func longSignal(instrument, entry, stop string) model.Signal {
	return model.Signal{
		ID:         "sig_" + instrument,
		Instrument: instrument,
		Venue:      model.VenuePaper,
		Direction:  model.DirectionLong,
		Entry:      d(entry),
		Stop:       d(stop),
		CreatedAt:  time.Now().UTC(),
	}
}

func shortSignal(instrument, entry, stop string) model.Signal {
	sig := longSignal(instrument, entry, stop)
	sig.Direction = model.DirectionShort
	return sig
}

func fill(instrument string, side model.OrderSide, qty, price string) model.Fill {
	return model.Fill{
		OrderID:    "ord_1",
		Instrument: instrument,
		Side:       side,
		Quantity:   d(qty),
		Price:      d(price),
		Timestamp:  time.Now().UTC(),
		Final:      true,
	}
}

func TestEvaluateSizesDeterministically(t *testing.T) {
	m := newTestManager(testLimits(), false, "10000")

	for i := 0; i < 2; i++ {
		sized, rej := m.Evaluate(longSignal("BTCUSDT", "100", "98"), nil)
		if rej != nil {
			t.Fatalf("Evaluate() rejected: %v", rej)
		}
		if sized.Quantity.String() != "50" {
			t.Errorf("quantity = %s, want 50", sized.Quantity.String())
		}
		if sized.RiskAmount.String() != "100" {
			t.Errorf("risk amount = %s, want 100", sized.RiskAmount.String())
		}
		if sized.Notional.String() != "5000" {
			t.Errorf("notional = %s, want 5000", sized.Notional.String())
		}
	}
}

func TestEvaluateClampsToNotionalCap(t *testing.T) {
	limits := testLimits()
	limits.MaxPositionSizePct = 0.05
	m := newTestManager(limits, false, "10000")

	sized, rej := m.Evaluate(longSignal("BTCUSDT", "100", "98"), nil)
	if rej != nil {
		t.Fatalf("Evaluate() rejected: %v", rej)
	}
	if sized.Quantity.String() != "5" {
		t.Errorf("quantity = %s, want 5 (500 notional cap at entry 100)", sized.Quantity.String())
	}
}

func TestEvaluateFloorsToLotStep(t *testing.T) {
	rules := []model.InstrumentRule{{
		Instrument: "ETHUSDT",
		MinQty:     d("0.1"),
		QtyStep:    d("0.1"),
	}}
	m := NewManager(testLimits(), false, d("10000"), rules, nil, zerolog.Nop())

	sized, rej := m.Evaluate(longSignal("ETHUSDT", "100", "97"), nil)
	if rej != nil {
		t.Fatalf("Evaluate() rejected: %v", rej)
	}
	// 100 / 3 = 33.33..., floored to the 0.1 step.
	if sized.Quantity.String() != "33.3" {
		t.Errorf("quantity = %s, want 33.3", sized.Quantity.String())
	}
}

func TestEvaluateRejections(t *testing.T) {
	t.Run("size rounds to zero", func(t *testing.T) {
		m := newTestManager(testLimits(), false, "10")
		_, rej := m.Evaluate(longSignal("BTCUSDT", "100", "98"), nil)
		if rej == nil || rej.Code != CodeSizeBelowMinimum {
			t.Fatalf("rejection = %v, want code %s", rej, CodeSizeBelowMinimum)
		}
	})

	t.Run("conflicting open position", func(t *testing.T) {
		m := newTestManager(testLimits(), false, "10000")
		m.OnFill(fill("BTCUSDT", model.SideBuy, "1", "100"))

		_, rej := m.Evaluate(shortSignal("BTCUSDT", "100", "102"), nil)
		if rej == nil || rej.Code != CodeConflictingPosition {
			t.Fatalf("rejection = %v, want code %s", rej, CodeConflictingPosition)
		}
	})

	t.Run("reversal allowed when configured", func(t *testing.T) {
		limits := testLimits()
		limits.AllowReversal = true
		m := newTestManager(limits, false, "10000")
		m.OnFill(fill("BTCUSDT", model.SideBuy, "1", "100"))

		if _, rej := m.Evaluate(shortSignal("BTCUSDT", "100", "102"), nil); rej != nil {
			t.Fatalf("Evaluate() rejected with reversal allowed: %v", rej)
		}
	})

	t.Run("max concurrent positions", func(t *testing.T) {
		limits := testLimits()
		limits.MaxConcurrentPositions = 1
		m := newTestManager(limits, false, "10000")
		m.OnFill(fill("BTCUSDT", model.SideBuy, "1", "100"))

		_, rej := m.Evaluate(longSignal("ETHUSDT", "100", "98"), nil)
		if rej == nil || rej.Code != CodeLimitExceeded {
			t.Fatalf("rejection = %v, want code %s", rej, CodeLimitExceeded)
		}
	})

	t.Run("adding to existing position allowed at cap", func(t *testing.T) {
		limits := testLimits()
		limits.MaxConcurrentPositions = 1
		m := newTestManager(limits, false, "10000")
		m.OnFill(fill("BTCUSDT", model.SideBuy, "1", "100"))

		if _, rej := m.Evaluate(longSignal("BTCUSDT", "100", "98"), nil); rej != nil {
			t.Fatalf("Evaluate() rejected same-direction add: %v", rej)
		}
	})
}

func TestEvaluateConfidenceVeto(t *testing.T) {
	approve := &model.AnalysisResult{Action: model.ActionApprove, Confidence: 0.9}
	lowConf := &model.AnalysisResult{Action: model.ActionApprove, Confidence: 0.5}
	vetoed := &model.AnalysisResult{Action: model.ActionReject, Confidence: 0.9}

	tests := []struct {
		name     string
		aiVeto   bool
		analysis *model.AnalysisResult
		wantCode string
	}{
		{name: "veto mode passes confident approval", aiVeto: true, analysis: approve},
		{name: "veto mode blocks low confidence", aiVeto: true, analysis: lowConf, wantCode: CodeConfidenceTooLow},
		{name: "veto mode blocks explicit reject", aiVeto: true, analysis: vetoed, wantCode: CodeConfidenceTooLow},
		{name: "advisory mode ignores low confidence", aiVeto: false, analysis: lowConf},
		{name: "no analysis proceeds on signal alone", aiVeto: true, analysis: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(testLimits(), tt.aiVeto, "10000")
			_, rej := m.Evaluate(longSignal("BTCUSDT", "100", "98"), tt.analysis)
			if tt.wantCode == "" {
				if rej != nil {
					t.Fatalf("Evaluate() rejected: %v", rej)
				}
				return
			}
			if rej == nil || rej.Code != tt.wantCode {
				t.Fatalf("rejection = %v, want code %s", rej, tt.wantCode)
			}
		})
	}
}

func TestBreakerTripsWhenDailyLossReachesLimit(t *testing.T) {
	m := newTestManager(testLimits(), false, "10000")
	m.OnFill(fill("BTCUSDT", model.SideBuy, "50", "100"))

	// Mark at 90: unrealized loss of exactly 500 = 5% of 10000.
	m.UpdateMark("BTCUSDT", d("90"))

	if !m.Tripped() {
		t.Fatal("breaker not tripped at the daily loss limit")
	}

	confident := &model.AnalysisResult{Action: model.ActionApprove, Confidence: 0.99}
	_, rej := m.Evaluate(longSignal("ETHUSDT", "100", "98"), confident)
	if rej == nil || rej.Code != CodeCircuitBreakerTripped {
		t.Fatalf("rejection = %v, want code %s regardless of confidence", rej, CodeCircuitBreakerTripped)
	}
}

func TestBreakerTripsOnRealizedLoss(t *testing.T) {
	m := newTestManager(testLimits(), false, "10000")
	m.OnFill(fill("BTCUSDT", model.SideBuy, "50", "100"))
	m.OnFill(fill("BTCUSDT", model.SideSell, "50", "89"))

	if !m.Tripped() {
		t.Fatal("breaker not tripped after realized loss of 550")
	}
	acct := m.Account()
	if acct.Equity.String() != "9450" {
		t.Errorf("equity = %s, want 9450", acct.Equity.String())
	}
	if acct.DailyLossCounter.String() != "550" {
		t.Errorf("daily loss counter = %s, want 550", acct.DailyLossCounter.String())
	}
}

func TestDailyLossCounterIsMonotone(t *testing.T) {
	m := newTestManager(testLimits(), false, "10000")
	m.OnFill(fill("BTCUSDT", model.SideBuy, "50", "100"))

	m.UpdateMark("BTCUSDT", d("95"))
	if got := m.Account().DailyLossCounter.String(); got != "250" {
		t.Fatalf("daily loss counter = %s, want 250", got)
	}

	// The book recovers but the high-water mark must not move down.
	m.UpdateMark("BTCUSDT", d("99"))
	if got := m.Account().DailyLossCounter.String(); got != "250" {
		t.Errorf("daily loss counter = %s after recovery, want 250", got)
	}

	m.UpdateMark("BTCUSDT", d("94"))
	if got := m.Account().DailyLossCounter.String(); got != "300" {
		t.Errorf("daily loss counter = %s, want 300", got)
	}
}

func TestSubmissionFailureStreakTripsBreaker(t *testing.T) {
	m := newTestManager(testLimits(), false, "10000")

	m.OnSubmissionResult(false)
	m.OnSubmissionResult(false)
	if m.Tripped() {
		t.Fatal("breaker tripped before the failure threshold")
	}

	m.OnSubmissionResult(true)
	m.OnSubmissionResult(false)
	m.OnSubmissionResult(false)
	if m.Tripped() {
		t.Fatal("success did not reset the failure streak")
	}

	m.OnSubmissionResult(false)
	if !m.Tripped() {
		t.Fatal("breaker not tripped at three consecutive failures")
	}
}

func TestManualResetKeepsDailyCounter(t *testing.T) {
	m := newTestManager(testLimits(), false, "10000")
	m.OnFill(fill("BTCUSDT", model.SideBuy, "50", "100"))
	m.UpdateMark("BTCUSDT", d("88"))
	if !m.Tripped() {
		t.Fatal("breaker should be tripped")
	}

	m.ResetBreaker()
	if m.Tripped() {
		t.Fatal("manual reset did not clear the breaker")
	}
	if got := m.Account().DailyLossCounter.String(); got != "600" {
		t.Errorf("daily loss counter = %s after manual reset, want 600 (untouched)", got)
	}

	// Trading resumes and the standing loss does not immediately re-trip.
	if _, rej := m.Evaluate(longSignal("ETHUSDT", "100", "98"), nil); rej != nil {
		t.Fatalf("Evaluate() rejected after manual reset: %v", rej)
	}
	m.UpdateMark("BTCUSDT", d("87"))
	if m.Tripped() {
		t.Error("loss trip re-armed before the next day boundary")
	}
}

func TestDayBoundaryResetsCountersAndBreaker(t *testing.T) {
	m := newTestManager(testLimits(), false, "10000")
	m.OnFill(fill("BTCUSDT", model.SideBuy, "50", "100"))
	m.OnFill(fill("BTCUSDT", model.SideSell, "50", "89"))
	if !m.Tripped() {
		t.Fatal("breaker should be tripped")
	}

	// Same-day reset call must change nothing.
	m.ResetDailyCounters()
	if got := m.Account().DailyLossCounter.String(); got != "550" {
		t.Fatalf("daily loss counter = %s within the same day, want 550", got)
	}

	m.mu.Lock()
	m.dayStart = m.dayStart.Add(-24 * time.Hour)
	m.mu.Unlock()
	m.ResetDailyCounters()

	acct := m.Account()
	if !acct.DailyLossCounter.IsZero() {
		t.Errorf("daily loss counter = %s after day boundary, want 0", acct.DailyLossCounter.String())
	}
	if !acct.RealizedPnLToday.IsZero() {
		t.Errorf("realized pnl today = %s after day boundary, want 0", acct.RealizedPnLToday.String())
	}
	if acct.StartOfDayEquity.String() != "9450" {
		t.Errorf("start of day equity = %s, want 9450", acct.StartOfDayEquity.String())
	}
	if m.Tripped() {
		t.Error("breaker still tripped after day boundary")
	}
}

func TestOnFillPositionLifecycle(t *testing.T) {
	m := newTestManager(testLimits(), false, "10000")

	m.OnFill(fill("BTCUSDT", model.SideBuy, "2", "100"))
	pos, ok := m.Position("BTCUSDT")
	if !ok || pos.Direction() != model.DirectionLong || pos.NetQuantity.String() != "2" {
		t.Fatalf("position after open = %+v, ok=%v", pos, ok)
	}

	m.OnFill(fill("BTCUSDT", model.SideSell, "1", "105"))
	acct := m.Account()
	if acct.Equity.String() != "10005" {
		t.Errorf("equity = %s after partial close, want 10005", acct.Equity.String())
	}

	m.OnFill(fill("BTCUSDT", model.SideSell, "1", "103"))
	if _, ok := m.Position("BTCUSDT"); ok {
		t.Error("position still present after flat")
	}
	acct = m.Account()
	if acct.Equity.String() != "10008" {
		t.Errorf("equity = %s after flat, want 10008", acct.Equity.String())
	}
	if acct.RealizedPnLToday.String() != "8" {
		t.Errorf("realized pnl today = %s, want 8", acct.RealizedPnLToday.String())
	}
}

func TestRestoreReplacesState(t *testing.T) {
	m := newTestManager(testLimits(), false, "10000")

	account := model.Account{
		Equity:           d("9800"),
		AvailableMargin:  d("9800"),
		RealizedPnLToday: d("-200"),
		DailyLossCounter: d("200"),
		StartOfDayEquity: d("10000"),
	}
	positions := []model.Position{{
		Instrument:    "BTCUSDT",
		NetQuantity:   d("3"),
		AvgEntryPrice: d("101"),
	}}
	breaker := model.CircuitBreakerState{Tripped: true, Reason: "daily loss limit reached"}

	m.Restore(account, positions, breaker)

	if got := m.Account().Equity.String(); got != "9800" {
		t.Errorf("equity = %s, want 9800", got)
	}
	if pos, ok := m.Position("BTCUSDT"); !ok || pos.NetQuantity.String() != "3" {
		t.Errorf("restored position = %+v, ok=%v", pos, ok)
	}
	if !m.Tripped() {
		t.Error("restored breaker state lost")
	}
}
