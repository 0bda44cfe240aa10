// Package model holds the shared domain types used by the engine, risk
// manager, connectors, and persistence layers. All monetary values are
// decimal.Decimal; floats appear only in configuration fractions and AI
// confidence scores.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the intended exposure of a signal or position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Valid reports whether the direction is one of the known values.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Opposite returns the reversed direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// EntrySide is the order side that opens exposure in this direction.
func (d Direction) EntrySide() OrderSide {
	if d == DirectionLong {
		return SideBuy
	}
	return SideSell
}

// ExitSide is the order side that closes exposure in this direction.
func (d Direction) ExitSide() OrderSide {
	return d.Opposite().EntrySide()
}

// OrderSide matches the venue wire values.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the execution style requested from the venue.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus tracks an order at the venue.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the venue will not mutate the order further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// Known venue identifiers. Connectors register under these names.
const (
	VenueBinance = "binance"
	VenueExness  = "exness"
	VenuePaper   = "paper"
)

// Signal is a proposed trade from a strategy, not yet risk-checked.
// Immutable once created; consumed exactly once by the engine.
type Signal struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	Instrument string          `json:"instrument"`
	Venue      string          `json:"venue"`
	Direction  Direction       `json:"direction"`
	Entry      decimal.Decimal `json:"entry"`
	Stop       decimal.Decimal `json:"stop"`
	Target     decimal.Decimal `json:"target"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Validate checks the fields a signal must carry before the engine will
// accept it.
func (s Signal) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("signal has no id")
	}
	if s.Instrument == "" {
		return fmt.Errorf("signal %s has no instrument", s.ID)
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("signal %s has invalid direction %q", s.ID, s.Direction)
	}
	if !s.Entry.IsPositive() {
		return fmt.Errorf("signal %s has non-positive entry %s", s.ID, s.Entry)
	}
	if !s.Stop.IsPositive() {
		return fmt.Errorf("signal %s has non-positive stop %s", s.ID, s.Stop)
	}
	if s.Entry.Equal(s.Stop) {
		return fmt.Errorf("signal %s has zero stop distance", s.ID)
	}
	return nil
}

// AnalysisAction is the recommendation an AI provider attaches to a signal.
type AnalysisAction string

const (
	ActionApprove AnalysisAction = "approve"
	ActionReject  AnalysisAction = "reject"
	ActionNeutral AnalysisAction = "neutral"
)

// Valid reports whether the action is one the engine understands.
func (a AnalysisAction) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionNeutral:
		return true
	}
	return false
}

// AnalysisResult is one provider's view of a signal. It lives for the
// decision cycle only; the audit record keeps a copy.
type AnalysisResult struct {
	Confidence float64          `json:"confidence"`
	Action     AnalysisAction   `json:"action"`
	Rationale  string           `json:"rationale"`
	ProviderID string           `json:"provider_id"`
	Latency    time.Duration    `json:"latency"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

// SizedOrder is the risk manager's approval artifact: the signal plus the
// quantity that survived sizing and clamping.
type SizedOrder struct {
	Signal     Signal          `json:"signal"`
	Quantity   decimal.Decimal `json:"quantity"`
	Entry      decimal.Decimal `json:"entry"`
	Stop       decimal.Decimal `json:"stop"`
	Target     decimal.Decimal `json:"target"`
	RiskAmount decimal.Decimal `json:"risk_amount"`
	Notional   decimal.Decimal `json:"notional"`
}

// Order is created by the engine on risk approval and owned exclusively by
// the engine until it reaches a terminal status. Only connector fill and
// cancel events mutate it.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	VenueOrderID  string          `json:"venue_order_id,omitempty"`
	SignalID      string          `json:"signal_id"`
	Instrument    string          `json:"instrument"`
	Venue         string          `json:"venue"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	Price         decimal.Decimal `json:"price"` // zero for market orders
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// OrderAck is the venue's acknowledgement of a submission.
type OrderAck struct {
	VenueOrderID string          `json:"venue_order_id"`
	Status       OrderStatus     `json:"status"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// OrderStatusReport is the connector's answer to a reconciliation lookup.
type OrderStatusReport struct {
	Exists        bool            `json:"exists"`
	ClientOrderID string          `json:"client_order_id"`
	VenueOrderID  string          `json:"venue_order_id"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
}

// Fill confirms that some or all of an order executed at the venue.
type Fill struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Instrument    string          `json:"instrument"`
	Side          OrderSide       `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	Timestamp     time.Time       `json:"timestamp"`
	Final         bool            `json:"final"` // last fill for the order
}

// Tick is a price observation for an instrument.
type Tick struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	At         time.Time       `json:"at"`
}

// Account is the per-session trading account. One instance per session;
// mutated only by the risk manager and fill settlement.
type Account struct {
	Equity           decimal.Decimal `json:"equity"`
	AvailableMargin  decimal.Decimal `json:"available_margin"`
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today"`
	// DailyLossCounter is a high-water mark of observed daily loss
	// (realized plus unrealized). It never decreases within a day.
	DailyLossCounter decimal.Decimal `json:"daily_loss_counter"`
	StartOfDayEquity decimal.Decimal `json:"start_of_day_equity"`
	// ConsecutiveSubmissionFailures counts failed order submissions since
	// the last success; feeds the failure-trip condition.
	ConsecutiveSubmissionFailures int `json:"consecutive_submission_failures"`
}

// RiskLimits is immutable configuration loaded at startup.
type RiskLimits struct {
	// RiskFraction of equity placed at risk per trade (entry-to-stop).
	RiskFraction float64 `json:"risk_fraction"`
	// MaxPositionSizePct caps a single position's notional as a fraction
	// of equity.
	MaxPositionSizePct float64 `json:"max_position_size_pct"`
	// MaxDailyLossPct of start-of-day equity that trips the breaker.
	MaxDailyLossPct float64 `json:"max_daily_loss_pct"`
	// MaxConcurrentPositions across all instruments.
	MaxConcurrentPositions int `json:"max_concurrent_positions"`
	// CircuitBreakerFailureThreshold of consecutive submission failures.
	CircuitBreakerFailureThreshold int `json:"circuit_breaker_failure_threshold"`
	// MinConfidence an analysis must reach when veto mode is on.
	MinConfidence float64 `json:"min_confidence"`
	// AllowReversal permits a signal against an open position to close
	// and flip it instead of being rejected.
	AllowReversal bool `json:"allow_reversal"`
}

// CircuitBreakerState is the account-wide trading halt flag. Set only by
// the risk manager; read by the engine before any submission.
type CircuitBreakerState struct {
	Tripped       bool      `json:"tripped"`
	Reason        string    `json:"reason,omitempty"`
	TrippedAt     time.Time `json:"tripped_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// ProviderHealth tracks one AI provider's failover circuit. Mutated by the
// failover orchestrator only.
type ProviderHealth struct {
	ProviderID          string    `json:"provider_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CircuitOpen         bool      `json:"circuit_open"`
	ReopenAfter         time.Time `json:"reopen_after,omitempty"`
}

// InstrumentRule carries the venue's lot constraints for one instrument.
type InstrumentRule struct {
	Instrument  string          `json:"instrument"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MaxQty      decimal.Decimal `json:"max_qty"`
	QtyStep     decimal.Decimal `json:"qty_step"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// ClampQty rounds qty down to the lot step and enforces min/max bounds.
// A zero result means the quantity does not satisfy the rule.
func (r InstrumentRule) ClampQty(qty decimal.Decimal) decimal.Decimal {
	if r.QtyStep.IsPositive() {
		qty = qty.Div(r.QtyStep).Floor().Mul(r.QtyStep)
	}
	if r.MaxQty.IsPositive() && qty.GreaterThan(r.MaxQty) {
		qty = r.MaxQty
		if r.QtyStep.IsPositive() {
			qty = qty.Div(r.QtyStep).Floor().Mul(r.QtyStep)
		}
	}
	if r.MinQty.IsPositive() && qty.LessThan(r.MinQty) {
		return decimal.Zero
	}
	return qty
}
