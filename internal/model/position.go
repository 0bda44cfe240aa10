package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the net exposure for one (account, instrument) pair.
// NetQuantity is signed: positive long, negative short. Updated atomically
// on each fill; removed when the net quantity returns to zero.
type Position struct {
	Instrument    string          `json:"instrument"`
	NetQuantity   decimal.Decimal `json:"net_quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	OpenedAt      time.Time       `json:"opened_at"`
}

// Flat reports whether the position carries no exposure.
func (p Position) Flat() bool {
	return p.NetQuantity.IsZero()
}

// Direction derives the exposure direction from the signed net quantity.
func (p Position) Direction() Direction {
	if p.NetQuantity.Sign() < 0 {
		return DirectionShort
	}
	return DirectionLong
}

// Notional is the absolute exposure at the average entry price.
func (p Position) Notional() decimal.Decimal {
	return p.NetQuantity.Abs().Mul(p.AvgEntryPrice)
}

// MarkPnL returns the unrealized profit at the given mark price. Signed
// net quantity makes the same formula hold for longs and shorts.
func (p Position) MarkPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Flat() {
		return decimal.Zero
	}
	return mark.Sub(p.AvgEntryPrice).Mul(p.NetQuantity)
}

// ApplyFill folds a fill into the position and returns the realized PnL of
// any exposure it closed (zero when it only adds). A fill larger than the
// open quantity closes the position and re-opens the remainder in the
// opposite direction at the fill price.
func (p *Position) ApplyFill(f Fill) decimal.Decimal {
	signed := f.Quantity
	if f.Side == SideSell {
		signed = signed.Neg()
	}

	switch {
	case p.NetQuantity.IsZero():
		p.NetQuantity = signed
		p.AvgEntryPrice = f.Price
		p.OpenedAt = f.Timestamp
		return decimal.Zero

	case p.NetQuantity.Sign() == signed.Sign():
		// Adding to the same side: blend the average entry.
		oldAbs := p.NetQuantity.Abs()
		addAbs := signed.Abs()
		total := oldAbs.Add(addAbs)
		p.AvgEntryPrice = p.AvgEntryPrice.Mul(oldAbs).Add(f.Price.Mul(addAbs)).Div(total)
		p.NetQuantity = p.NetQuantity.Add(signed)
		return decimal.Zero

	default:
		openAbs := p.NetQuantity.Abs()
		closeAbs := decimal.Min(openAbs, signed.Abs())
		closedSigned := closeAbs
		if p.NetQuantity.Sign() < 0 {
			closedSigned = closeAbs.Neg()
		}
		realized := f.Price.Sub(p.AvgEntryPrice).Mul(closedSigned)

		p.NetQuantity = p.NetQuantity.Add(signed)
		if p.NetQuantity.IsZero() {
			p.AvgEntryPrice = decimal.Zero
			p.UnrealizedPnL = decimal.Zero
		} else if p.NetQuantity.Sign() != closedSigned.Sign() {
			// Flipped through flat: remainder opens at the fill price.
			p.AvgEntryPrice = f.Price
			p.OpenedAt = f.Timestamp
		}
		return realized
	}
}
