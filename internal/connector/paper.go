package connector

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/model"
)

// PaperConnector simulates a venue in process. Market orders fill fully
// at the current mark plus configured slippage after a fixed delay, and a
// random-walk tick generator stands in for market data. Orders, fills,
// and positions behave like the live connector so the engine cannot tell
// the difference.
type PaperConnector struct {
	cfg    config.PaperConfig
	logger zerolog.Logger

	mu        sync.Mutex
	orders    map[string]*model.Order
	positions map[string]*paperPosition
	marks     map[string]decimal.Decimal
	fillSubs  []chan model.Fill
	tickSubs  []chan model.Tick
	rng       *rand.Rand
	closed    bool

	stop chan struct{}
	done chan struct{}
}

type paperPosition struct {
	qty      decimal.Decimal // signed
	avgPrice decimal.Decimal
}

func NewPaperConnector(cfg config.PaperConfig, instruments []string, logger zerolog.Logger) *PaperConnector {
	p := &PaperConnector{
		cfg:       cfg,
		logger:    logger.With().Str("component", "paper_connector").Logger(),
		orders:    make(map[string]*model.Order),
		positions: make(map[string]*paperPosition),
		marks:     make(map[string]decimal.Decimal),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.tickGenerator(instruments)
	return p
}

func (p *PaperConnector) Venue() string { return model.VenuePaper }

// SeedMark sets the reference price for an instrument before any order
// has traded it.
func (p *PaperConnector) SeedMark(instrument string, price decimal.Decimal) {
	p.mu.Lock()
	p.marks[instrument] = price
	p.mu.Unlock()
}

func (p *PaperConnector) SubmitOrder(ctx context.Context, order model.Order) (model.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderAck{}, err
	}
	if !order.Quantity.IsPositive() {
		return model.OrderAck{}, fatalErr(model.VenuePaper, CodeVenueRejected, fmt.Sprintf("non-positive quantity %s", order.Quantity), nil)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return model.OrderAck{}, fatalErr(model.VenuePaper, CodeVenueUnavailable, "connector closed", nil)
	}
	if existing, ok := p.orders[order.ClientOrderID]; ok {
		// Venue-side idempotency on the client order id.
		ack := model.OrderAck{
			VenueOrderID: existing.VenueOrderID,
			Status:       existing.Status,
			FilledQty:    existing.FilledQty,
			Timestamp:    time.Now().UTC(),
		}
		p.mu.Unlock()
		return ack, nil
	}

	stored := order
	stored.VenueOrderID = model.NewID("pap")
	stored.Status = model.OrderStatusNew
	stored.UpdatedAt = time.Now().UTC()
	p.orders[order.ClientOrderID] = &stored

	// First order on an instrument seeds the mark from its reference
	// price so the tick walk has somewhere to start.
	if _, ok := p.marks[order.Instrument]; !ok && order.Price.IsPositive() {
		p.marks[order.Instrument] = order.Price
	}
	p.mu.Unlock()

	delay := p.cfg.FillDelay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	time.AfterFunc(delay, func() { p.fillOrder(order.ClientOrderID) })

	return model.OrderAck{
		VenueOrderID: stored.VenueOrderID,
		Status:       model.OrderStatusNew,
		Timestamp:    stored.UpdatedAt,
	}, nil
}

// fillOrder executes a resting order completely at the mark plus
// slippage. A cancel that landed first wins.
func (p *PaperConnector) fillOrder(clientOrderID string) {
	p.mu.Lock()
	order, ok := p.orders[clientOrderID]
	if !ok || order.Status.Terminal() || p.closed {
		p.mu.Unlock()
		return
	}

	price := p.marks[order.Instrument]
	if !price.IsPositive() {
		price = order.Price
	}
	if !price.IsPositive() {
		// Nothing to price against; reject rather than invent a fill.
		order.Status = model.OrderStatusRejected
		order.UpdatedAt = time.Now().UTC()
		p.mu.Unlock()
		return
	}
	price = applySlippage(price, order.Side, p.cfg.SlippageBps)

	order.FilledQty = order.Quantity
	order.Status = model.OrderStatusFilled
	order.UpdatedAt = time.Now().UTC()
	p.applyPositionLocked(order.Instrument, order.Side, order.Quantity, price)

	fill := model.Fill{
		OrderID:       order.ID,
		ClientOrderID: order.ClientOrderID,
		Instrument:    order.Instrument,
		Side:          order.Side,
		Quantity:      order.Quantity,
		Price:         price,
		Fee:           decimal.Zero,
		Timestamp:     order.UpdatedAt,
		Final:         true,
	}
	subs := append([]chan model.Fill(nil), p.fillSubs...)
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- fill:
		default:
			p.logger.Warn().Str("client_order_id", clientOrderID).Msg("fill subscriber full, fill dropped")
		}
	}
}

func (p *PaperConnector) applyPositionLocked(instrument string, side model.OrderSide, qty, price decimal.Decimal) {
	pos, ok := p.positions[instrument]
	if !ok {
		pos = &paperPosition{}
		p.positions[instrument] = pos
	}
	signed := qty
	if side == model.SideSell {
		signed = qty.Neg()
	}
	newQty := pos.qty.Add(signed)
	switch {
	case pos.qty.IsZero() || pos.qty.Sign() == signed.Sign():
		// Opening or adding: blend the average price.
		total := pos.qty.Abs().Mul(pos.avgPrice).Add(qty.Mul(price))
		pos.avgPrice = total.Div(pos.qty.Abs().Add(qty))
	case newQty.IsZero():
		pos.avgPrice = decimal.Zero
	case pos.qty.Sign() != newQty.Sign():
		// Flip: remainder opens at the fill price.
		pos.avgPrice = price
	}
	pos.qty = newQty
	if pos.qty.IsZero() {
		delete(p.positions, instrument)
	}
}

func (p *PaperConnector) CancelOrder(ctx context.Context, instrument, clientOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[clientOrderID]
	if !ok {
		return fatalErr(model.VenuePaper, CodeOrderNotFound, fmt.Sprintf("order %s not found", clientOrderID), nil)
	}
	if order.Status.Terminal() {
		return nil
	}
	order.Status = model.OrderStatusCanceled
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *PaperConnector) OrderStatus(ctx context.Context, instrument, clientOrderID string) (model.OrderStatusReport, error) {
	if err := ctx.Err(); err != nil {
		return model.OrderStatusReport{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[clientOrderID]
	if !ok {
		return model.OrderStatusReport{Exists: false}, nil
	}
	report := model.OrderStatusReport{
		Exists:        true,
		ClientOrderID: order.ClientOrderID,
		VenueOrderID:  order.VenueOrderID,
		Status:        order.Status,
		FilledQty:     order.FilledQty,
	}
	if order.FilledQty.IsPositive() {
		report.AvgFillPrice = p.marks[order.Instrument]
	}
	return report, nil
}

func (p *PaperConnector) Position(ctx context.Context, instrument string) (model.Position, error) {
	if err := ctx.Err(); err != nil {
		return model.Position{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[instrument]
	if !ok {
		return model.Position{Instrument: instrument}, nil
	}
	return model.Position{
		Instrument:    instrument,
		NetQuantity:   pos.qty,
		AvgEntryPrice: pos.avgPrice,
	}, nil
}

func (p *PaperConnector) StreamFills(ctx context.Context) (<-chan model.Fill, error) {
	ch := make(chan model.Fill, 64)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fatalErr(model.VenuePaper, CodeVenueUnavailable, "connector closed", nil)
	}
	p.fillSubs = append(p.fillSubs, ch)
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-p.stop:
		}
		p.mu.Lock()
		for i, sub := range p.fillSubs {
			if sub == ch {
				p.fillSubs = append(p.fillSubs[:i], p.fillSubs[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (p *PaperConnector) StreamTicks(ctx context.Context, instruments []string) (<-chan model.Tick, error) {
	ch := make(chan model.Tick, 64)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fatalErr(model.VenuePaper, CodeVenueUnavailable, "connector closed", nil)
	}
	p.tickSubs = append(p.tickSubs, ch)
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-p.stop:
		}
		p.mu.Lock()
		for i, sub := range p.tickSubs {
			if sub == ch {
				p.tickSubs = append(p.tickSubs[:i], p.tickSubs[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// tickGenerator walks each seeded mark a few basis points per interval
// and publishes the result to every tick subscriber.
func (p *PaperConnector) tickGenerator(instruments []string) {
	defer close(p.done)
	interval := p.cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		var ticks []model.Tick
		for _, instrument := range instruments {
			mark, ok := p.marks[instrument]
			if !ok || !mark.IsPositive() {
				continue
			}
			// Uniform walk within +-10 bps per tick.
			drift := decimal.NewFromFloat((p.rng.Float64() - 0.5) * 0.002)
			mark = mark.Mul(decimal.NewFromInt(1).Add(drift))
			p.marks[instrument] = mark
			ticks = append(ticks, model.Tick{Instrument: instrument, Price: mark, At: time.Now().UTC()})
		}
		subs := append([]chan model.Tick(nil), p.tickSubs...)
		p.mu.Unlock()

		for _, tick := range ticks {
			for _, ch := range subs {
				select {
				case ch <- tick:
				default:
				}
			}
		}
	}
}

func (p *PaperConnector) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.stop)
	<-p.done
	return nil
}

// applySlippage moves the price against the taker by the configured
// basis points.
func applySlippage(price decimal.Decimal, side model.OrderSide, bps float64) decimal.Decimal {
	if bps <= 0 {
		return price
	}
	factor := decimal.NewFromFloat(bps / 10000)
	if side == model.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(factor))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(factor))
}
