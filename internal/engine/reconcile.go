package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ai-trading-engine/internal/metrics"
	"ai-trading-engine/internal/model"
)

// restore loads the last snapshot and rebuilds lifecycle records, order
// routing, and the risk manager's account and positions.
func (e *Engine) restore(ctx context.Context) error {
	snap, err := e.store.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	e.risk.Restore(snap.Account, snap.Positions, snap.Breaker)

	e.mu.Lock()
	active := 0
	for id, rec := range snap.Records {
		restored := copyRecord(rec)
		e.records[id] = restored
		if restored.Order != nil {
			e.orderIndex[restored.Order.ClientOrderID] = orderRef{signalID: id}
		}
		if restored.ExitOrder != nil {
			e.orderIndex[restored.ExitOrder.ClientOrderID] = orderRef{signalID: id, exit: true}
		}
		if !restored.State.Terminal() {
			metrics.ActiveLifecycles.WithLabelValues(string(restored.State)).Inc()
			active++
		}
	}
	e.mu.Unlock()

	e.logger.Info().
		Time("taken_at", snap.TakenAt).
		Int("records", len(snap.Records)).
		Int("active", active).
		Msg("engine state restored from snapshot")
	return nil
}

// reconcileInFlight resolves every lifecycle whose venue outcome is
// unknown: submissions interrupted by a halt or crash, open orders that
// may have filled while the engine was down, and closes whose exit order
// never completed. The venue's answer wins; nothing is assumed.
func (e *Engine) reconcileInFlight(ctx context.Context) {
	type pending struct {
		id    string
		state model.LifecycleState
		order *model.Order
		exit  *model.Order
	}
	var work []pending

	e.mu.RLock()
	for id, rec := range e.records {
		switch rec.State {
		case model.StateSubmitting, model.StateClosing:
			work = append(work, pending{id: id, state: rec.State, order: cloneOrder(rec.Order), exit: cloneOrder(rec.ExitOrder)})
		case model.StateOpen:
			if rec.Order != nil && !rec.Order.Status.Terminal() {
				work = append(work, pending{id: id, state: rec.State, order: cloneOrder(rec.Order)})
			}
		}
	}
	e.mu.RUnlock()

	for _, p := range work {
		switch p.state {
		case model.StateSubmitting:
			e.reconcileSubmitting(ctx, p.id, p.order)
		case model.StateOpen:
			e.reconcileOpen(ctx, p.id, p.order)
		case model.StateClosing:
			e.reconcileClosing(ctx, p.id, p.exit)
		}
	}
	if len(work) > 0 {
		e.logger.Info().Int("lifecycles", len(work)).Msg("in-flight reconciliation complete")
	}
}

// reconcileSubmitting decides whether an interrupted submission ever
// reached the venue.
func (e *Engine) reconcileSubmitting(ctx context.Context, signalID string, order *model.Order) {
	if order == nil {
		e.transition(signalID, model.StateRejected, "order never reached venue")
		return
	}
	report, err := e.lookupOrder(ctx, signalID, *order)
	if err != nil {
		return
	}
	if !report.Exists {
		e.transition(signalID, model.StateRejected, "order never reached venue")
		return
	}

	e.absorbVenueFills(signalID, *order, report)
	switch report.Status {
	case model.OrderStatusNew, model.OrderStatusPartiallyFilled:
		e.transition(signalID, model.StateOpen, "reconciled: order live at venue")
	case model.OrderStatusFilled:
		e.transition(signalID, model.StateOpen, "reconciled: order filled at venue")
	case model.OrderStatusCanceled:
		e.applyStatusReport(signalID, report, false)
		if report.FilledQty.IsZero() {
			e.transition(signalID, model.StateRejected, "reconciled: order canceled at venue with no fill")
		} else {
			e.transition(signalID, model.StateFailed, "reconciled: order canceled at venue after partial fill")
		}
	case model.OrderStatusRejected:
		e.applyStatusReport(signalID, report, false)
		e.transition(signalID, model.StateRejected, "reconciled: venue rejected order")
	}
}

// reconcileOpen refreshes an open lifecycle whose entry order was still
// working when the engine stopped.
func (e *Engine) reconcileOpen(ctx context.Context, signalID string, order *model.Order) {
	report, err := e.lookupOrder(ctx, signalID, *order)
	if err != nil {
		return
	}
	if !report.Exists {
		e.transition(signalID, model.StateFailed, "reconciled: live order missing at venue")
		return
	}
	e.absorbVenueFills(signalID, *order, report)
	if report.Status == model.OrderStatusCanceled || report.Status == model.OrderStatusRejected {
		e.applyStatusReport(signalID, report, false)
	}
}

// reconcileClosing finishes a close whose exit order was interrupted.
func (e *Engine) reconcileClosing(ctx context.Context, signalID string, exit *model.Order) {
	if exit == nil {
		// Close decision recorded but the exit never went out.
		e.requeueClose(signalID)
		return
	}
	report, err := e.lookupOrder(ctx, signalID, *exit)
	if err != nil {
		return
	}
	if !report.Exists {
		e.requeueClose(signalID)
		return
	}

	e.absorbExitFills(signalID, *exit, report)
	switch report.Status {
	case model.OrderStatusCanceled, model.OrderStatusRejected:
		e.applyStatusReport(signalID, report, true)
		e.transition(signalID, model.StateFailed, "reconciled: exit order canceled at venue")
	}
	// Live exit orders settle through the fill stream as usual; a FILLED
	// report already closed the lifecycle inside absorbExitFills.
}

func (e *Engine) requeueClose(signalID string) {
	e.mu.Lock()
	rec, ok := e.records[signalID]
	if !ok || rec.State != model.StateClosing {
		e.mu.Unlock()
		return
	}
	e.pendingClose[signalID] = true
	instrument := rec.Signal.Instrument
	e.mu.Unlock()

	if !e.routeTo(instrument, task{kind: taskClose, signalID: signalID, reason: "reconciled: close resubmitted"}) {
		e.clearPendingClose(signalID)
		e.transition(signalID, model.StateFailed, "close queue full")
	}
}

func (e *Engine) lookupOrder(ctx context.Context, signalID string, order model.Order) (model.OrderStatusReport, error) {
	report, err := e.conn.OrderStatus(ctx, order.Instrument, order.ClientOrderID)
	if err != nil {
		e.logger.Error().Err(err).
			Str("signal_id", signalID).
			Str("client_order_id", order.ClientOrderID).
			Msg("reconciliation lookup failed, lifecycle left as-is")
		return model.OrderStatusReport{}, err
	}
	return report, nil
}

// absorbVenueFills settles quantity that filled while the engine was not
// watching. The delta flows through the normal fill path so the account,
// metrics, and audit trail stay consistent.
func (e *Engine) absorbVenueFills(signalID string, order model.Order, report model.OrderStatusReport) {
	e.setVenueOrderID(signalID, report, false)
	delta := report.FilledQty.Sub(order.FilledQty)
	if !delta.IsPositive() {
		return
	}
	e.handleFill(reconciledFill(order, report, delta))
}

func (e *Engine) absorbExitFills(signalID string, exit model.Order, report model.OrderStatusReport) {
	e.setVenueOrderID(signalID, report, true)
	delta := report.FilledQty.Sub(exit.FilledQty)
	if !delta.IsPositive() {
		return
	}
	e.handleFill(reconciledFill(exit, report, delta))
}

func (e *Engine) setVenueOrderID(signalID string, report model.OrderStatusReport, exit bool) {
	if report.VenueOrderID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[signalID]
	if !ok {
		return
	}
	order := rec.Order
	if exit {
		order = rec.ExitOrder
	}
	if order != nil && order.VenueOrderID == "" {
		order.VenueOrderID = report.VenueOrderID
	}
}

// reconciledFill synthesizes the fill event for quantity discovered via a
// status lookup rather than the stream.
func reconciledFill(order model.Order, report model.OrderStatusReport, delta decimal.Decimal) model.Fill {
	price := report.AvgFillPrice
	if !price.IsPositive() {
		price = order.Price
	}
	return model.Fill{
		OrderID:       order.ID,
		ClientOrderID: order.ClientOrderID,
		Instrument:    order.Instrument,
		Side:          order.Side,
		Quantity:      delta,
		Price:         price,
		Timestamp:     time.Now().UTC(),
		Final:         report.Status == model.OrderStatusFilled,
	}
}

func cloneOrder(order *model.Order) *model.Order {
	if order == nil {
		return nil
	}
	o := *order
	return &o
}
