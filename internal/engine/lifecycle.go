package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/connector"
	"ai-trading-engine/internal/metrics"
	"ai-trading-engine/internal/model"
	"ai-trading-engine/internal/risk"
)

// processSignal walks one signal through analysis, risk check, and
// submission. It runs on the instrument's shard worker, so two signals
// for the same instrument never interleave here.
func (e *Engine) processSignal(sig model.Signal) {
	rec := e.record(sig.ID)
	if rec == nil {
		return
	}
	if e.cancelRequested(sig.ID) {
		e.transition(sig.ID, model.StateRejected, "external cancel before analysis")
		return
	}

	if !e.transition(sig.ID, model.StateAnalyzing, "") {
		return
	}
	analysis, ok := e.analyzeSignal(sig)
	if !ok {
		return
	}
	e.setAnalysis(sig.ID, analysis)

	if e.cancelRequested(sig.ID) {
		e.transition(sig.ID, model.StateRejected, "external cancel before risk check")
		return
	}
	if !e.transition(sig.ID, model.StateRiskChecking, "") {
		return
	}

	sized, rejection := e.risk.Evaluate(sig, analysis)
	if rejection != nil {
		e.bus.PublishSignalRejected(sig.ID, sig.Instrument, rejection.Code, rejection.Reason)
		e.recordRejection(sig, rejection)
		e.transition(sig.ID, model.StateRejected, rejection.Error())
		return
	}
	e.setSized(sig.ID, sized)

	if e.cancelRequested(sig.ID) {
		e.transition(sig.ID, model.StateRejected, "external cancel before submission")
		return
	}
	if !e.transition(sig.ID, model.StateSubmitting, "") {
		return
	}
	e.submitEntry(sig, sized)
}

// analyzeSignal runs the failover chain. The second return is false when
// the lifecycle already terminated here (halt or fallback rejection).
func (e *Engine) analyzeSignal(sig model.Signal) (*model.AnalysisResult, bool) {
	if e.analyzer == nil || !e.cfg.AIConfig.Enabled {
		return nil, true
	}

	sess := e.session()
	timeout := e.cfg.EngineConfig.AnalysisTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(sess, timeout)
	defer cancel()

	result, err := e.analyzer.Analyze(ctx, sig)
	if err == nil {
		return &result, true
	}
	if sess.Err() != nil {
		e.transition(sig.ID, model.StateRejected, "engine halted during analysis")
		return nil, false
	}

	e.logger.Warn().Err(err).Str("signal_id", sig.ID).Msg("analysis unavailable")
	if e.cfg.AIConfig.FallbackPolicy == config.FallbackSignalOnly {
		return nil, true
	}
	e.transition(sig.ID, model.StateRejected, "analysis unavailable: "+err.Error())
	return nil, false
}

// submitEntry creates the entry order, registers it for fill routing
// before the venue call, and resolves the ack into Open or a terminal
// state. The order is indexed first so a fill arriving ahead of the ack
// still finds its lifecycle.
func (e *Engine) submitEntry(sig model.Signal, sized *model.SizedOrder) {
	now := time.Now().UTC()
	order := &model.Order{
		ID:            model.NewOrderID(),
		ClientOrderID: model.ClientOrderID(sig.Instrument, sig.Direction.EntrySide(), sized.Quantity, sig.ID),
		SignalID:      sig.ID,
		Instrument:    sig.Instrument,
		Venue:         e.conn.Venue(),
		Side:          sig.Direction.EntrySide(),
		Type:          model.OrderTypeMarket,
		Quantity:      sized.Quantity,
		Price:         sized.Entry, // reference price; market execution
		Status:        model.OrderStatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.indexOrder(sig.ID, order, false)

	sess := e.session()
	ack, err := e.submitWithRetry(sess, *order)
	if err != nil {
		e.risk.OnSubmissionResult(false)
		if sess.Err() != nil {
			// Halted mid-submission. The venue may or may not have the
			// order; reconciliation on resume decides, never this path.
			e.logger.Warn().Str("signal_id", sig.ID).Msg("halt interrupted submission, awaiting reconciliation")
			return
		}
		var cerr *connector.ConnectorError
		if errors.As(err, &cerr) && cerr.Code == connector.CodeVenueRejected {
			e.transition(sig.ID, model.StateRejected, "venue rejected order: "+cerr.Message)
			return
		}
		e.transition(sig.ID, model.StateFailed, "order submission failed: "+err.Error())
		return
	}

	e.risk.OnSubmissionResult(true)
	e.mu.Lock()
	order.VenueOrderID = ack.VenueOrderID
	if ack.Status != "" {
		order.Status = ack.Status
	}
	order.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()

	metrics.OrdersSubmitted.WithLabelValues(order.Venue, string(order.Side)).Inc()
	e.bus.PublishOrderSubmitted(order.ID, sig.ID, sig.Instrument, string(order.Side), order.Quantity.String())
	e.transition(sig.ID, model.StateOpen, "order acknowledged by venue")
}

// submitWithRetry retries transient connector failures with doubling
// backoff. Fatal errors and context cancellation return immediately.
func (e *Engine) submitWithRetry(ctx context.Context, order model.Order) (model.OrderAck, error) {
	attempts := e.cfg.EngineConfig.SubmitMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := e.cfg.EngineConfig.SubmitBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ack, err := e.conn.SubmitOrder(ctx, order)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return model.OrderAck{}, err
		}
		var cerr *connector.ConnectorError
		if errors.As(err, &cerr) && !cerr.Retryable() {
			return model.OrderAck{}, err
		}
		if attempt == attempts {
			break
		}
		metrics.SubmitRetries.Inc()
		e.logger.Warn().Err(err).
			Str("client_order_id", order.ClientOrderID).
			Int("attempt", attempt).
			Msg("order submission failed, retrying")
		select {
		case <-ctx.Done():
			return model.OrderAck{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return model.OrderAck{}, lastErr
}

// processCancel resolves an external cancel request against the current
// state: live order routes to Closing, anything earlier terminates as
// Rejected.
func (e *Engine) processCancel(signalID, reason string) {
	e.mu.RLock()
	rec, ok := e.records[signalID]
	if !ok {
		e.mu.RUnlock()
		return
	}
	state := rec.State
	var entry *model.Order
	if rec.Order != nil {
		o := *rec.Order
		entry = &o
	}
	e.mu.RUnlock()

	switch state {
	case model.StateIdle, model.StateAnalyzing, model.StateRiskChecking:
		e.transition(signalID, model.StateRejected, reason)
	case model.StateSubmitting:
		// Unknown venue outcome, usually a halt leftover. Look the order
		// up before deciding which way the cancel resolves.
		if entry == nil {
			e.transition(signalID, model.StateRejected, reason)
			return
		}
		report, err := e.conn.OrderStatus(e.runCtx, entry.Instrument, entry.ClientOrderID)
		if err != nil {
			e.logger.Error().Err(err).Str("signal_id", signalID).Msg("cancel status lookup failed")
			return
		}
		if !report.Exists {
			e.transition(signalID, model.StateRejected, reason+", order never reached venue")
			return
		}
		e.applyStatusReport(signalID, report, false)
		e.startClose(signalID, reason)
	case model.StateOpen:
		e.startClose(signalID, reason)
	case model.StateClosing:
		// Close already in flight; the cancel changes nothing.
	default:
	}
}

// processClose flattens an open lifecycle: cancel whatever remains of the
// entry order, then submit a market exit for the filled quantity.
func (e *Engine) processClose(signalID, reason string) {
	e.mu.Lock()
	rec, ok := e.records[signalID]
	if !ok || rec.State != model.StateClosing {
		delete(e.pendingClose, signalID)
		e.mu.Unlock()
		return
	}
	sig := rec.Signal
	entry := *rec.Order
	e.mu.Unlock()

	if !entry.Status.Terminal() {
		if err := e.conn.CancelOrder(e.runCtx, entry.Instrument, entry.ClientOrderID); err != nil {
			var cerr *connector.ConnectorError
			if !errors.As(err, &cerr) || cerr.Code != connector.CodeOrderNotFound {
				e.logger.Error().Err(err).Str("signal_id", signalID).Msg("entry cancel failed")
			}
		} else {
			e.bus.PublishOrderCanceled(entry.ID, entry.Instrument)
		}
		// Reload: the cancel may have raced a final fill.
		e.mu.RLock()
		entry = *e.records[signalID].Order
		e.mu.RUnlock()
	}

	if entry.FilledQty.IsZero() {
		e.clearPendingClose(signalID)
		e.transition(signalID, model.StateClosed, reason+", no quantity filled")
		return
	}

	now := time.Now().UTC()
	exitSide := sig.Direction.ExitSide()
	exit := &model.Order{
		ID:            model.NewOrderID(),
		ClientOrderID: model.ClientOrderID(sig.Instrument, exitSide, entry.FilledQty, sig.ID),
		SignalID:      sig.ID,
		Instrument:    sig.Instrument,
		Venue:         e.conn.Venue(),
		Side:          exitSide,
		Type:          model.OrderTypeMarket,
		Quantity:      entry.FilledQty,
		Status:        model.OrderStatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.indexOrder(sig.ID, exit, true)

	ack, err := e.submitWithRetry(e.session(), *exit)
	if err != nil {
		e.risk.OnSubmissionResult(false)
		e.clearPendingClose(signalID)
		if e.session().Err() != nil {
			e.logger.Warn().Str("signal_id", signalID).Msg("halt interrupted exit submission, awaiting reconciliation")
			return
		}
		e.transition(signalID, model.StateFailed, "exit submission failed: "+err.Error())
		return
	}
	e.risk.OnSubmissionResult(true)

	e.mu.Lock()
	exit.VenueOrderID = ack.VenueOrderID
	if ack.Status != "" {
		exit.Status = ack.Status
	}
	exit.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()

	metrics.OrdersSubmitted.WithLabelValues(exit.Venue, string(exit.Side)).Inc()
	e.bus.PublishOrderSubmitted(exit.ID, sig.ID, sig.Instrument, string(exit.Side), exit.Quantity.String())
}

// startClose moves an Open lifecycle to Closing and queues the close work
// on the instrument's shard. The pendingClose set dedupes repeated tick
// breaches while the close is in flight.
func (e *Engine) startClose(signalID, reason string) {
	e.mu.Lock()
	rec, ok := e.records[signalID]
	if !ok || rec.State.Terminal() || e.pendingClose[signalID] {
		e.mu.Unlock()
		return
	}
	e.pendingClose[signalID] = true
	instrument := rec.Signal.Instrument
	e.mu.Unlock()

	if !e.transition(signalID, model.StateClosing, reason) {
		e.clearPendingClose(signalID)
		return
	}
	if !e.routeTo(instrument, task{kind: taskClose, signalID: signalID, reason: reason}) {
		e.clearPendingClose(signalID)
		e.transition(signalID, model.StateFailed, "close queue full")
	}
}

func (e *Engine) clearPendingClose(signalID string) {
	e.mu.Lock()
	delete(e.pendingClose, signalID)
	e.mu.Unlock()
}

// handleFill settles a connector fill: portfolio first, then the owning
// order and lifecycle. Fills for orders the engine does not own are
// logged and dropped.
func (e *Engine) handleFill(fill model.Fill) {
	metrics.FillsReceived.WithLabelValues(e.conn.Venue()).Inc()

	e.mu.Lock()
	ref, ok := e.orderIndex[fill.ClientOrderID]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn().
			Str("client_order_id", fill.ClientOrderID).
			Str("instrument", fill.Instrument).
			Msg("fill for unknown order dropped")
		return
	}
	rec := e.records[ref.signalID]
	order := rec.Order
	if ref.exit {
		order = rec.ExitOrder
	}
	order.FilledQty = order.FilledQty.Add(fill.Quantity)
	order.Status = model.OrderStatusPartiallyFilled
	if fill.Final {
		order.Status = model.OrderStatusFilled
	}
	order.UpdatedAt = time.Now().UTC()
	rec.UpdatedAt = order.UpdatedAt
	orderID := order.ID
	e.mu.Unlock()

	e.risk.OnFill(fill)
	e.bus.PublishOrderFilled(orderID, fill.Instrument, string(fill.Side), fill.Quantity.String(), fill.Price.String(), fill.Final)

	e.persistFill(fill, orderID)

	if ref.exit && fill.Final {
		e.clearPendingClose(ref.signalID)
		e.transition(ref.signalID, model.StateClosed, "position closed")
	}
}

// handleTick feeds the mark price to the risk manager and closes any open
// lifecycle whose stop or target the tick breached.
func (e *Engine) handleTick(tick model.Tick) {
	e.risk.UpdateMark(tick.Instrument, tick.Price)

	type breach struct {
		signalID string
		reason   string
	}
	var breached []breach

	e.mu.RLock()
	for id, rec := range e.records {
		if rec.State != model.StateOpen || rec.Signal.Instrument != tick.Instrument || e.pendingClose[id] {
			continue
		}
		if rec.Order == nil || rec.Order.FilledQty.IsZero() || rec.Sized == nil {
			continue
		}
		if reason := breachReason(rec.Signal.Direction, tick.Price, rec.Sized.Stop, rec.Sized.Target); reason != "" {
			breached = append(breached, breach{signalID: id, reason: reason})
		}
	}
	e.mu.RUnlock()

	for _, b := range breached {
		e.startClose(b.signalID, b.reason)
	}
}

// breachReason reports why a mark price forces a close, or "" when the
// position can stay open.
func breachReason(dir model.Direction, price, stop, target decimal.Decimal) string {
	if dir == model.DirectionLong {
		if price.LessThanOrEqual(stop) {
			return "stop loss breached at " + price.String()
		}
		if target.IsPositive() && price.GreaterThanOrEqual(target) {
			return "take profit reached at " + price.String()
		}
		return ""
	}
	if price.GreaterThanOrEqual(stop) {
		return "stop loss breached at " + price.String()
	}
	if target.IsPositive() && price.LessThanOrEqual(target) {
		return "take profit reached at " + price.String()
	}
	return ""
}

// transition applies one state machine hop, records it on the audit path,
// and persists the updated record. Invalid hops are logged and refused.
func (e *Engine) transition(signalID string, to model.LifecycleState, reason string) bool {
	e.mu.Lock()
	rec, ok := e.records[signalID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	from := rec.State
	if !CanTransition(from, to) {
		e.mu.Unlock()
		e.logger.Error().
			Str("signal_id", signalID).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("invalid lifecycle transition refused")
		return false
	}
	now := time.Now().UTC()
	rec.Path = append(rec.Path, model.TransitionStep{From: from, To: to, Reason: reason, At: now})
	rec.State = to
	rec.UpdatedAt = now
	switch to {
	case model.StateRejected:
		rec.RejectReason = reason
	case model.StateFailed:
		rec.FailReason = reason
	}
	snapshot := copyRecord(rec)
	instrument := rec.Signal.Instrument
	e.mu.Unlock()

	metrics.ActiveLifecycles.WithLabelValues(string(from)).Dec()
	if to.Terminal() {
		metrics.SignalsProcessed.WithLabelValues(strings.ToLower(string(to))).Inc()
	} else {
		metrics.ActiveLifecycles.WithLabelValues(string(to)).Inc()
	}

	e.bus.PublishLifecycleChanged(signalID, instrument, string(from), string(to), reason)
	if to == model.StateFailed {
		e.bus.PublishLifecycleFailed(signalID, instrument, reason)
	}
	e.logger.Info().
		Str("signal_id", signalID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("lifecycle transition")

	e.persistLifecycle(snapshot)
	return true
}

// Persistence calls are bounded so a slow store cannot wedge a shard
// worker, and detached from runCtx so final writes survive shutdown.

func (e *Engine) persistLifecycle(rec *model.LifecycleRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.RecordLifecycle(ctx, *rec); err != nil {
		e.logger.Error().Err(err).Str("signal_id", rec.Signal.ID).Msg("failed to persist lifecycle record")
	}
}

func (e *Engine) persistFill(fill model.Fill, orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.RecordFill(ctx, fill); err != nil {
		e.logger.Error().Err(err).Str("order_id", orderID).Msg("failed to persist fill")
	}
}

func (e *Engine) recordRejection(sig model.Signal, rejection *risk.Rejection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.RecordRejection(ctx, sig, rejection.Code, rejection.Reason); err != nil {
		e.logger.Error().Err(err).Str("signal_id", sig.ID).Msg("failed to persist rejection")
	}
}

func (e *Engine) record(signalID string) *model.LifecycleRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.records[signalID]
}

func (e *Engine) cancelRequested(signalID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[signalID]
	return ok && rec.CancelRequested
}

func (e *Engine) setAnalysis(signalID string, analysis *model.AnalysisResult) {
	if analysis == nil {
		return
	}
	e.mu.Lock()
	if rec, ok := e.records[signalID]; ok {
		rec.Analysis = analysis
		rec.UpdatedAt = time.Now().UTC()
	}
	e.mu.Unlock()
}

func (e *Engine) setSized(signalID string, sized *model.SizedOrder) {
	e.mu.Lock()
	if rec, ok := e.records[signalID]; ok {
		rec.Sized = sized
		rec.UpdatedAt = time.Now().UTC()
	}
	e.mu.Unlock()
}

// indexOrder attaches an order to its lifecycle and registers the fill
// routing key. Must happen before the venue sees the order.
func (e *Engine) indexOrder(signalID string, order *model.Order, exit bool) {
	e.mu.Lock()
	if rec, ok := e.records[signalID]; ok {
		if exit {
			rec.ExitOrder = order
		} else {
			rec.Order = order
		}
		rec.UpdatedAt = time.Now().UTC()
	}
	e.orderIndex[order.ClientOrderID] = orderRef{signalID: signalID, exit: exit}
	e.mu.Unlock()
}

// applyStatusReport folds a reconciliation lookup into the order.
func (e *Engine) applyStatusReport(signalID string, report model.OrderStatusReport, exit bool) {
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
	if order == nil {
		return
	}
	if report.VenueOrderID != "" {
		order.VenueOrderID = report.VenueOrderID
	}
	if report.Status != "" {
		order.Status = report.Status
	}
	order.FilledQty = report.FilledQty
	order.UpdatedAt = time.Now().UTC()
	rec.UpdatedAt = order.UpdatedAt
}

// copyRecord deep-copies a lifecycle record for callers outside the lock.
func copyRecord(rec *model.LifecycleRecord) *model.LifecycleRecord {
	out := *rec
	out.Path = append([]model.TransitionStep(nil), rec.Path...)
	if rec.Analysis != nil {
		a := *rec.Analysis
		out.Analysis = &a
	}
	if rec.Sized != nil {
		s := *rec.Sized
		out.Sized = &s
	}
	if rec.Order != nil {
		o := *rec.Order
		out.Order = &o
	}
	if rec.ExitOrder != nil {
		o := *rec.ExitOrder
		out.ExitOrder = &o
	}
	return &out
}
