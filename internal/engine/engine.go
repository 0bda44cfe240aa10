// Package engine drives the per-signal trading lifecycle: analysis,
// risk checking, submission, and position close-out. Signals for the
// same instrument are serialized onto one shard worker; different
// instruments proceed in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/connector"
	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/metrics"
	"ai-trading-engine/internal/model"
	"ai-trading-engine/internal/risk"
	"ai-trading-engine/internal/store"
)

// Analyzer is the failover chain seen from the engine. A nil Analyzer
// disables the analysis stage entirely.
type Analyzer interface {
	Analyze(ctx context.Context, sig model.Signal) (model.AnalysisResult, error)
}

// Intake errors returned by SubmitSignal and CancelSignal before any
// lifecycle work happens.
var (
	ErrHalted            = errors.New("engine is halted")
	ErrNotStarted        = errors.New("engine is not started")
	ErrDuplicateSignal   = errors.New("signal id already used")
	ErrUnknownInstrument = errors.New("instrument is not in the configured universe")
	ErrQueueFull         = errors.New("signal queue is full")
	ErrUnknownSignal     = errors.New("unknown signal id")
	ErrSignalTerminal    = errors.New("signal already terminal")
)

type taskKind int

const (
	taskSignal taskKind = iota
	taskCancel
	taskClose
)

type task struct {
	kind     taskKind
	signal   model.Signal
	signalID string
	reason   string
}

type orderRef struct {
	signalID string
	exit     bool
}

// Engine owns lifecycle records and order routing. Portfolio state lives
// in the risk manager; the engine never mutates it directly, it only
// feeds fills and submission outcomes through the manager's operations.
type Engine struct {
	cfg      *config.Config
	risk     *risk.Manager
	conn     connector.Connector
	store    store.Store
	analyzer Analyzer
	bus      *events.EventBus
	logger   zerolog.Logger

	mu           sync.RWMutex
	records      map[string]*model.LifecycleRecord
	orderIndex   map[string]orderRef
	pendingClose map[string]bool
	instruments  map[string]bool

	shards []chan task
	wg     sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc

	sessionMu     sync.Mutex
	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	halted  atomic.Bool
	started atomic.Bool
}

func New(cfg *config.Config, riskMgr *risk.Manager, conn connector.Connector, st store.Store, analyzer Analyzer, bus *events.EventBus, logger zerolog.Logger) *Engine {
	instruments := make(map[string]bool, len(cfg.TradingConfig.Instruments))
	for _, ins := range cfg.TradingConfig.Instruments {
		instruments[ins] = true
	}

	workers := cfg.EngineConfig.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := cfg.EngineConfig.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	shards := make([]chan task, workers)
	for i := range shards {
		shards[i] = make(chan task, queueSize)
	}

	return &Engine{
		cfg:          cfg,
		risk:         riskMgr,
		conn:         conn,
		store:        st,
		analyzer:     analyzer,
		bus:          bus,
		logger:       logger.With().Str("component", "engine").Logger(),
		records:      make(map[string]*model.LifecycleRecord),
		orderIndex:   make(map[string]orderRef),
		pendingClose: make(map[string]bool),
		instruments:  instruments,
		shards:       shards,
	}
}

// Start restores persisted state, reconciles in-flight orders against the
// venue, and launches the worker and stream goroutines. It returns once
// the engine is accepting signals.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	e.newSession()

	if err := e.restore(e.runCtx); err != nil {
		return fmt.Errorf("failed to restore engine state: %w", err)
	}
	if e.cfg.EngineConfig.ReconcileOnStartup {
		e.reconcileInFlight(e.runCtx)
	}

	for i := range e.shards {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.wg.Add(4)
	go e.fillLoop()
	go e.tickLoop()
	go e.snapshotLoop()
	go e.dayRollLoop()

	e.bus.Publish(events.Event{Type: events.EventEngineStarted, Data: map[string]interface{}{
		"mode":  e.cfg.TradingConfig.Mode,
		"venue": e.cfg.TradingConfig.Venue,
	}})
	e.logger.Info().
		Str("mode", e.cfg.TradingConfig.Mode).
		Str("venue", e.cfg.TradingConfig.Venue).
		Int("workers", len(e.shards)).
		Msg("engine started")
	return nil
}

// Stop saves a final snapshot and shuts the workers down.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	e.saveSnapshot(ctx)
	e.runCancel()
	e.wg.Wait()
	e.logger.Info().Msg("engine stopped")
	return nil
}

// Halt interrupts in-flight analysis and submissions and refuses new
// signals. Partial submissions are resolved by reconciliation on Resume,
// never assumed lost.
func (e *Engine) Halt(reason string) {
	if !e.halted.CompareAndSwap(false, true) {
		return
	}
	e.sessionMu.Lock()
	if e.sessionCancel != nil {
		e.sessionCancel()
	}
	e.sessionMu.Unlock()

	e.bus.Publish(events.Event{Type: events.EventEngineHalted, Data: map[string]interface{}{"reason": reason}})
	e.logger.Warn().Str("reason", reason).Msg("engine halted")
}

// Resume reconciles any lifecycle interrupted mid-submission against the
// venue, then reopens signal intake.
func (e *Engine) Resume(ctx context.Context) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	if !e.halted.Load() {
		return nil
	}
	e.newSession()
	e.reconcileInFlight(ctx)
	e.halted.Store(false)

	e.bus.Publish(events.Event{Type: events.EventEngineResumed, Data: map[string]interface{}{}})
	e.logger.Info().Msg("engine resumed")
	return nil
}

// Halted reports whether signal intake is suspended.
func (e *Engine) Halted() bool { return e.halted.Load() }

func (e *Engine) newSession() {
	e.sessionMu.Lock()
	e.sessionCtx, e.sessionCancel = context.WithCancel(e.runCtx)
	e.sessionMu.Unlock()
}

func (e *Engine) session() context.Context {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	return e.sessionCtx
}

// SubmitSignal accepts a strategy signal into the lifecycle pipeline.
// The signal is queued to its instrument's shard; processing order per
// instrument matches submission order.
func (e *Engine) SubmitSignal(sig model.Signal) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	if e.halted.Load() {
		return ErrHalted
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	if !e.instruments[sig.Instrument] {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, sig.Instrument)
	}

	e.mu.Lock()
	if _, exists := e.records[sig.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSignal, sig.ID)
	}
	rec := &model.LifecycleRecord{
		Signal:    sig,
		State:     model.StateIdle,
		Path:      []model.TransitionStep{},
		UpdatedAt: time.Now().UTC(),
	}
	e.records[sig.ID] = rec
	e.mu.Unlock()

	metrics.ActiveLifecycles.WithLabelValues(string(model.StateIdle)).Inc()
	e.bus.Publish(events.Event{Type: events.EventSignalReceived, Data: map[string]interface{}{
		"signal_id":  sig.ID,
		"instrument": sig.Instrument,
		"direction":  string(sig.Direction),
	}})

	if !e.route(task{kind: taskSignal, signal: sig, signalID: sig.ID}) {
		e.transition(sig.ID, model.StateRejected, "signal queue full")
		return ErrQueueFull
	}
	return nil
}

// CancelSignal requests an external cancel. If an order is live the
// lifecycle routes to Closing, otherwise it terminates as Rejected.
func (e *Engine) CancelSignal(signalID string) error {
	e.mu.Lock()
	rec, ok := e.records[signalID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSignal, signalID)
	}
	if rec.State.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrSignalTerminal, signalID, rec.State)
	}
	rec.CancelRequested = true
	instrument := rec.Signal.Instrument
	e.mu.Unlock()

	if !e.routeTo(instrument, task{kind: taskCancel, signalID: signalID, reason: "external cancel"}) {
		return ErrQueueFull
	}
	return nil
}

func (e *Engine) shardFor(instrument string) int {
	h := fnv.New32a()
	h.Write([]byte(instrument))
	return int(h.Sum32()) % len(e.shards)
}

func (e *Engine) route(t task) bool {
	return e.routeTo(t.signal.Instrument, t)
}

func (e *Engine) routeTo(instrument string, t task) bool {
	select {
	case e.shards[e.shardFor(instrument)] <- t:
		return true
	default:
		e.logger.Error().Str("instrument", instrument).Msg("shard queue full, task dropped")
		return false
	}
}

func (e *Engine) worker(idx int) {
	defer e.wg.Done()
	for {
		select {
		case <-e.runCtx.Done():
			return
		case t := <-e.shards[idx]:
			switch t.kind {
			case taskSignal:
				e.processSignal(t.signal)
			case taskCancel:
				e.processCancel(t.signalID, t.reason)
			case taskClose:
				e.processClose(t.signalID, t.reason)
			}
		}
	}
}

// fillLoop consumes the venue fill stream, restarting it whenever the
// feed drops.
func (e *Engine) fillLoop() {
	defer e.wg.Done()
	for {
		fills, err := e.conn.StreamFills(e.runCtx)
		if err != nil {
			if e.runCtx.Err() != nil {
				return
			}
			e.logger.Error().Err(err).Msg("fill stream unavailable, retrying")
			if !e.sleep(2 * time.Second) {
				return
			}
			continue
		}
		if !e.consumeFills(fills) {
			return
		}
		e.logger.Warn().Msg("fill stream ended, restarting")
		if !e.sleep(time.Second) {
			return
		}
	}
}

// consumeFills drains the stream until it closes (true, restart) or the
// engine shuts down (false).
func (e *Engine) consumeFills(fills <-chan model.Fill) bool {
	for {
		select {
		case <-e.runCtx.Done():
			return false
		case fill, ok := <-fills:
			if !ok {
				return true
			}
			e.handleFill(fill)
		}
	}
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()
	for {
		ticks, err := e.conn.StreamTicks(e.runCtx, e.cfg.TradingConfig.Instruments)
		if err != nil {
			if e.runCtx.Err() != nil {
				return
			}
			e.logger.Error().Err(err).Msg("tick stream unavailable, retrying")
			if !e.sleep(2 * time.Second) {
				return
			}
			continue
		}
		if !e.consumeTicks(ticks) {
			return
		}
		e.logger.Warn().Msg("tick stream ended, restarting")
		if !e.sleep(time.Second) {
			return
		}
	}
}

func (e *Engine) consumeTicks(ticks <-chan model.Tick) bool {
	for {
		select {
		case <-e.runCtx.Done():
			return false
		case tick, ok := <-ticks:
			if !ok {
				return true
			}
			e.handleTick(tick)
		}
	}
}

func (e *Engine) snapshotLoop() {
	defer e.wg.Done()
	interval := e.cfg.EngineConfig.SnapshotInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-ticker.C:
			e.saveSnapshot(e.runCtx)
		}
	}
}

// dayRollLoop nudges the risk manager so the daily counters reset at the
// UTC boundary even on a quiet book.
func (e *Engine) dayRollLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-ticker.C:
			e.risk.ResetDailyCounters()
		}
	}
}

func (e *Engine) sleep(d time.Duration) bool {
	select {
	case <-e.runCtx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// saveSnapshot persists account, positions, breaker and every lifecycle
// record. Failures are logged; trading continues.
func (e *Engine) saveSnapshot(ctx context.Context) {
	snap := model.EngineSnapshot{
		TakenAt:   time.Now().UTC(),
		Account:   e.risk.Account(),
		Positions: e.risk.Positions(),
		Breaker:   e.risk.Breaker(),
		Records:   make(map[string]*model.LifecycleRecord),
	}
	e.mu.RLock()
	for id, rec := range e.records {
		snap.Records[id] = copyRecord(rec)
	}
	e.mu.RUnlock()

	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		e.logger.Error().Err(err).Msg("failed to save engine snapshot")
	}
}

// Lifecycle returns a copy of one signal's record.
func (e *Engine) Lifecycle(signalID string) (model.LifecycleRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[signalID]
	if !ok {
		return model.LifecycleRecord{}, false
	}
	return *copyRecord(rec), true
}

// Lifecycles returns copies of every record, newest first.
func (e *Engine) Lifecycles() []model.LifecycleRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.LifecycleRecord, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, *copyRecord(rec))
	}
	return out
}

// ActiveCount reports lifecycles that have not reached a terminal state.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, rec := range e.records {
		if !rec.State.Terminal() {
			n++
		}
	}
	return n
}
