package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/connector"
	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/model"
	"ai-trading-engine/internal/risk"
	"ai-trading-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// stubConnector records submissions and serves scripted responses. Fills
// and ticks are pushed by the test through the exposed channels.
type stubConnector struct {
	mu            sync.Mutex
	submitted     []model.Order
	canceled      []string
	submitErrs    []error // consumed per call, nil entry means success
	holdSubmit    bool    // block SubmitOrder until ctx cancels
	submitStarted chan struct{}
	statusFn      func(instrument, clientOrderID string) (model.OrderStatusReport, error)
	fills         chan model.Fill
	ticks         chan model.Tick
}

func newStubConnector() *stubConnector {
	return &stubConnector{
		fills: make(chan model.Fill, 16),
		ticks: make(chan model.Tick, 16),
	}
}

func (c *stubConnector) Venue() string { return model.VenuePaper }

func (c *stubConnector) SubmitOrder(ctx context.Context, order model.Order) (model.OrderAck, error) {
	c.mu.Lock()
	if c.submitStarted != nil {
		select {
		case c.submitStarted <- struct{}{}:
		default:
		}
	}
	hold := c.holdSubmit
	var scripted error
	hasScript := len(c.submitErrs) > 0
	if hasScript {
		scripted = c.submitErrs[0]
		c.submitErrs = c.submitErrs[1:]
	}
	c.mu.Unlock()

	if hold {
		<-ctx.Done()
		return model.OrderAck{}, ctx.Err()
	}
	if hasScript && scripted != nil {
		return model.OrderAck{}, scripted
	}

	c.mu.Lock()
	c.submitted = append(c.submitted, order)
	n := len(c.submitted)
	c.mu.Unlock()
	return model.OrderAck{
		VenueOrderID: fmt.Sprintf("venue-%d", n),
		Status:       model.OrderStatusNew,
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (c *stubConnector) CancelOrder(ctx context.Context, instrument, clientOrderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = append(c.canceled, clientOrderID)
	return nil
}

func (c *stubConnector) OrderStatus(ctx context.Context, instrument, clientOrderID string) (model.OrderStatusReport, error) {
	c.mu.Lock()
	fn := c.statusFn
	c.mu.Unlock()
	if fn != nil {
		return fn(instrument, clientOrderID)
	}
	return model.OrderStatusReport{Exists: false}, nil
}

func (c *stubConnector) Position(ctx context.Context, instrument string) (model.Position, error) {
	return model.Position{Instrument: instrument}, nil
}

func (c *stubConnector) StreamFills(ctx context.Context) (<-chan model.Fill, error) {
	return c.fills, nil
}

func (c *stubConnector) StreamTicks(ctx context.Context, instruments []string) (<-chan model.Tick, error) {
	return c.ticks, nil
}

func (c *stubConnector) Close() error { return nil }

func (c *stubConnector) submissions() []model.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Order, len(c.submitted))
	copy(out, c.submitted)
	return out
}

type stubAnalyzer struct {
	result model.AnalysisResult
	err    error
	calls  int32
}

func (a *stubAnalyzer) Analyze(ctx context.Context, sig model.Signal) (model.AnalysisResult, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.err != nil {
		return model.AnalysisResult{}, a.err
	}
	return a.result, nil
}

// blockingAnalyzer parks until its context is canceled, signalling entry
// so tests can halt the engine mid-analysis.
type blockingAnalyzer struct {
	started chan struct{}
}

func (a *blockingAnalyzer) Analyze(ctx context.Context, sig model.Signal) (model.AnalysisResult, error) {
	select {
	case a.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return model.AnalysisResult{}, ctx.Err()
}

func testConfig() *config.Config {
	return &config.Config{
		TradingConfig: config.TradingConfig{
			Mode:        config.ModePaper,
			Venue:       "paper",
			Instruments: []string{"BTCUSDT", "ETHUSDT"},
		},
		EngineConfig: config.EngineConfig{
			Workers:            2,
			QueueSize:          16,
			AnalysisTimeout:    time.Second,
			SubmitMaxAttempts:  2,
			SubmitBackoff:      time.Millisecond,
			SnapshotInterval:   time.Hour,
			ReconcileOnStartup: true,
		},
		AIConfig: config.AIConfig{
			Enabled:        false,
			Mode:           config.AIModeAdvisory,
			FallbackPolicy: config.FallbackReject,
		},
	}
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

func testSignal(id string) model.Signal {
	return model.Signal{
		ID:         id,
		StrategyID: "strat_breakout",
		Instrument: "BTCUSDT",
		Venue:      model.VenuePaper,
		Direction:  model.DirectionLong,
		Entry:      d("100"),
		Stop:       d("98"),
		Target:     d("106"),
		CreatedAt:  time.Now().UTC(),
	}
}

func startEngine(t *testing.T, conn *stubConnector, analyzer Analyzer, mutate func(*config.Config)) (*Engine, *risk.Manager, *store.MemoryStore) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	bus := events.NewEventBus()
	rm := risk.NewManager(testLimits(), cfg.AIConfig.Mode == config.AIModeVeto, d("10000"), nil, bus, zerolog.Nop())
	st := store.NewMemoryStore()
	eng := New(cfg, rm, conn, st, analyzer, bus, zerolog.Nop())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng, rm, st
}

func waitForState(t *testing.T, eng *Engine, signalID string, want model.LifecycleState) model.LifecycleRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok := eng.Lifecycle(signalID)
		if ok && rec.State == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := eng.Lifecycle(signalID)
	t.Fatalf("signal %s never reached %s, stuck at %s", signalID, want, rec.State)
	return model.LifecycleRecord{}
}

func waitForSubmissions(t *testing.T, conn *stubConnector, n int) []model.Order {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if subs := conn.submissions(); len(subs) >= n {
			return subs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d submissions, got %d", n, len(conn.submissions()))
	return nil
}

func orderFill(order model.Order, price string, final bool) model.Fill {
	return model.Fill{
		OrderID:       order.ID,
		ClientOrderID: order.ClientOrderID,
		Instrument:    order.Instrument,
		Side:          order.Side,
		Quantity:      order.Quantity,
		Price:         d(price),
		Timestamp:     time.Now().UTC(),
		Final:         final,
	}
}

func TestLifecycleSignalToClosedOnTarget(t *testing.T) {
	conn := newStubConnector()
	eng, rm, _ := startEngine(t, conn, nil, nil)

	sig := testSignal("sig_full0001")
	if err := eng.SubmitSignal(sig); err != nil {
		t.Fatalf("submit signal: %v", err)
	}
	waitForState(t, eng, sig.ID, model.StateOpen)

	subs := waitForSubmissions(t, conn, 1)
	entry := subs[0]
	if entry.Side != model.SideBuy {
		t.Fatalf("entry side = %s, want BUY", entry.Side)
	}
	if !entry.Quantity.Equal(d("50")) {
		t.Fatalf("entry quantity = %s, want 50", entry.Quantity)
	}

	conn.fills <- orderFill(entry, "100", true)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := rm.Position("BTCUSDT"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("position never opened from entry fill")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Target breach forces the close.
	conn.ticks <- model.Tick{Instrument: "BTCUSDT", Price: d("106.5"), At: time.Now().UTC()}
	waitForState(t, eng, sig.ID, model.StateClosing)

	subs = waitForSubmissions(t, conn, 2)
	exit := subs[1]
	if exit.Side != model.SideSell {
		t.Fatalf("exit side = %s, want SELL", exit.Side)
	}
	if !exit.Quantity.Equal(d("50")) {
		t.Fatalf("exit quantity = %s, want 50", exit.Quantity)
	}

	conn.fills <- orderFill(exit, "106.5", true)
	rec := waitForState(t, eng, sig.ID, model.StateClosed)

	wantPath := []model.LifecycleState{
		model.StateAnalyzing, model.StateRiskChecking, model.StateSubmitting,
		model.StateOpen, model.StateClosing, model.StateClosed,
	}
	if len(rec.Path) != len(wantPath) {
		t.Fatalf("path length = %d, want %d: %+v", len(rec.Path), len(wantPath), rec.Path)
	}
	for i, step := range rec.Path {
		if step.To != wantPath[i] {
			t.Errorf("path[%d] = %s, want %s", i, step.To, wantPath[i])
		}
	}

	if _, ok := rm.Position("BTCUSDT"); ok {
		t.Error("position still open after close")
	}
	acct := rm.Account()
	if !acct.RealizedPnLToday.Equal(d("325")) {
		t.Errorf("realized pnl = %s, want 325", acct.RealizedPnLToday)
	}
}

func TestLifecycleStopBreachClosesPosition(t *testing.T) {
	conn := newStubConnector()
	eng, rm, _ := startEngine(t, conn, nil, nil)

	sig := testSignal("sig_stop0001")
	if err := eng.SubmitSignal(sig); err != nil {
		t.Fatalf("submit signal: %v", err)
	}
	waitForState(t, eng, sig.ID, model.StateOpen)
	entry := waitForSubmissions(t, conn, 1)[0]
	conn.fills <- orderFill(entry, "100", true)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := rm.Position("BTCUSDT"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("position never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.ticks <- model.Tick{Instrument: "BTCUSDT", Price: d("97.5"), At: time.Now().UTC()}
	waitForState(t, eng, sig.ID, model.StateClosing)

	exit := waitForSubmissions(t, conn, 2)[1]
	conn.fills <- orderFill(exit, "97.5", true)
	waitForState(t, eng, sig.ID, model.StateClosed)

	acct := rm.Account()
	if !acct.RealizedPnLToday.Equal(d("-125")) {
		t.Errorf("realized pnl = %s, want -125", acct.RealizedPnLToday)
	}
}

func TestSignalRejectedByRisk(t *testing.T) {
	conn := newStubConnector()
	eng, _, st := startEngine(t, conn, nil, nil)

	// Conflicting exposure: open a long, then signal a short.
	first := testSignal("sig_rej00001")
	if err := eng.SubmitSignal(first); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	waitForState(t, eng, first.ID, model.StateOpen)
	entry := waitForSubmissions(t, conn, 1)[0]
	conn.fills <- orderFill(entry, "100", true)
	waitForPosition(t, eng, "BTCUSDT")

	second := testSignal("sig_rej00002")
	second.Direction = model.DirectionShort
	second.Entry = d("100")
	second.Stop = d("102")
	if err := eng.SubmitSignal(second); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	rec := waitForState(t, eng, second.ID, model.StateRejected)
	if rec.RejectReason == "" {
		t.Error("rejection reason not recorded")
	}
	if len(conn.submissions()) != 1 {
		t.Errorf("rejected signal reached the connector: %d submissions", len(conn.submissions()))
	}
	if st.RejectionCount() != 1 {
		t.Errorf("rejection rows = %d, want 1", st.RejectionCount())
	}
}

func waitForPosition(t *testing.T, eng *Engine, instrument string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := eng.risk.Position(instrument); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("position %s never opened", instrument)
}

func TestAnalysisVetoRejectsSignal(t *testing.T) {
	conn := newStubConnector()
	analyzer := &stubAnalyzer{result: model.AnalysisResult{
		Action:     model.ActionReject,
		Confidence: 0.95,
		ProviderID: "gemini-primary",
	}}
	eng, _, _ := startEngine(t, conn, analyzer, func(c *config.Config) {
		c.AIConfig.Enabled = true
		c.AIConfig.Mode = config.AIModeVeto
	})

	sig := testSignal("sig_veto0001")
	if err := eng.SubmitSignal(sig); err != nil {
		t.Fatalf("submit signal: %v", err)
	}
	rec := waitForState(t, eng, sig.ID, model.StateRejected)
	if rec.Analysis == nil || rec.Analysis.Action != model.ActionReject {
		t.Errorf("analysis not recorded on lifecycle: %+v", rec.Analysis)
	}
	if atomic.LoadInt32(&analyzer.calls) != 1 {
		t.Errorf("analyzer calls = %d, want 1", analyzer.calls)
	}
}

func TestAnalysisFailureFallbackReject(t *testing.T) {
	conn := newStubConnector()
	analyzer := &stubAnalyzer{err: fmt.Errorf("all providers down")}
	eng, _, _ := startEngine(t, conn, analyzer, func(c *config.Config) {
		c.AIConfig.Enabled = true
		c.AIConfig.FallbackPolicy = config.FallbackReject
	})

	sig := testSignal("sig_fall0001")
	if err := eng.SubmitSignal(sig); err != nil {
		t.Fatalf("submit signal: %v", err)
	}
	rec := waitForState(t, eng, sig.ID, model.StateRejected)
	if rec.RejectReason == "" {
		t.Error("fallback rejection carries no reason")
	}
	if len(conn.submissions()) != 0 {
		t.Error("rejected signal reached the connector")
	}
}

func TestAnalysisFailureFallbackSignalOnly(t *testing.T) {
	conn := newStubConnector()
	analyzer := &stubAnalyzer{err: fmt.Errorf("all providers down")}
	eng, _, _ := startEngine(t, conn, analyzer, func(c *config.Config) {
		c.AIConfig.Enabled = true
		c.AIConfig.FallbackPolicy = config.FallbackSignalOnly
	})

	sig := testSignal("sig_sole0001")
	if err := eng.SubmitSignal(sig); err != nil {
		t.Fatalf("submit signal: %v", err)
	}
	rec := waitForState(t, eng, sig.ID, model.StateOpen)
	if rec.Analysis != nil {
		t.Errorf("analysis should be empty after fallback, got %+v", rec.Analysis)
	}
}

func TestSubmitSignalIntakeErrors(t *testing.T) {
	conn := newStubConnector()
	eng, _, _ := startEngine(t, conn, nil, nil)

	sig := testSignal("sig_dup00001")
	if err := eng.SubmitSignal(sig); err != nil {
		t.Fatalf("submit signal: %v", err)
	}
	waitForState(t, eng, sig.ID, model.StateOpen)

	tests := []struct {
		name   string
		signal model.Signal
		want   error
	}{
		{"duplicate id", testSignal("sig_dup00001"), ErrDuplicateSignal},
		{"unknown instrument", func() model.Signal {
			s := testSignal("sig_dup00002")
			s.Instrument = "DOGEUSDT"
			return s
		}(), ErrUnknownInstrument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.SubmitSignal(tt.signal)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	invalid := testSignal("sig_dup00003")
	invalid.Entry = decimal.Zero
	if err := eng.SubmitSignal(invalid); err == nil {
		t.Error("invalid signal accepted")
	}
}

func TestSubmitRetriesTransientErrors(t *testing.T) {
	conn := newStubConnector()
	conn.submitErrs = []error{
		&connector.ConnectorError{Venue: "paper", Code: connector.CodeTransport, Message: "connection reset", Transient: true},
		nil,
	}
	eng, _, _ := startEngine(t, conn, nil, nil)

	sig := testSignal("sig_retry001")
	if err := eng.SubmitSignal(sig); err != nil {
		t.Fatalf("submit signal: %v", err)
	}
	waitForState(t, eng, sig.ID, model.StateOpen)
	if len(conn.submissions()) != 1 {
		t.Errorf("acknowledged submissions = %d, want 1", len(conn.submissions()))
	}
}

func TestSubmitVenueRejectionTerminatesRejected(t *testing.T) {
	conn := newStubConnector()
	conn.submitErrs = []error{
		&connector.ConnectorError{Venue: "paper", Code: connector.CodeVenueRejected, Message: "insufficient balance"},
	}
	eng, _, _ := startEngine(t, conn, nil, nil)

	sig := testSignal("sig_vrej0001")
	if err := eng.SubmitSignal(sig); err != nil {
		t.Fatalf("submit signal: %v", err)
	}
	rec := waitForState(t, eng, sig.ID, model.StateRejected)
	if rec.RejectReason == "" {
		t.Error("venue rejection carries no reason")
	}
}

func TestSubmitExhaustedRetriesFails(t *testing.T) {
	transient := &connector.ConnectorError{Venue: "paper", Code: connector.CodeVenueUnavailable, Message: "maintenance", Transient: true}
	conn := newStubConnector()
	conn.submitErrs = []error{transient, transient, transient}
	eng, rm, _ := startEngine(t, conn, nil, nil)

	sig := testSignal("sig_fail0001")
	if err := eng.SubmitSignal(sig); err != nil {
		t.Fatalf("submit signal: %v", err)
	}
	rec := waitForState(t, eng, sig.ID, model.StateFailed)
	if rec.FailReason == "" {
		t.Error("failure carries no reason")
	}
	if rm.Account().ConsecutiveSubmissionFailures != 1 {
		t.Errorf("failure streak = %d, want 1", rm.Account().ConsecutiveSubmissionFailures)
	}
}

func TestCancelLiveUnfilledOrder(t *testing.T) {
	conn := newStubConnector()
	eng, _, _ := startEngine(t, conn, nil, nil)

	sig := testSignal("sig_cncl0001")
	if err := eng.SubmitSignal(sig); err != nil {
		t.Fatalf("submit signal: %v", err)
	}
	waitForState(t, eng, sig.ID, model.StateOpen)

	if err := eng.CancelSignal(sig.ID); err != nil {
		t.Fatalf("cancel signal: %v", err)
	}
	rec := waitForState(t, eng, sig.ID, model.StateClosed)

	conn.mu.Lock()
	canceled := len(conn.canceled)
	conn.mu.Unlock()
	if canceled != 1 {
		t.Errorf("venue cancels = %d, want 1", canceled)
	}
	last := rec.Path[len(rec.Path)-1]
	if last.From != model.StateClosing {
		t.Errorf("final hop from %s, want CLOSING", last.From)
	}
}

func TestCancelUnknownSignal(t *testing.T) {
	conn := newStubConnector()
	eng, _, _ := startEngine(t, conn, nil, nil)
	if err := eng.CancelSignal("sig_missing1"); err == nil {
		t.Error("cancel of unknown signal succeeded")
	}
}

func TestHaltRefusesNewSignals(t *testing.T) {
	conn := newStubConnector()
	eng, _, _ := startEngine(t, conn, nil, nil)

	eng.Halt("operator stop")
	if err := eng.SubmitSignal(testSignal("sig_halt0001")); err != ErrHalted {
		t.Fatalf("error = %v, want ErrHalted", err)
	}
	if err := eng.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := eng.SubmitSignal(testSignal("sig_halt0002")); err != nil {
		t.Fatalf("submit after resume: %v", err)
	}
}

func TestHaltInterruptsAnalysis(t *testing.T) {
	conn := newStubConnector()
	analyzer := &blockingAnalyzer{started: make(chan struct{}, 1)}
	eng, _, _ := startEngine(t, conn, analyzer, func(c *config.Config) {
		c.AIConfig.Enabled = true
		c.EngineConfig.AnalysisTimeout = 10 * time.Second
	})

	sig := testSignal("sig_hint0001")
	if err := eng.SubmitSignal(sig); err != nil {
		t.Fatalf("submit signal: %v", err)
	}
	select {
	case <-analyzer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("analysis never started")
	}

	eng.Halt("operator stop")
	rec := waitForState(t, eng, sig.ID, model.StateRejected)
	if rec.RejectReason != "engine halted during analysis" {
		t.Errorf("reject reason = %q", rec.RejectReason)
	}
}

func TestHaltDuringSubmissionReconcilesOnResume(t *testing.T) {
	conn := newStubConnector()
	conn.holdSubmit = true
	conn.submitStarted = make(chan struct{}, 1)
	eng, _, _ := startEngine(t, conn, nil, nil)

	sig := testSignal("sig_hrec0001")
	if err := eng.SubmitSignal(sig); err != nil {
		t.Fatalf("submit signal: %v", err)
	}
	select {
	case <-conn.submitStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("submission never started")
	}
	eng.Halt("operator stop")

	// The record must stay in Submitting until the venue answers.
	rec := waitForState(t, eng, sig.ID, model.StateSubmitting)
	if rec.Order == nil {
		t.Fatal("submitting record has no order")
	}
	clientID := rec.Order.ClientOrderID

	conn.mu.Lock()
	conn.holdSubmit = false
	conn.statusFn = func(instrument, clientOrderID string) (model.OrderStatusReport, error) {
		if clientOrderID != clientID {
			return model.OrderStatusReport{}, nil
		}
		return model.OrderStatusReport{
			Exists:        true,
			ClientOrderID: clientOrderID,
			VenueOrderID:  "venue-recon",
			Status:        model.OrderStatusNew,
		}, nil
	}
	conn.mu.Unlock()

	if err := eng.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	rec = waitForState(t, eng, sig.ID, model.StateOpen)
	if rec.Order.VenueOrderID != "venue-recon" {
		t.Errorf("venue order id = %q, want venue-recon", rec.Order.VenueOrderID)
	}
}

func TestReconcileSubmittingOrderNeverReachedVenue(t *testing.T) {
	st := store.NewMemoryStore()
	sig := testSignal("sig_lost0001")
	order := model.Order{
		ID:            "ord_lost0001",
		ClientOrderID: "client-lost",
		SignalID:      sig.ID,
		Instrument:    sig.Instrument,
		Venue:         model.VenuePaper,
		Side:          model.SideBuy,
		Type:          model.OrderTypeMarket,
		Quantity:      d("50"),
		Status:        model.OrderStatusNew,
	}
	snap := model.EngineSnapshot{
		TakenAt: time.Now().UTC(),
		Account: model.Account{Equity: d("10000"), StartOfDayEquity: d("10000")},
		Records: map[string]*model.LifecycleRecord{
			sig.ID: {Signal: sig, State: model.StateSubmitting, Order: &order},
		},
	}
	if err := st.SaveSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	conn := newStubConnector() // status lookups report not-exists
	cfg := testConfig()
	bus := events.NewEventBus()
	rm := risk.NewManager(testLimits(), false, d("10000"), nil, bus, zerolog.Nop())
	eng := New(cfg, rm, conn, st, nil, bus, zerolog.Nop())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	rec := waitForState(t, eng, sig.ID, model.StateRejected)
	if rec.RejectReason != "order never reached venue" {
		t.Errorf("reject reason = %q", rec.RejectReason)
	}
}

func TestReconcileSubmittingFilledWhileDown(t *testing.T) {
	st := store.NewMemoryStore()
	sig := testSignal("sig_fild0001")
	order := model.Order{
		ID:            "ord_fild0001",
		ClientOrderID: "client-filled",
		SignalID:      sig.ID,
		Instrument:    sig.Instrument,
		Venue:         model.VenuePaper,
		Side:          model.SideBuy,
		Type:          model.OrderTypeMarket,
		Quantity:      d("50"),
		Status:        model.OrderStatusNew,
	}
	snap := model.EngineSnapshot{
		TakenAt: time.Now().UTC(),
		Account: model.Account{Equity: d("10000"), StartOfDayEquity: d("10000")},
		Records: map[string]*model.LifecycleRecord{
			sig.ID: {Signal: sig, State: model.StateSubmitting, Order: &order},
		},
	}
	if err := st.SaveSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	conn := newStubConnector()
	conn.statusFn = func(instrument, clientOrderID string) (model.OrderStatusReport, error) {
		return model.OrderStatusReport{
			Exists:        true,
			ClientOrderID: clientOrderID,
			VenueOrderID:  "venue-filled",
			Status:        model.OrderStatusFilled,
			FilledQty:     d("50"),
			AvgFillPrice:  d("100"),
		}, nil
	}
	cfg := testConfig()
	bus := events.NewEventBus()
	rm := risk.NewManager(testLimits(), false, d("10000"), nil, bus, zerolog.Nop())
	eng := New(cfg, rm, conn, st, nil, bus, zerolog.Nop())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	rec := waitForState(t, eng, sig.ID, model.StateOpen)
	if !rec.Order.FilledQty.Equal(d("50")) {
		t.Errorf("reconciled filled qty = %s, want 50", rec.Order.FilledQty)
	}
	pos, ok := rm.Position("BTCUSDT")
	if !ok {
		t.Fatal("reconciled fill did not open a position")
	}
	if !pos.NetQuantity.Equal(d("50")) {
		t.Errorf("position quantity = %s, want 50", pos.NetQuantity)
	}
}

func TestSnapshotRestoreReproducesOpenLifecycle(t *testing.T) {
	conn := newStubConnector()
	st := store.NewMemoryStore()
	cfg := testConfig()
	bus := events.NewEventBus()
	rm := risk.NewManager(testLimits(), false, d("10000"), nil, bus, zerolog.Nop())
	eng := New(cfg, rm, conn, st, nil, bus, zerolog.Nop())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}

	sig := testSignal("sig_snap0001")
	if err := eng.SubmitSignal(sig); err != nil {
		t.Fatalf("submit signal: %v", err)
	}
	waitForState(t, eng, sig.ID, model.StateOpen)
	entry := waitForSubmissions(t, conn, 1)[0]
	conn.fills <- orderFill(entry, "100", true)
	waitForPosition(t, eng, "BTCUSDT")
	before, _ := eng.Lifecycle(sig.ID)
	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("stop engine: %v", err)
	}

	// A fresh engine over the same store must pick the lifecycle back up.
	bus2 := events.NewEventBus()
	rm2 := risk.NewManager(testLimits(), false, d("10000"), nil, bus2, zerolog.Nop())
	eng2 := New(testConfig(), rm2, newStubConnector(), st, nil, bus2, zerolog.Nop())
	if err := eng2.Start(context.Background()); err != nil {
		t.Fatalf("start second engine: %v", err)
	}
	t.Cleanup(func() { _ = eng2.Stop(context.Background()) })

	after, ok := eng2.Lifecycle(sig.ID)
	if !ok {
		t.Fatal("lifecycle missing after restore")
	}
	if after.State != model.StateOpen {
		t.Fatalf("restored state = %s, want OPEN", after.State)
	}
	if !after.Order.FilledQty.Equal(before.Order.FilledQty) {
		t.Errorf("restored filled qty = %s, want %s", after.Order.FilledQty, before.Order.FilledQty)
	}
	if len(after.Path) != len(before.Path) {
		t.Errorf("restored path length = %d, want %d", len(after.Path), len(before.Path))
	}
	pos, ok := rm2.Position("BTCUSDT")
	if !ok {
		t.Fatal("position missing after restore")
	}
	if !pos.NetQuantity.Equal(d("50")) {
		t.Errorf("restored position quantity = %s, want 50", pos.NetQuantity)
	}
	if !rm2.Account().Equity.Equal(rm.Account().Equity) {
		t.Errorf("restored equity = %s, want %s", rm2.Account().Equity, rm.Account().Equity)
	}
}

func TestBreachReason(t *testing.T) {
	tests := []struct {
		name   string
		dir    model.Direction
		price  string
		stop   string
		target string
		want   bool
	}{
		{"long above stop below target", model.DirectionLong, "100", "98", "106", false},
		{"long at stop", model.DirectionLong, "98", "98", "106", true},
		{"long below stop", model.DirectionLong, "97", "98", "106", true},
		{"long at target", model.DirectionLong, "106", "98", "106", true},
		{"long no target", model.DirectionLong, "500", "98", "0", false},
		{"short between", model.DirectionShort, "100", "102", "94", false},
		{"short at stop", model.DirectionShort, "102", "102", "94", true},
		{"short at target", model.DirectionShort, "94", "102", "94", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := breachReason(tt.dir, d(tt.price), d(tt.stop), d(tt.target))
			if (got != "") != tt.want {
				t.Errorf("breachReason = %q, want breach=%v", got, tt.want)
			}
		})
	}
}
