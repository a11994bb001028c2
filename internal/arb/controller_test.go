package arb

import (
	"context"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// fakeSignalSource is a hand-driven SignalSource double: tests push events
// on the same channels the controller reads.
type fakeSignalSource struct {
	mu sync.Mutex

	marketStarted  chan MarketStarted
	newRound       chan NewRound
	signals        chan Signal
	executions     chan Execution
	roundCompletes chan RoundComplete
	errs           chan error

	phase   SourcePhase
	asks    map[Side]decimal.Decimal
	injected map[string]Orderbook
}

func newFakeSignalSource() *fakeSignalSource {
	return &fakeSignalSource{
		marketStarted:  make(chan MarketStarted, 4),
		newRound:       make(chan NewRound, 4),
		signals:        make(chan Signal, 16),
		executions:     make(chan Execution, 16),
		roundCompletes: make(chan RoundComplete, 4),
		errs:           make(chan error, 4),
		asks:           make(map[Side]decimal.Decimal),
		injected:       make(map[string]Orderbook),
	}
}

func (f *fakeSignalSource) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSignalSource) MarketStarted() <-chan MarketStarted   { return f.marketStarted }
func (f *fakeSignalSource) NewRoundEvents() <-chan NewRound       { return f.newRound }
func (f *fakeSignalSource) Signals() <-chan Signal                { return f.signals }
func (f *fakeSignalSource) Executions() <-chan Execution          { return f.executions }
func (f *fakeSignalSource) RoundCompletes() <-chan RoundComplete  { return f.roundCompletes }
func (f *fakeSignalSource) Errors() <-chan error                  { return f.errs }

func (f *fakeSignalSource) SetPhase(phase SourcePhase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phase = phase
}

func (f *fakeSignalSource) InjectOrderbook(tokenID string, book Orderbook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected[tokenID] = book
}

func (f *fakeSignalSource) CurrentAsks(side Side) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.asks[side]
	return v, ok
}

func (f *fakeSignalSource) currentPhase() SourcePhase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// fakeExchange is a hand-driven Exchange double.
type fakeExchange struct {
	mu sync.Mutex

	nextOrderID int
	orders      map[string]OrderStatusResult
	cancelled   map[string]bool
	balance     decimal.Decimal

	limitOrderErr  error
	marketOrderErr error
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		orders:    make(map[string]OrderStatusResult),
		cancelled: make(map[string]bool),
		balance:   dec("1000"),
	}
}

func (e *fakeExchange) CreateLimitOrder(ctx context.Context, tokenID string, side ExchangeOrderSide, price, size decimal.Decimal) (CreateOrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.limitOrderErr != nil {
		return CreateOrderResult{}, e.limitOrderErr
	}
	e.nextOrderID++
	id := "order-" + string(rune('a'+e.nextOrderID))
	e.orders[id] = OrderStatusResult{Status: StatusOpen}
	return CreateOrderResult{Success: true, OrderID: id}, nil
}

func (e *fakeExchange) CreateMarketOrder(ctx context.Context, tokenID string, side ExchangeOrderSide, notional decimal.Decimal) (MarketOrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.marketOrderErr != nil {
		return MarketOrderResult{}, e.marketOrderErr
	}
	e.nextOrderID++
	id := "mkt-" + string(rune('a'+e.nextOrderID))
	return MarketOrderResult{Success: true, OrderID: id, FilledPrice: dec("0.40")}, nil
}

func (e *fakeExchange) GetOrder(ctx context.Context, orderID string) (OrderStatusResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orders[orderID], nil
}

func (e *fakeExchange) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled[orderID] = true
	return nil
}

func (e *fakeExchange) GetOrderbook(ctx context.Context, tokenID string) (Orderbook, error) {
	return Orderbook{}, nil
}

func (e *fakeExchange) SettleMarket(ctx context.Context, marketID string) (SettleResult, error) {
	return SettleResult{Success: true}, nil
}

func (e *fakeExchange) Balance(ctx context.Context) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance, nil
}

func (e *fakeExchange) setOrderStatus(id string, status ExchangeOrderStatus, filled decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders[id] = OrderStatusResult{Status: status, FilledSize: filled}
}

func (e *fakeExchange) isCancelled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[id]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testControllerConfig() ControllerConfig {
	return ControllerConfig{
		SumTarget:               dec("0.95"),
		UseMakerOrders:          false,
		MakerFallbackToTaker:    true,
		TakerFeeRate:            DefaultFeeRate,
		FillTimeout:             5 * time.Second,
		PollInterval:            20 * time.Millisecond,
		ExitBeforeExpiryMinutes: 3,
		ExitSellPrice:           dec("0.99"),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newPaperController(t *testing.T, cfg ControllerConfig, sizerCfg SizerConfig) (*Controller, *fakeSignalSource, *Simulator, *EventBus) {
	t.Helper()
	source := newFakeSignalSource()
	bus := NewEventBus()
	sim := NewSimulator(SimulatorConfig{StartingBalance: dec("1000")}, bus)
	sizer := NewSizer(sizerCfg)
	ctrl := NewController(cfg, source, nil, sim, sizer, nil, bus, nil, discardLogger())
	return ctrl, source, sim, bus
}

// defaultSizerConfig is tuned so that balance=1000, price=0.40 yields
// exactly 100 shares, matching the concrete scenarios in spec §8.
func defaultSizerConfig() SizerConfig {
	return SizerConfig{
		MaxBalancePctPerTrade: dec("0.04"),
		MinShares:             dec("5"),
		MaxShares:             dec("1000"),
		ConsecutiveLossLimit:  3,
		CooldownMinutes:       360,
	}
}

// Scenario 1: paper win.
func TestScenarioPaperWin(t *testing.T) {
	ctrl, source, _, bus := newPaperController(t, testControllerConfig(), defaultSizerConfig())

	var complete *CycleResult
	var mu sync.Mutex
	bus.Subscribe(EventCycleComplete, 4, func(ev Event) {
		mu.Lock()
		complete = ev.Result
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	market := Market{ID: "m1", UpTokenID: "up1", DownTokenID: "down1", EndTime: time.Now().Add(240 * time.Second)}
	source.marketStarted <- MarketStarted{MarketID: market.ID, EndTime: market.EndTime, UpTokenID: market.UpTokenID, DownTokenID: market.DownTokenID}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle() != nil && ctrl.CurrentCycle().State == StateWatching })

	bestAsk1 := dec("0.40")
	bestBid1 := dec("0.39")
	source.signals <- Signal{
		Kind: SignalKindLeg1, Source: SourceDip, DipSide: SideUp,
		CurrentPrice: dec("0.40"), OppositeAsk: dec("0.55"), TokenID: "up1",
		BestAsk: &bestAsk1, BestBid: &bestBid1,
	}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle().State == StateWaitingForHedge })

	bestAsk2 := dec("0.50")
	source.signals <- Signal{
		Kind: SignalKindLeg2, Source: SourceDip, DipSide: SideDown,
		CurrentPrice: dec("0.50"), TokenID: "down1", BestAsk: &bestAsk2,
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return complete != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if complete.Status != "completed" {
		t.Fatalf("expected completed, got %s", complete.Status)
	}
	if !complete.TotalCost.Equal(dec("90")) {
		t.Fatalf("expected total_cost 90, got %s", complete.TotalCost)
	}
	if !complete.Payout.Equal(dec("100")) {
		t.Fatalf("expected payout 100, got %s", complete.Payout)
	}
	if !complete.Profit.Equal(dec("10")) {
		t.Fatalf("expected profit 10, got %s", complete.Profit)
	}
	if ctrl.Stats().CyclesWon != 1 {
		t.Fatalf("expected cycles_won=1, got %d", ctrl.Stats().CyclesWon)
	}
}

// Scenario 4: one entry per market — second dip signal is dropped.
func TestScenarioOneEntryPerMarket(t *testing.T) {
	ctrl, source, _, _ := newPaperController(t, testControllerConfig(), defaultSizerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	source.marketStarted <- MarketStarted{MarketID: "m1", EndTime: time.Now().Add(240 * time.Second), UpTokenID: "up1", DownTokenID: "down1"}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle() != nil })

	ask := dec("0.40")
	source.signals <- Signal{Kind: SignalKindLeg1, Source: SourceDip, DipSide: SideUp, CurrentPrice: dec("0.40"), OppositeAsk: dec("0.55"), TokenID: "up1", BestAsk: &ask}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle().State == StateWaitingForHedge })

	source.signals <- Signal{Kind: SignalKindLeg1, Source: SourceDip, DipSide: SideUp, CurrentPrice: dec("0.35"), OppositeAsk: dec("0.55"), TokenID: "up1", BestAsk: &ask}
	time.Sleep(50 * time.Millisecond)

	if ctrl.CurrentCycle().State != StateWaitingForHedge {
		t.Fatalf("second dip signal must not change state, got %s", ctrl.CurrentCycle().State)
	}
}

// Scenario 5: circuit breaker pauses sizing after three consecutive losses.
func TestScenarioCircuitBreakerPausesEntry(t *testing.T) {
	sizer := NewSizer(defaultSizerConfig())
	now := time.Now()
	for i := 0; i < 3; i++ {
		sizer.RecordResult(dec("-5"), now)
	}

	source := newFakeSignalSource()
	bus := NewEventBus()
	sim := NewSimulator(SimulatorConfig{StartingBalance: dec("1000")}, bus)
	ctrl := NewController(testControllerConfig(), source, nil, sim, sizer, nil, bus, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	source.marketStarted <- MarketStarted{MarketID: "m1", EndTime: time.Now().Add(240 * time.Second), UpTokenID: "up1", DownTokenID: "down1"}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle() != nil })

	ask := dec("0.40")
	source.signals <- Signal{Kind: SignalKindLeg1, Source: SourceDip, DipSide: SideUp, CurrentPrice: dec("0.40"), OppositeAsk: dec("0.55"), TokenID: "up1", BestAsk: &ask}
	time.Sleep(50 * time.Millisecond)

	if ctrl.CurrentCycle().State != StateWatching {
		t.Fatalf("expected no entry while sizer paused, got state %s", ctrl.CurrentCycle().State)
	}
}

// Scenario 6: market rotation mid-cycle cancels the pending leg1 order and
// returns the controller to Watching on the new market.
func TestScenarioMarketRotationMidCycle(t *testing.T) {
	source := newFakeSignalSource()
	bus := NewEventBus()
	exch := newFakeExchange()
	sizer := NewSizer(defaultSizerConfig())
	cfg := testControllerConfig()
	cfg.UseMakerOrders = true
	cfg.MakerFallbackToTaker = false // force maker-limit leg1, i.e. Leg1Pending
	ctrl := NewController(cfg, source, exch, nil, sizer, nil, bus, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	source.marketStarted <- MarketStarted{MarketID: "m1", EndTime: time.Now().Add(240 * time.Second), UpTokenID: "up1", DownTokenID: "down1"}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle() != nil })

	ask := dec("0.40")
	source.signals <- Signal{Kind: SignalKindLeg1, Source: SourceDip, DipSide: SideUp, CurrentPrice: dec("0.40"), OppositeAsk: dec("0.55"), TokenID: "up1", BestAsk: &ask}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle().State == StateLeg1Pending })

	pendingID := ctrl.CurrentCycle().PendingLeg1Buy.OrderID

	source.marketStarted <- MarketStarted{MarketID: "m2", EndTime: time.Now().Add(240 * time.Second), UpTokenID: "up2", DownTokenID: "down2"}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle().Market.ID == "m2" })

	if !exch.isCancelled(pendingID) {
		t.Fatalf("expected pending leg1 order %s to be cancelled on rotation", pendingID)
	}
	if ctrl.CurrentCycle().State != StateWatching {
		t.Fatalf("expected Watching after rotation, got %s", ctrl.CurrentCycle().State)
	}
	if ctrl.CurrentCycle().CycleAttemptedThisMarket {
		t.Fatalf("expected cycle_attempted_this_market cleared on the new market")
	}

	// A fresh leg1 signal on the new market must be admitted.
	source.signals <- Signal{Kind: SignalKindLeg1, Source: SourceDip, DipSide: SideUp, CurrentPrice: dec("0.40"), OppositeAsk: dec("0.55"), TokenID: "up2", BestAsk: &ask}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle().State == StateLeg1Pending })
}

// Scenario 2: leg2 reported terminal with a partial fill. payout is
// capped at the smaller leg, not the target quantity.
func TestScenarioPartialFill(t *testing.T) {
	source := newFakeSignalSource()
	bus := NewEventBus()
	exch := newFakeExchange()
	sizer := NewSizer(defaultSizerConfig())
	cfg := testControllerConfig()
	cfg.UseMakerOrders = true
	ctrl := NewController(cfg, source, exch, nil, sizer, nil, bus, nil, discardLogger())

	var complete *CycleResult
	var mu sync.Mutex
	bus.Subscribe(EventCycleComplete, 4, func(ev Event) {
		mu.Lock()
		complete = ev.Result
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	source.marketStarted <- MarketStarted{MarketID: "m1", EndTime: time.Now().Add(240 * time.Second), UpTokenID: "up1", DownTokenID: "down1"}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle() != nil })

	ask := dec("0.40")
	source.signals <- Signal{Kind: SignalKindLeg1, Source: SourceDip, DipSide: SideUp, CurrentPrice: dec("0.40"), OppositeAsk: dec("0.55"), TokenID: "up1", BestAsk: &ask, BestBid: &ask}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle().PendingLeg1Buy != nil })
	leg1ID := ctrl.CurrentCycle().PendingLeg1Buy.OrderID
	exch.setOrderStatus(leg1ID, StatusFilled, dec("100"))
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle().Leg1 != nil })

	ask2 := dec("0.50")
	source.signals <- Signal{Kind: SignalKindLeg2, Source: SourceDip, DipSide: SideDown, CurrentPrice: dec("0.50"), TokenID: "down1", BestAsk: &ask2}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle().PendingLeg2Buy != nil })

	leg2ID := ctrl.CurrentCycle().PendingLeg2Buy.OrderID
	exch.setOrderStatus(leg2ID, StatusExpired, dec("60"))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return complete != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if complete.Status != "completed" {
		t.Fatalf("expected completed, got %s", complete.Status)
	}
	if !complete.Payout.Equal(dec("60")) {
		t.Fatalf("expected payout 60, got %s", complete.Payout)
	}
	if !complete.TotalCost.Equal(dec("70")) {
		t.Fatalf("expected total_cost 70, got %s", complete.TotalCost)
	}
	if !complete.Profit.Equal(dec("-10")) {
		t.Fatalf("expected profit -10, got %s", complete.Profit)
	}
}

// Scenario 3: emergency exit fires once wall-clock remaining drops below
// exit_before_expiry_minutes * 60, using the last observed price for P&L.
func TestScenarioEmergencyExitAtWallClockDeadline(t *testing.T) {
	source := newFakeSignalSource()
	bus := NewEventBus()
	exch := newFakeExchange()
	sizer := NewSizer(defaultSizerConfig())
	agg := NewAggregator(AggregatorConfig{PollInterval: time.Hour, RESTFallbackEvery: time.Hour, HistoryWindow: 5 * time.Minute}, source, exch, bus, nil, nil, discardLogger())
	agg.History().Record(SideUp, dec("0.20"), time.Now())

	cfg := testControllerConfig()
	cfg.UseMakerOrders = true
	ctrl := NewController(cfg, source, exch, nil, sizer, agg, bus, nil, discardLogger())

	start := time.Now()
	var clockMu sync.Mutex
	clock := start
	ctrl.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	var exitResult *CycleResult
	var mu sync.Mutex
	bus.Subscribe(EventEmergencyExit, 4, func(ev Event) {
		mu.Lock()
		exitResult = ev.Result
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	source.marketStarted <- MarketStarted{MarketID: "m1", EndTime: start.Add(240 * time.Second), UpTokenID: "up1", DownTokenID: "down1"}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle() != nil })

	ask := dec("0.40")
	source.signals <- Signal{Kind: SignalKindLeg1, Source: SourceDip, DipSide: SideUp, CurrentPrice: dec("0.40"), OppositeAsk: dec("0.55"), TokenID: "up1", BestAsk: &ask, BestBid: &ask}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle().PendingLeg1Buy != nil })
	leg1ID := ctrl.CurrentCycle().PendingLeg1Buy.OrderID
	exch.setOrderStatus(leg1ID, StatusFilled, dec("100"))
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle().Leg1 != nil })

	// Advance the controller's wall clock 61s, to 179s remaining (< 180).
	clockMu.Lock()
	clock = start.Add(61 * time.Second)
	clockMu.Unlock()

	waitFor(t, 2*time.Second, func() bool { return ctrl.Stats().EmergencyExits >= 1 })

	mu.Lock()
	defer mu.Unlock()
	if exitResult == nil {
		t.Fatal("expected an emergency_exit result")
	}
	if !exitResult.Profit.Equal(dec("-20")) {
		t.Fatalf("expected profit -20, got %s", exitResult.Profit)
	}
}

// Emergency exit by fill-poll not_found on leg2 (boundary behavior, §8).
func TestFillPollNotFoundOnLeg2TriggersEmergencyExit(t *testing.T) {
	source := newFakeSignalSource()
	bus := NewEventBus()
	exch := newFakeExchange()
	sizer := NewSizer(defaultSizerConfig())
	agg := NewAggregator(AggregatorConfig{PollInterval: time.Hour, RESTFallbackEvery: time.Hour, HistoryWindow: 5 * time.Minute}, source, exch, bus, nil, nil, discardLogger())
	agg.History().Record(SideUp, dec("0.20"), time.Now())

	cfg := testControllerConfig()
	cfg.UseMakerOrders = true
	ctrl := NewController(cfg, source, exch, nil, sizer, agg, bus, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	source.marketStarted <- MarketStarted{MarketID: "m1", EndTime: time.Now().Add(240 * time.Second), UpTokenID: "up1", DownTokenID: "down1"}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle() != nil })

	ask := dec("0.40")
	source.signals <- Signal{Kind: SignalKindLeg1, Source: SourceDip, DipSide: SideUp, CurrentPrice: dec("0.40"), OppositeAsk: dec("0.55"), TokenID: "up1", BestAsk: &ask, BestBid: &ask}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle().PendingLeg1Buy != nil })
	leg1ID := ctrl.CurrentCycle().PendingLeg1Buy.OrderID
	exch.setOrderStatus(leg1ID, StatusFilled, dec("100"))
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle().Leg1 != nil })

	ask2 := dec("0.50")
	source.signals <- Signal{Kind: SignalKindLeg2, Source: SourceDip, DipSide: SideDown, CurrentPrice: dec("0.50"), TokenID: "down1", BestAsk: &ask2}
	waitFor(t, time.Second, func() bool { return ctrl.CurrentCycle().PendingLeg2Buy != nil })

	pendingID := ctrl.CurrentCycle().PendingLeg2Buy.OrderID
	exch.setOrderStatus(pendingID, StatusNotFound, decimal.Zero)

	waitFor(t, 2*time.Second, func() bool { return ctrl.Stats().EmergencyExits >= 1 })
}
