package arb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fzheng/polymarket-arb15/internal/domain"
	"github.com/shopspring/decimal"
)

// ControllerConfig holds the tunables spec.md §6's Trading/Risk groups
// feed into the state machine itself (as opposed to the sizer, fee
// model, or simulator, which own their own config structs).
type ControllerConfig struct {
	SumTarget              decimal.Decimal
	UseMakerOrders         bool
	MakerFallbackToTaker   bool
	TakerFeeRate           decimal.Decimal
	FillTimeout            time.Duration
	PollInterval           time.Duration
	ExitBeforeExpiryMinutes int
	ExitSellPrice          decimal.Decimal // 0.99 per spec.md glossary
	MaxCycles              int
}

// Controller is the C6 arbitrage state machine (spec.md §4.6). All of
// its state is owned exclusively by the single goroutine running Run;
// every other goroutine communicates with it only by posting onto the
// channels it reads in Run's select loop, never by mutating fields
// directly.
type Controller struct {
	cfg    ControllerConfig
	source SignalSource
	exch   Exchange // nil in paper mode
	paper  *Simulator // nil in live mode
	sizer  *Sizer
	agg    *Aggregator
	bus    *EventBus
	locks  domain.LockManager // nil unless [redis] is configured
	logger *slog.Logger

	now func() time.Time

	cycle *Cycle
	stats StrategyStats

	pollInFlight     bool
	pollResults      chan pollResult
	emergencyChecked bool

	aggCancel  context.CancelFunc
	lockUnlock func()
}

// pollResult is posted back to the loop from the goroutine that issued a
// GetOrder call, so the fill-poll I/O never blocks the event loop.
type pollResult struct {
	intent  PendingOrderIntent
	orderID string
	status  OrderStatusResult
	err     error
}

// NewController wires together the state machine's collaborators. exch
// may be nil in paper mode; paper may be nil in live mode — exactly one
// of the two must be non-nil. locks is optional (nil in a single-process
// deployment with no [redis] group); when present it backs the
// one-entry-per-market gate across multiple controller processes sharing
// a Redis instance, on top of the in-process CycleAttemptedThisMarket
// check that already covers a single process.
func NewController(cfg ControllerConfig, source SignalSource, exch Exchange, paper *Simulator, sizer *Sizer, agg *Aggregator, bus *EventBus, locks domain.LockManager, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:         cfg,
		source:      source,
		exch:        exch,
		paper:       paper,
		sizer:       sizer,
		agg:         agg,
		bus:         bus,
		locks:       locks,
		logger:      logger.With(slog.String("component", "arb_controller")),
		now:         time.Now,
		pollResults: make(chan pollResult, 4),
	}
}

func (c *Controller) isPaper() bool {
	return c.paper != nil
}

func (c *Controller) emit(ev Event) {
	ev.At = c.now()
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func (c *Controller) transition(to CycleState) {
	if c.cycle == nil {
		return
	}
	from := c.cycle.State
	c.cycle.State = to
	c.emit(Event{Kind: EventStateChange, From: from, To: to})
}

// Run is the controller's single-threaded cooperative event loop
// (spec.md §5). It processes signals, timer ticks, and fill-poll
// responses strictly in arrival order and never mutates cycle state
// concurrently with itself.
func (c *Controller) Run(ctx context.Context) error {
	fillTicker := time.NewTicker(c.cfg.PollInterval)
	defer fillTicker.Stop()
	emergencyTicker := time.NewTicker(1 * time.Second)
	defer emergencyTicker.Stop()
	defer func() {
		if c.aggCancel != nil {
			c.aggCancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ms, ok := <-c.source.MarketStarted():
			if !ok {
				return nil
			}
			c.handleMarketStarted(ctx, ms)

		case nr, ok := <-c.source.NewRoundEvents():
			if !ok {
				return nil
			}
			c.handleNewRound(nr)

		case sig, ok := <-c.source.Signals():
			if !ok {
				return nil
			}
			c.handleSignal(ctx, sig)

		case exec, ok := <-c.source.Executions():
			if !ok {
				return nil
			}
			c.handleExecution(ctx, exec)

		case rc, ok := <-c.source.RoundCompletes():
			if !ok {
				return nil
			}
			c.handleRoundComplete(ctx, rc)

		case err, ok := <-c.source.Errors():
			if !ok {
				return nil
			}
			c.emit(Event{Kind: EventError, Err: err})

		case pr := <-c.pollResults:
			c.handlePollResult(ctx, pr)

		case <-fillTicker.C:
			c.onFillPollTick(ctx)

		case <-emergencyTicker.C:
			c.onEmergencyTick(ctx)
		}
	}
}

// --------------------------------------------------------------------
// Market rotation
// --------------------------------------------------------------------

func (c *Controller) handleMarketStarted(ctx context.Context, ms MarketStarted) {
	market := Market{
		ID:              ms.MarketID,
		EndTime:         ms.EndTime,
		DurationMinutes: ms.DurationMinutes,
		UpTokenID:       ms.UpTokenID,
		DownTokenID:     ms.DownTokenID,
	}

	// Cancel any outstanding orders from the previous market before
	// entering Watching on the new one.
	if c.cycle != nil {
		if c.lockUnlock != nil {
			c.lockUnlock()
			c.lockUnlock = nil
		}
		c.cancelOutstandingOrders(ctx)
		if !c.isPaper() && c.exch != nil {
			if _, err := c.exch.SettleMarket(ctx, c.cycle.Market.ID); err != nil {
				c.logger.WarnContext(ctx, "settle on rotation failed", slog.String("error", err.Error()))
			}
		}
	}

	if c.agg != nil {
		c.agg.Reset()
		c.restartAggregator(ctx, market)
	}

	c.cycle = NewCycle(market)
	c.emergencyChecked = false
	c.pollInFlight = false

	c.source.SetPhase(PhaseWatching)
	c.transition(StateWatching)
}

func (c *Controller) cancelOutstandingOrders(ctx context.Context) {
	if c.isPaper() || c.exch == nil {
		return
	}
	if c.cycle.PendingLeg1Buy != nil {
		_ = c.exch.CancelOrder(ctx, c.cycle.PendingLeg1Buy.OrderID)
	}
	if c.cycle.PendingLeg2Buy != nil {
		_ = c.exch.CancelOrder(ctx, c.cycle.PendingLeg2Buy.OrderID)
	}
	if c.cycle.Leg1ExitOrderID != "" {
		_ = c.exch.CancelOrder(ctx, c.cycle.Leg1ExitOrderID)
	}
	if c.cycle.Leg2ExitOrderID != "" {
		_ = c.exch.CancelOrder(ctx, c.cycle.Leg2ExitOrderID)
	}
}

// restartAggregator cancels the previous market's aggregator poll loop, if
// any, and starts a new one bound to market's token ids. The aggregator
// runs on its own goroutine since it only reads the source's cached book
// and never touches cycle state directly.
func (c *Controller) restartAggregator(ctx context.Context, market Market) {
	if c.aggCancel != nil {
		c.aggCancel()
	}
	aggCtx, cancel := context.WithCancel(ctx)
	c.aggCancel = cancel
	go func() {
		if err := c.agg.Run(aggCtx, market); err != nil && ctx.Err() == nil {
			c.logger.WarnContext(ctx, "aggregator run exited", slog.String("error", err.Error()))
		}
	}()
}

// handleNewRound updates the round identifier for display. Per the
// observed (and preserved, see DESIGN.md "Open Question decisions")
// behavior, it does not take the market end time from the incoming
// event — only the round identifier — and only clears nothing mid-cycle.
func (c *Controller) handleNewRound(nr NewRound) {
	if c.cycle == nil {
		return
	}
	// The end time is deliberately NOT updated from nr.EndTime here;
	// see DESIGN.md for why this is preserved rather than fixed.
	if c.cycle.State != StateWatching {
		// Mid-cycle: only the identifier may move, never cycle state.
		c.emit(Event{Kind: EventNewRound, RoundID: nr.RoundID})
		return
	}
	c.emit(Event{Kind: EventNewRound, RoundID: nr.RoundID})
}

// --------------------------------------------------------------------
// Signal handling / leg1 and leg2 admission
// --------------------------------------------------------------------

func (c *Controller) handleSignal(ctx context.Context, sig Signal) {
	if c.cycle == nil {
		return
	}
	switch sig.Kind {
	case SignalKindLeg1:
		c.handleLeg1Signal(ctx, sig)
	case SignalKindLeg2:
		c.handleLeg2Signal(ctx, sig)
	}
}

func (c *Controller) handleLeg1Signal(ctx context.Context, sig Signal) {
	// Gate 1: state must be Watching.
	if c.cycle.State != StateWatching {
		return
	}
	// Gate 2: one entry per market, in this process.
	if c.cycle.CycleAttemptedThisMarket {
		return
	}
	// Gate 3: would not immediately emergency-exit.
	secsRemaining := c.cycle.Market.SecondsRemaining(c.now())
	if secsRemaining <= int64(c.cfg.ExitBeforeExpiryMinutes)*60 {
		return
	}
	// Gate 4: only dip signals are actionable.
	if sig.Source != SourceDip {
		return
	}
	// Gate 5/6: sizer not paused, qty >= min_shares.
	balance := c.currentBalance(ctx)
	qty := c.sizer.CalculateShares(balance, sig.CurrentPrice, c.now())
	if qty.IsZero() {
		return
	}
	// Gate 7: price range and token-id staleness.
	if !priceInRange(sig.CurrentPrice) {
		return
	}
	if sig.TokenID != c.cycle.Market.TokenID(sig.DipSide) {
		return
	}
	// Gate 8: one entry per market, across every controller process
	// sharing a Redis lock manager (no-op when locks is nil). Acquired
	// last, once every other gate has already passed, so it is never
	// taken and then abandoned by a gate that fails afterward; held until
	// resetAfterFinalize releases it at cycle end.
	if c.locks != nil {
		ttl := time.Duration(secsRemaining)*time.Second + time.Minute
		unlock, err := c.locks.Acquire(ctx, "cycle:"+c.cycle.Market.ID, ttl)
		if err != nil {
			if !errors.Is(err, domain.ErrLockHeld) {
				c.logger.WarnContext(ctx, "lock acquire failed", slog.String("error", err.Error()))
			}
			return
		}
		c.lockUnlock = unlock
	}

	kind := DecideLeg1OrderKind(sig.CurrentPrice, sig.OppositeAsk, c.cfg.SumTarget, c.cfg.TakerFeeRate, c.cfg.UseMakerOrders, c.cfg.MakerFallbackToTaker)
	c.executeLeg1(ctx, sig, qty, kind)
}

func priceInRange(p decimal.Decimal) bool {
	return p.GreaterThan(decimalZero) && p.LessThan(decimalOne)
}

func (c *Controller) currentBalance(ctx context.Context) decimal.Decimal {
	if c.isPaper() {
		return c.paper.Balance()
	}
	bal, err := c.exch.Balance(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "balance query failed", slog.String("error", err.Error()))
		return decimalZero
	}
	return bal
}

func (c *Controller) executeLeg1(ctx context.Context, sig Signal, qty decimal.Decimal, kind OrderKind) {
	c.cycle.CycleAttemptedThisMarket = true

	if c.isPaper() {
		leg := &Leg{
			Side: sig.DipSide, Price: sig.CurrentPrice, Quantity: qty,
			TokenID: sig.TokenID, Kind: kind, BestBid: sig.BestBid, BestAsk: sig.BestAsk,
			FilledAt: c.now(),
		}
		c.paper.Buy(ctx, *leg, c.cycle.Market.ID, c.cycle.Market.ID)
		c.cycle.Leg1 = leg
		c.transition(StateWaitingForHedge)
		c.source.SetPhase(PhaseLeg1Filled)
		c.emit(Event{Kind: EventLeg1Executed, Leg: leg})
		c.placeExitSell(ctx, leg, true)
		return
	}

	switch kind {
	case OrderKindTakerMarket:
		notional := qty.Mul(sig.CurrentPrice)
		res, err := c.exch.CreateMarketOrder(ctx, sig.TokenID, ExchangeBuy, notional)
		if err != nil || !res.Success {
			c.resetCycleKeepAttempted()
			return
		}
		fillPrice := res.FilledPrice
		if sig.BestAsk != nil {
			fillPrice = *sig.BestAsk
		}
		leg := &Leg{
			Side: sig.DipSide, Price: fillPrice, Quantity: qty, TokenID: sig.TokenID,
			Kind: kind, BestBid: sig.BestBid, BestAsk: sig.BestAsk, OrderID: res.OrderID,
			FilledAt: c.now(),
		}
		c.cycle.Leg1 = leg
		c.transition(StateWaitingForHedge)
		c.source.SetPhase(PhaseLeg1Filled)
		c.emit(Event{Kind: EventLeg1Executed, Leg: leg})
		c.placeExitSell(ctx, leg, true)

	case OrderKindMakerLimit:
		askPrice := sig.CurrentPrice
		if sig.BestAsk != nil {
			askPrice = *sig.BestAsk
		}
		res, err := c.exch.CreateLimitOrder(ctx, sig.TokenID, ExchangeBuy, askPrice, qty)
		if err != nil || res.OrderID == "" {
			c.resetCycleKeepAttempted()
			return
		}
		c.cycle.PendingLeg1Buy = &PendingOrder{
			OrderID: res.OrderID, Intent: IntentLeg1Buy, LimitPrice: askPrice,
			TargetQty: qty, PollStart: c.now(),
		}
		c.cycle.ExpectOrder(res.OrderID)
		c.transition(StateLeg1Pending)
	}
}

// resetCycleKeepAttempted returns to Watching without clearing
// cycle_attempted_this_market, preventing retry within the same market
// (spec.md §7 order-failure handling).
func (c *Controller) resetCycleKeepAttempted() {
	attempted := c.cycle.CycleAttemptedThisMarket
	market := c.cycle.Market
	c.cycle = NewCycle(market)
	c.cycle.CycleAttemptedThisMarket = attempted
	c.transition(StateWatching)
}

func (c *Controller) handleLeg2Signal(ctx context.Context, sig Signal) {
	if c.cycle.State != StateWaitingForHedge {
		return
	}
	if c.cycle.Leg1 == nil {
		return
	}
	if c.cycle.Leg1.Price.Add(sig.CurrentPrice).GreaterThan(c.cfg.SumTarget) {
		return
	}
	if !priceInRange(sig.CurrentPrice) {
		return
	}
	if sig.TokenID != c.cycle.Market.TokenID(sig.DipSide) {
		return
	}

	qty := c.cycle.Leg1.Quantity
	kind := DecideLeg2OrderKind()

	if c.isPaper() {
		leg := &Leg{
			Side: sig.DipSide, Price: sig.CurrentPrice, Quantity: qty, TokenID: sig.TokenID,
			Kind: kind, BestBid: sig.BestBid, BestAsk: sig.BestAsk, FilledAt: c.now(),
		}
		c.paper.Buy(ctx, *leg, c.cycle.Market.ID, c.cycle.Market.ID)
		c.cycle.Leg2 = leg
		c.emit(Event{Kind: EventLeg2Executed, Leg: leg})
		c.finalizeCycle(ctx, "completed", false)
		return
	}

	askPrice := sig.CurrentPrice
	if sig.BestAsk != nil {
		askPrice = *sig.BestAsk
	}
	res, err := c.exch.CreateLimitOrder(ctx, sig.TokenID, ExchangeBuy, askPrice, qty)
	if err != nil || res.OrderID == "" {
		c.emergencyExit(ctx, "leg2 order placement failed")
		return
	}
	c.cycle.PendingLeg2Buy = &PendingOrder{
		OrderID: res.OrderID, Intent: IntentLeg2Buy, LimitPrice: askPrice,
		TargetQty: qty, PollStart: c.now(),
	}
	c.cycle.ExpectOrder(res.OrderID)
	c.transition(StateLeg2Pending)
	// The emergency timer keeps running through Leg2Pending; cleared
	// only on confirmed fill (spec.md §4.6).
}

func (c *Controller) placeExitSell(ctx context.Context, leg *Leg, isLeg1 bool) {
	if c.isPaper() {
		// The resting exit-sell is a live-exchange safety net; paper mode
		// has no order book to rest on, so it is recorded in the trade log
		// only (spec.md §4.6's paper exit sell: "logged, not real").
		marketID := c.cycle.Market.ID
		c.paper.RecordExitSell(marketID, leg.Side, leg.Quantity, c.cfg.ExitSellPrice, c.now(), marketID)
		c.logger.InfoContext(ctx, "paper exit sell recorded",
			slog.String("market_id", marketID), slog.String("side", string(leg.Side)),
			slog.String("price", c.cfg.ExitSellPrice.String()))
		c.emit(Event{Kind: EventLog, At: c.now(), Message: fmt.Sprintf(
			"paper exit sell recorded: %s %s @ %s", leg.Side, leg.Quantity, c.cfg.ExitSellPrice)})
		return
	}
	res, err := c.exch.CreateLimitOrder(ctx, leg.TokenID, ExchangeSell, c.cfg.ExitSellPrice, leg.Quantity)
	if err != nil || res.OrderID == "" {
		c.logger.WarnContext(ctx, "exit sell placement failed", slog.String("error", errString(err)))
		return
	}
	if isLeg1 {
		c.cycle.Leg1ExitOrderID = res.OrderID
	} else {
		c.cycle.Leg2ExitOrderID = res.OrderID
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// --------------------------------------------------------------------
// Execution events (fill notifications parallel to polling)
// --------------------------------------------------------------------

func (c *Controller) handleExecution(ctx context.Context, exec Execution) {
	if c.cycle == nil || c.cycle.CycleFinalized {
		return
	}
	if exec.OrderID != "" && !c.cycle.Expects(exec.OrderID) {
		return
	}
	if !exec.Success {
		return
	}
	switch exec.Leg {
	case IntentLeg1Buy:
		if c.cycle.State != StateLeg1Pending {
			return
		}
		leg := &Leg{Side: exec.Side, Price: exec.Price, Quantity: exec.Shares, TokenID: exec.TokenID, OrderID: exec.OrderID, FilledAt: c.now()}
		c.onFilled(ctx, IntentLeg1Buy, leg)
	case IntentLeg2Buy:
		if c.cycle.State != StateLeg2Pending {
			return
		}
		leg := &Leg{Side: exec.Side, Price: exec.Price, Quantity: exec.Shares, TokenID: exec.TokenID, OrderID: exec.OrderID, FilledAt: c.now()}
		c.onFilled(ctx, IntentLeg2Buy, leg)
	}
}

func (c *Controller) handleRoundComplete(ctx context.Context, rc RoundComplete) {
	if c.cycle != nil && c.cycle.CycleFinalized {
		return
	}
	if c.cycle == nil {
		return
	}
	switch rc.Status {
	case "completed":
		c.stats.CyclesCompleted++
		if rc.Profit != nil && rc.Profit.GreaterThan(decimalZero) {
			c.stats.CyclesWon++
		}
	case "abandoned":
		c.stats.CyclesAbandoned++
	}
	if !c.isPaper() && c.exch != nil {
		if _, err := c.exch.SettleMarket(ctx, c.cycle.Market.ID); err != nil {
			c.logger.WarnContext(ctx, "settle on round complete failed", slog.String("error", err.Error()))
		}
	}
}

// --------------------------------------------------------------------
// Fill polling
// --------------------------------------------------------------------

func (c *Controller) onFillPollTick(ctx context.Context) {
	if c.cycle == nil || c.pollInFlight {
		return
	}
	var pending *PendingOrder
	var intent PendingOrderIntent
	if c.cycle.PendingLeg1Buy != nil {
		pending, intent = c.cycle.PendingLeg1Buy, IntentLeg1Buy
	} else if c.cycle.PendingLeg2Buy != nil {
		pending, intent = c.cycle.PendingLeg2Buy, IntentLeg2Buy
	}
	if pending == nil {
		return
	}

	if c.now().Sub(pending.PollStart) > c.cfg.FillTimeout {
		_ = c.exch.CancelOrder(ctx, pending.OrderID)
		c.onTerminalNonFilled(ctx, intent, pending.OrderID, decimalZero)
		return
	}

	c.pollInFlight = true
	orderID := pending.OrderID
	go func() {
		status, err := c.exch.GetOrder(ctx, orderID)
		c.pollResults <- pollResult{intent: intent, orderID: orderID, status: status, err: err}
	}()
}

func (c *Controller) handlePollResult(ctx context.Context, pr pollResult) {
	c.pollInFlight = false
	if c.cycle == nil || !c.cycle.Expects(pr.orderID) {
		return
	}
	if pr.err != nil {
		c.logger.WarnContext(ctx, "fill poll failed", slog.String("error", pr.err.Error()))
		return
	}

	switch {
	case pr.status.Status == StatusFilled:
		leg := c.legFromPending(pr.intent, pr.status.FilledSize)
		c.onFilled(ctx, pr.intent, leg)

	case pr.status.Status.IsTerminalNonFilled():
		if pr.status.FilledSize.GreaterThan(decimalZero) {
			leg := c.legFromPending(pr.intent, pr.status.FilledSize)
			c.onFilled(ctx, pr.intent, leg)
			return
		}
		c.onTerminalNonFilled(ctx, pr.intent, pr.orderID, decimalZero)

	case pr.status.Status == StatusNotFound:
		c.onTerminalNonFilled(ctx, pr.intent, pr.orderID, decimalZero)

	default:
		// pending/open/partially_filled: keep polling.
	}
}

func (c *Controller) legFromPending(intent PendingOrderIntent, filledSize decimal.Decimal) *Leg {
	var pending *PendingOrder
	if intent == IntentLeg1Buy {
		pending = c.cycle.PendingLeg1Buy
	} else {
		pending = c.cycle.PendingLeg2Buy
	}
	qty := filledSize
	if qty.IsZero() {
		qty = pending.TargetQty
	}
	side := SideUp
	if intent == IntentLeg2Buy && c.cycle.Leg1 != nil {
		side = c.cycle.Leg1.Side.Opposite()
	}
	return &Leg{
		Side: side, Price: pending.LimitPrice, Quantity: qty,
		Kind: OrderKindMakerLimit, OrderID: pending.OrderID, FilledAt: c.now(),
	}
}

func (c *Controller) onFilled(ctx context.Context, intent PendingOrderIntent, leg *Leg) {
	c.cycle.ForgetOrder(leg.OrderID)
	switch intent {
	case IntentLeg1Buy:
		c.cycle.PendingLeg1Buy = nil
		c.cycle.Leg1 = leg
		c.transition(StateWaitingForHedge)
		c.source.SetPhase(PhaseLeg1Filled)
		c.emit(Event{Kind: EventLeg1Executed, Leg: leg})
		c.placeExitSell(ctx, leg, true)

	case IntentLeg2Buy:
		c.cycle.PendingLeg2Buy = nil
		c.cycle.Leg2 = leg
		c.emit(Event{Kind: EventLeg2Executed, Leg: leg})
		c.finalizeCycle(ctx, "completed", false)
	}
}

// onTerminalNonFilled applies spec.md §4.6's fill-poll fallback: leg1
// resets to Watching, leg2 triggers emergency exit.
func (c *Controller) onTerminalNonFilled(ctx context.Context, intent PendingOrderIntent, orderID string, _ decimal.Decimal) {
	c.cycle.ForgetOrder(orderID)
	switch intent {
	case IntentLeg1Buy:
		c.cycle.PendingLeg1Buy = nil
		c.resetCycleKeepAttempted()
	case IntentLeg2Buy:
		c.cycle.PendingLeg2Buy = nil
		c.emergencyExit(ctx, "leg2 terminal non-filled")
	}
}

// --------------------------------------------------------------------
// Emergency exit
// --------------------------------------------------------------------

func (c *Controller) onEmergencyTick(ctx context.Context) {
	if c.cycle == nil {
		return
	}
	if c.cycle.Leg1 == nil || c.cycle.Leg2 != nil {
		return
	}
	if c.cycle.State != StateWaitingForHedge && c.cycle.State != StateLeg2Pending {
		return
	}
	secsRemaining := c.cycle.Market.SecondsRemaining(c.now())
	if secsRemaining > int64(c.cfg.ExitBeforeExpiryMinutes)*60 {
		return
	}
	c.emergencyExit(ctx, "time-based emergency exit")
}

func (c *Controller) emergencyExit(ctx context.Context, reason string) {
	if c.cycle == nil || c.cycle.Leg1 == nil {
		return
	}
	c.transition(StateEmergencyExit)
	c.stats.EmergencyExits++

	leg1 := c.cycle.Leg1
	entryValue := leg1.Price.Mul(leg1.Quantity)

	if c.isPaper() {
		lastPrice, ok := c.historyLast(leg1.Side)
		if !ok {
			c.paper.AbandonRound(c.cycle.Market.ID)
			c.finalizeAbandon(ctx)
			return
		}
		c.paper.Sell(ctx, c.cycle.Market.ID, leg1.Side, leg1.Quantity, lastPrice, c.now(), c.cycle.Market.ID)
		exitValue := lastPrice.Mul(leg1.Quantity)
		c.finalizeEmergency(ctx, reason, exitValue, entryValue)
		return
	}

	if c.cycle.PendingLeg2Buy != nil {
		_ = c.exch.CancelOrder(ctx, c.cycle.PendingLeg2Buy.OrderID)
		c.cycle.ForgetOrder(c.cycle.PendingLeg2Buy.OrderID)
		c.cycle.PendingLeg2Buy = nil
	}
	if c.cycle.Leg1ExitOrderID != "" {
		_ = c.exch.CancelOrder(ctx, c.cycle.Leg1ExitOrderID)
		c.cycle.Leg1ExitOrderID = ""
	}

	lastPrice, hasPrice := c.historyLast(leg1.Side)
	notional := leg1.Quantity.Mul(lastPrice)
	_, err := c.exch.CreateMarketOrder(ctx, leg1.TokenID, ExchangeSell, notional)
	if err != nil {
		c.logger.WarnContext(ctx, "emergency exit sell failed", slog.String("error", err.Error()))
	}

	exitValue := decimalZero
	if hasPrice {
		exitValue = lastPrice.Mul(leg1.Quantity)
	}
	c.finalizeEmergency(ctx, reason, exitValue, entryValue)
}

func (c *Controller) historyLast(side Side) (decimal.Decimal, bool) {
	if c.agg == nil {
		return decimalZero, false
	}
	return c.agg.History().Last(side)
}

func (c *Controller) finalizeEmergency(ctx context.Context, reason string, exitValue, entryValue decimal.Decimal) {
	if c.cycle.CycleFinalized {
		return
	}
	c.cycle.CycleFinalized = true

	profit := exitValue.Sub(entryValue)
	result := &CycleResult{
		MarketID: c.cycle.Market.ID, Status: "emergency_exit", Leg1: c.cycle.Leg1,
		Payout: exitValue, TotalCost: entryValue, Profit: profit, Emergency: true, At: c.now(),
	}
	if !entryValue.IsZero() {
		result.ProfitPct = profit.Div(entryValue)
	}

	c.sizer.RecordResult(profit, c.now())
	if c.isPaper() {
		c.paper.RecordCycle(*result)
	}
	c.emit(Event{Kind: EventEmergencyExit, Result: result})
	c.emit(Event{Kind: EventCycleComplete, Result: result})

	c.resetAfterFinalize()
}

func (c *Controller) finalizeAbandon(ctx context.Context) {
	if c.cycle.CycleFinalized {
		return
	}
	c.cycle.CycleFinalized = true
	c.stats.CyclesAbandoned++
	result := &CycleResult{MarketID: c.cycle.Market.ID, Status: "abandoned", Leg1: c.cycle.Leg1, At: c.now()}
	if c.isPaper() {
		c.paper.RecordCycle(*result)
	}
	c.emit(Event{Kind: EventCycleComplete, Result: result})
	c.resetAfterFinalize()
}

// --------------------------------------------------------------------
// Cycle finalization
// --------------------------------------------------------------------

// finalizeCycle is idempotent per cycle_finalized (spec.md §4.6). status
// is "completed"; inEmergency is always false here since emergency exits
// go through finalizeEmergency instead.
func (c *Controller) finalizeCycle(ctx context.Context, status string, inEmergency bool) {
	if c.cycle.CycleFinalized {
		return
	}
	c.cycle.CycleFinalized = true

	leg1, leg2 := c.cycle.Leg1, c.cycle.Leg2
	payout := decimal.Min(leg1.Quantity, leg2.Quantity)
	totalCost := leg1.Price.Mul(leg1.Quantity).Add(leg2.Price.Mul(leg2.Quantity))
	profit := payout.Sub(totalCost)
	profitPct := decimalZero
	if !totalCost.IsZero() {
		profitPct = profit.Div(totalCost)
	}

	c.stats.CyclesCompleted++
	if profit.GreaterThan(decimalZero) {
		c.stats.CyclesWon++
	}
	c.sizer.RecordResult(profit, c.now())

	result := &CycleResult{
		MarketID: c.cycle.Market.ID, Status: status, Leg1: leg1, Leg2: leg2,
		Payout: payout, TotalCost: totalCost, Profit: profit, ProfitPct: profitPct, At: c.now(),
	}
	if c.isPaper() {
		c.paper.ResolveCycle(c.cycle.Market.ID, payout)
		c.paper.RecordCycle(*result)
	} else {
		c.placeExitSell(ctx, leg2, false)
	}
	c.emit(Event{Kind: EventCycleComplete, Result: result})

	c.transition(StateCompleted)
	c.resetAfterFinalize()
}

func (c *Controller) resetAfterFinalize() {
	if c.lockUnlock != nil {
		c.lockUnlock()
		c.lockUnlock = nil
	}
	market := c.cycle.Market
	attempted := c.cycle.CycleAttemptedThisMarket
	c.cycle = NewCycle(market)
	c.cycle.CycleAttemptedThisMarket = attempted
	c.transition(StateWatching)
}

// Stats returns a copy of the current strategy stats.
func (c *Controller) Stats() StrategyStats {
	return c.stats
}

// Cycle exposes the current cycle for observability/tests.
func (c *Controller) CurrentCycle() *Cycle {
	return c.cycle
}
