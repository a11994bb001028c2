// Package arb implements the arbitrage control plane: the per-market state
// machine that buys both sides of a binary-option market when the sum of
// best asks falls below 1.00, and the supporting fee, sizing, price
// aggregation, and paper-simulation models it depends on.
package arb

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is one of the two complementary outcome tokens for a binary-option
// market.
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// Opposite returns the other side of the pair.
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// OrderKind distinguishes a resting zero-fee maker order from an
// immediate fee-charged taker order.
type OrderKind string

const (
	OrderKindMakerLimit OrderKind = "maker-limit"
	OrderKindTakerMarket OrderKind = "taker-market"
)

// SignalKind is the leg a signal is proposing.
type SignalKind string

const (
	SignalKindLeg1 SignalKind = "leg1"
	SignalKindLeg2 SignalKind = "leg2"
)

// SignalSourceKind classifies why a signal fired. Only SourceDip is ever
// admitted by the controller.
type SignalSourceKind string

const (
	SourceDip        SignalSourceKind = "dip"
	SourceSurge      SignalSourceKind = "surge"
	SourceMispricing SignalSourceKind = "mispricing"
)

// Market is one round of the binary option. Immutable once current;
// replaced wholesale on rotation.
type Market struct {
	ID              string
	DurationMinutes int
	UpTokenID       string
	DownTokenID     string
	EndTime         time.Time
}

// TokenID returns the token id governing the given side of this market.
func (m Market) TokenID(side Side) string {
	if side == SideUp {
		return m.UpTokenID
	}
	return m.DownTokenID
}

// SecondsRemaining returns the whole seconds between now and the market's
// end time, floored at zero.
func (m Market) SecondsRemaining(now time.Time) int64 {
	d := m.EndTime.Sub(now)
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}

// Leg is a single filled purchase on one side of a cycle.
type Leg struct {
	Side        Side
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	TokenID     string
	Kind        OrderKind
	BestBid     *decimal.Decimal
	BestAsk     *decimal.Decimal
	OrderID     string
	FilledAt    time.Time
}

// Valid reports whether the leg satisfies spec.md's invariant: price
// strictly in (0,1), quantity > 0.
func (l Leg) Valid() bool {
	return l.Price.GreaterThan(decimal.Zero) &&
		l.Price.LessThan(decimal.NewFromInt(1)) &&
		l.Quantity.GreaterThan(decimal.Zero)
}

// CycleState is a state in the per-market arbitrage state machine
// (spec.md §4.6).
type CycleState string

const (
	StateWatching       CycleState = "watching"
	StateLeg1Pending     CycleState = "leg1_pending"
	StateWaitingForHedge CycleState = "waiting_for_hedge"
	StateLeg2Pending     CycleState = "leg2_pending"
	StateCompleted       CycleState = "completed"
	StateEmergencyExit   CycleState = "emergency_exit"
)

// PendingOrderIntent names which leg/direction a pending order is for.
type PendingOrderIntent string

const (
	IntentLeg1Buy     PendingOrderIntent = "leg1-buy"
	IntentLeg2Buy     PendingOrderIntent = "leg2-buy"
	IntentLeg1ExitSell PendingOrderIntent = "leg1-exit-sell"
	IntentLeg2ExitSell PendingOrderIntent = "leg2-exit-sell"
)

// PendingOrder is a live exchange order the controller is awaiting.
type PendingOrder struct {
	OrderID      string
	Intent       PendingOrderIntent
	LimitPrice   decimal.Decimal
	TargetQty    decimal.Decimal
	PollStart    time.Time
}

// Cycle is a per-market unit of work: at most one leg1, one leg2, and a
// monotonic state.
type Cycle struct {
	Market           Market
	State            CycleState
	Leg1             *Leg
	Leg2             *Leg
	PendingLeg1Buy   *PendingOrder
	PendingLeg2Buy   *PendingOrder
	Leg1ExitOrderID  string
	Leg2ExitOrderID  string

	// Idempotency guards (spec.md §9 — preserved verbatim, never relaxed).
	CycleFinalized          bool
	ExpectedOrderIDs        map[string]struct{}
	CycleAttemptedThisMarket bool
}

// NewCycle starts a fresh cycle watching the given market.
func NewCycle(m Market) *Cycle {
	return &Cycle{
		Market:           m,
		State:            StateWatching,
		ExpectedOrderIDs: make(map[string]struct{}),
	}
}

// ExpectOrder registers an order id as awaited; fill-poll or execution
// callbacks for ids not in this set are discarded (spec.md §5 ordering
// guarantee 3).
func (c *Cycle) ExpectOrder(id string) {
	if id == "" {
		return
	}
	c.ExpectedOrderIDs[id] = struct{}{}
}

// ForgetOrder removes an order id from the expectation set once it has
// reached a terminal, already-handled state.
func (c *Cycle) ForgetOrder(id string) {
	delete(c.ExpectedOrderIDs, id)
}

// Expects reports whether the given order id is still awaited.
func (c *Cycle) Expects(id string) bool {
	_, ok := c.ExpectedOrderIDs[id]
	return ok
}

// PricePoint is one observed ask price at an instant, used by the rolling
// price history.
type PricePoint struct {
	Price decimal.Decimal
	At    time.Time
}

// PriceHistory holds two bounded rolling sequences of ask observations,
// trimmed to a fixed window. Used only for emergency-exit P&L estimation.
type PriceHistory struct {
	Window time.Duration
	Up     []PricePoint
	Down   []PricePoint
}

// NewPriceHistory creates a price history trimmed to the given window.
func NewPriceHistory(window time.Duration) *PriceHistory {
	return &PriceHistory{Window: window}
}

// Record appends an ask observation for the given side and trims entries
// older than the window.
func (h *PriceHistory) Record(side Side, price decimal.Decimal, at time.Time) {
	pt := PricePoint{Price: price, At: at}
	if side == SideUp {
		h.Up = append(h.Up, pt)
		h.Up = trimBefore(h.Up, at.Add(-h.Window))
		return
	}
	h.Down = append(h.Down, pt)
	h.Down = trimBefore(h.Down, at.Add(-h.Window))
}

// Last returns the most recently recorded price for the given side, and
// whether one exists.
func (h *PriceHistory) Last(side Side) (decimal.Decimal, bool) {
	seq := h.Up
	if side == SideDown {
		seq = h.Down
	}
	if len(seq) == 0 {
		return decimal.Zero, false
	}
	return seq[len(seq)-1].Price, true
}

// Clear empties both sequences, used on market rotation.
func (h *PriceHistory) Clear() {
	h.Up = nil
	h.Down = nil
}

func trimBefore(pts []PricePoint, cutoff time.Time) []PricePoint {
	i := 0
	for i < len(pts) && pts[i].At.Before(cutoff) {
		i++
	}
	if i == 0 {
		return pts
	}
	return pts[i:]
}

// StrategyStats are cumulative counters mutated only by the controller.
type StrategyStats struct {
	CyclesCompleted int64
	CyclesAbandoned int64
	CyclesWon       int64
	TotalProfit     decimal.Decimal
	EmergencyExits  int64
}

// WinRate returns cycles won over (completed + abandoned), or zero if none
// have happened yet.
func (s StrategyStats) WinRate() decimal.Decimal {
	denom := s.CyclesCompleted + s.CyclesAbandoned
	if denom == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(s.CyclesWon).Div(decimal.NewFromInt(denom))
}

// PaperPosition is a per (market id, side) aggregate held by the paper
// simulator.
type PaperPosition struct {
	MarketID  string
	Side      Side
	TokenID   string
	Quantity  decimal.Decimal
	AvgPrice  decimal.Decimal
	OpenedAt  time.Time
}

// CycleResult is the outcome recorded when a cycle finalizes, whether by
// normal completion or emergency exit.
type CycleResult struct {
	MarketID   string
	Status     string // "completed", "abandoned", "emergency_exit"
	Leg1       *Leg
	Leg2       *Leg
	Payout     decimal.Decimal
	TotalCost  decimal.Decimal
	Profit     decimal.Decimal
	ProfitPct  decimal.Decimal
	Emergency  bool
	At         time.Time
}
