package arb

import (
	"context"

	"github.com/shopspring/decimal"
)

// ExchangeOrderSide is BUY or SELL on the underlying exchange.
type ExchangeOrderSide string

const (
	ExchangeBuy  ExchangeOrderSide = "BUY"
	ExchangeSell ExchangeOrderSide = "SELL"
)

// ExchangeOrderStatus is the status vocabulary the adapter must report
// (spec.md §4.4).
type ExchangeOrderStatus string

const (
	StatusPending         ExchangeOrderStatus = "pending"
	StatusOpen            ExchangeOrderStatus = "open"
	StatusPartiallyFilled ExchangeOrderStatus = "partially_filled"
	StatusFilled          ExchangeOrderStatus = "filled"
	StatusCancelled       ExchangeOrderStatus = "cancelled"
	StatusExpired         ExchangeOrderStatus = "expired"
	StatusRejected        ExchangeOrderStatus = "rejected"
	StatusNotFound        ExchangeOrderStatus = "not_found"
)

// IsTerminalNonFilled reports whether status is a terminal state other
// than filled (spec.md §4.6 fill-polling).
func (s ExchangeOrderStatus) IsTerminalNonFilled() bool {
	switch s {
	case StatusCancelled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// CreateOrderResult is the result of placing a limit or market order.
type CreateOrderResult struct {
	Success    bool
	OrderID    string
	Error      string
}

// MarketOrderResult is the result of a market order, which additionally
// reports the observed fill price (spec.md §4.6: leg1 taker fills are
// recorded at the observed best ask, not the signal price).
type MarketOrderResult struct {
	Success      bool
	OrderID      string
	FilledPrice  decimal.Decimal
	Error        string
}

// OrderStatusResult is one poll response from GetOrder.
type OrderStatusResult struct {
	Status     ExchangeOrderStatus
	FilledSize decimal.Decimal
}

// Orderbook is a one-shot REST snapshot.
type Orderbook struct {
	Bids []PriceLevel
	Asks []PriceLevel
}

// PriceLevel is a single (price, size) point in an orderbook.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BestBidAsk returns the best (highest) bid and best (lowest) ask, and
// whether each was present.
func (o Orderbook) BestBidAsk() (bid, ask decimal.Decimal, hasBid, hasAsk bool) {
	for _, lvl := range o.Bids {
		if !hasBid || lvl.Price.GreaterThan(bid) {
			bid, hasBid = lvl.Price, true
		}
	}
	for _, lvl := range o.Asks {
		if !hasAsk || lvl.Price.LessThan(ask) {
			ask, hasAsk = lvl.Price, true
		}
	}
	return
}

// SettleResult is the outcome of a redemption attempt.
type SettleResult struct {
	Success       bool
	AmountReceived decimal.Decimal
}

// Exchange is the C4 contract (spec.md §4.4): the external exchange
// adapter the controller consumes. The controller never assumes anything
// about the adapter's own concurrency or retry behavior beyond what is
// specified here.
type Exchange interface {
	// CreateLimitOrder places a resting maker-limit order. A result with
	// no OrderID must be treated as failure by the caller.
	CreateLimitOrder(ctx context.Context, tokenID string, side ExchangeOrderSide, price, size decimal.Decimal) (CreateOrderResult, error)

	// CreateMarketOrder places an immediate taker-market order. notional
	// is the USD amount for SELL (qty * current estimated price), not
	// the raw share count.
	CreateMarketOrder(ctx context.Context, tokenID string, side ExchangeOrderSide, notional decimal.Decimal) (MarketOrderResult, error)

	// GetOrder polls the status of a previously placed order.
	GetOrder(ctx context.Context, orderID string) (OrderStatusResult, error)

	// CancelOrder cancels an order. Cancelling an already-terminal order
	// is not an error.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrderbook returns a one-shot snapshot for tokenID.
	GetOrderbook(ctx context.Context, tokenID string) (Orderbook, error)

	// SettleMarket attempts redemption. Idempotent: redeeming an
	// already-redeemed market succeeds with zero amount.
	SettleMarket(ctx context.Context, marketID string) (SettleResult, error)

	// Balance returns the current collateral balance (live mode only).
	Balance(ctx context.Context) (decimal.Decimal, error)
}
