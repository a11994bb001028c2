package arb

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SourcePhase is the narrow phase indication the controller pushes down
// to the signal source (spec.md §9's replacement for dynamic internal
// access).
type SourcePhase string

const (
	PhaseWatching    SourcePhase = "watching"
	PhaseLeg1Filled  SourcePhase = "leg1_filled"
)

// MarketStarted is the authoritative rotation signal (spec.md §4.5).
// Every rotation must fire this.
type MarketStarted struct {
	MarketID        string
	EndTime         time.Time
	DurationMinutes int
	UpTokenID       string
	DownTokenID     string
}

// NewRound is an optional sub-event during a market.
type NewRound struct {
	RoundID string
	EndTime time.Time
	UpOpen  *bool
	DownOpen *bool
}

// Signal is a leg1/leg2 candidate (spec.md §4.5).
type Signal struct {
	Kind            SignalKind
	Source          SignalSourceKind
	DipSide         Side
	CurrentPrice    decimal.Decimal
	OppositeAsk     decimal.Decimal
	DropPercent     decimal.Decimal
	TokenID         string
	TargetPrice     *decimal.Decimal
	BestBid         *decimal.Decimal
	BestAsk         *decimal.Decimal
	SecondsRemaining *int64
}

// Execution is a fill notification parallel to explicit polling.
type Execution struct {
	Leg     PendingOrderIntent
	Success bool
	Side    Side
	Price   decimal.Decimal
	Shares  decimal.Decimal
	TokenID string
	OrderID string
}

// RoundComplete reports cycle outcome from the signal source's own point
// of view, in case it detected completion/abandonment independently.
type RoundComplete struct {
	Status  string // "completed", "abandoned"
	Profit  *decimal.Decimal
}

// SignalSource is the C5 contract (spec.md §4.5): the external
// detector the controller consumes. It also accepts configuration
// updates and phase notification (spec.md §4.6, §9).
type SignalSource interface {
	// Run subscribes the source and blocks, delivering events through
	// the returned channels, until ctx is cancelled.
	Run(ctx context.Context) error

	MarketStarted() <-chan MarketStarted
	NewRoundEvents() <-chan NewRound
	Signals() <-chan Signal
	Executions() <-chan Execution
	RoundCompletes() <-chan RoundComplete
	Errors() <-chan error

	// SetPhase narrows the controller's influence over the source to a
	// single enum rather than reaching into its internals (spec.md §9).
	SetPhase(phase SourcePhase)

	// InjectOrderbook lets the C7 REST-fallback poller feed a snapshot
	// into the source when its own feed has stalled.
	InjectOrderbook(tokenID string, book Orderbook)

	// CurrentAsks returns the source's own cached best-ask view for the
	// given side, and whether one is available.
	CurrentAsks(side Side) (decimal.Decimal, bool)
}
