package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fzheng/polymarket-arb15/internal/arb"
	"github.com/fzheng/polymarket-arb15/internal/domain"
	"github.com/shopspring/decimal"
)

// ArbSignalSourceConfig tunes the live dip detector and market-rotation
// poller (spec.md §6's trading defaults: default_dip_threshold 0.20,
// dump_window_ms 3000).
type ArbSignalSourceConfig struct {
	Asset                string // e.g. "BTC"
	DipThreshold         decimal.Decimal
	DumpWindow           time.Duration
	RotationPollInterval time.Duration
	WSURL                string
}

// startupMarketRetries and startupMarketInterval bound the initial
// market-discovery retry at process start (spec.md §7): three attempts,
// 30 seconds apart, before Run fails outright. Steady-state rotation
// polling (once a market has been found at least once) never gives up
// this way — only the cold-start case does.
const (
	startupMarketRetries  = 3
	startupMarketInterval = 30 * time.Second
)

// dipPoint is one windowed ask observation used for flash-dip detection.
type dipPoint struct {
	price decimal.Decimal
	at    time.Time
}

// ArbSignalSource adapts WSClient (real-time book/price feeds) and
// GammaClient (market discovery) into the arb.SignalSource contract
// (spec.md §4.5). It owns dip classification: a rolling average of the
// dump window excluding the latest point, compared against the latest
// point, the same shape as price_tracker.go's DetectFlashCrash.
type ArbSignalSource struct {
	cfg    ArbSignalSourceConfig
	ws     *WSClient
	gamma  *GammaClient
	logger *slog.Logger

	mu           sync.Mutex
	phase        arb.SourcePhase
	market       arb.Market
	haveMarket   bool
	asks         map[string]decimal.Decimal // tokenID -> latest ask
	dipWindow    map[arb.Side][]dipPoint

	marketStartedCh  chan arb.MarketStarted
	newRoundCh       chan arb.NewRound
	signalsCh        chan arb.Signal
	executionsCh     chan arb.Execution
	roundCompletesCh chan arb.RoundComplete
	errorsCh         chan error
}

// NewArbSignalSource wires a WebSocket client and a Gamma client into a
// live SignalSource for the given asset's 15-minute up/down markets.
func NewArbSignalSource(cfg ArbSignalSourceConfig, gamma *GammaClient, logger *slog.Logger) *ArbSignalSource {
	return &ArbSignalSource{
		cfg:              cfg,
		ws:               NewWSClient(cfg.WSURL),
		gamma:            gamma,
		logger:           logger.With(slog.String("component", "arb_signal_source")),
		phase:            arb.PhaseWatching,
		asks:             make(map[string]decimal.Decimal),
		dipWindow:        make(map[arb.Side][]dipPoint),
		marketStartedCh:  make(chan arb.MarketStarted, 4),
		newRoundCh:       make(chan arb.NewRound, 4),
		signalsCh:        make(chan arb.Signal, 64),
		executionsCh:     make(chan arb.Execution, 16),
		roundCompletesCh: make(chan arb.RoundComplete, 4),
		errorsCh:         make(chan error, 16),
	}
}

func (s *ArbSignalSource) MarketStarted() <-chan arb.MarketStarted   { return s.marketStartedCh }
func (s *ArbSignalSource) NewRoundEvents() <-chan arb.NewRound       { return s.newRoundCh }
func (s *ArbSignalSource) Signals() <-chan arb.Signal                { return s.signalsCh }
func (s *ArbSignalSource) Executions() <-chan arb.Execution          { return s.executionsCh }
func (s *ArbSignalSource) RoundCompletes() <-chan arb.RoundComplete  { return s.roundCompletesCh }
func (s *ArbSignalSource) Errors() <-chan error                      { return s.errorsCh }

// SetPhase narrows controller influence to watching/leg1_filled, per the
// C5 contract (spec.md §9): while watching, only dip signals on either
// side are emitted; once leg1 has filled, every opposite-side ask tick
// becomes a candidate leg2 signal regardless of dip classification.
func (s *ArbSignalSource) SetPhase(phase arb.SourcePhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
}

// InjectOrderbook lets the REST-fallback poller (C7) feed a snapshot in
// when the WebSocket feed has stalled.
func (s *ArbSignalSource) InjectOrderbook(tokenID string, book arb.Orderbook) {
	_, ask, _, hasAsk := book.BestBidAsk()
	if !hasAsk {
		return
	}
	s.observeAsk(tokenID, ask, time.Now())
}

// CurrentAsks returns the cached best-ask view for the given side.
func (s *ArbSignalSource) CurrentAsks(side arb.Side) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveMarket {
		return decimal.Zero, false
	}
	ask, ok := s.asks[s.market.TokenID(side)]
	return ask, ok
}

// Run connects the WebSocket feed, registers book/price handlers, and
// polls Gamma for market rotation until ctx is cancelled.
func (s *ArbSignalSource) Run(ctx context.Context) error {
	s.ws.OnBookUpdate(func(snap domain.OrderbookSnapshot) {
		if snap.BestAsk <= 0 {
			return
		}
		s.observeAsk(snap.AssetID, decimal.NewFromFloat(snap.BestAsk), snap.Timestamp)
	})
	s.ws.OnPriceChange(func(change domain.PriceChange) {
		if change.Side != "SELL" || change.Size == 0 {
			return
		}
		s.observeAsk(change.AssetID, decimal.NewFromFloat(change.Price), change.Timestamp)
	})

	if err := s.ws.Connect(ctx); err != nil {
		return fmt.Errorf("polymarket/arb_signal: connect ws: %w", err)
	}
	defer s.ws.Close()

	if err := s.awaitInitialMarket(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.RotationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pollRotation(ctx)
		}
	}
}

// awaitInitialMarket blocks until pollRotation locates a current market,
// retrying startupMarketRetries times startupMarketInterval apart, and
// returns an error (after emitting one on errorsCh) if none is found by
// the final attempt — spec.md §7's startup rule. This runs once, before
// Run's steady-state rotation loop begins.
func (s *ArbSignalSource) awaitInitialMarket(ctx context.Context) error {
	for attempt := 1; attempt <= startupMarketRetries; attempt++ {
		s.pollRotation(ctx)

		s.mu.Lock()
		found := s.haveMarket
		s.mu.Unlock()
		if found {
			return nil
		}

		if attempt == startupMarketRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startupMarketInterval):
		}
	}

	err := fmt.Errorf("polymarket/arb_signal: no active %s market found after %d attempts, %s apart",
		s.cfg.Asset, startupMarketRetries, startupMarketInterval)
	s.trySendError(ctx, err)
	return err
}

// pollRotation finds the current (or next) 15-minute market for the
// configured asset and fires market_started on every rotation. This is
// the authoritative rotation signal (spec.md §4.5): every rotation must
// fire it, so a missed WebSocket reconnect never silently strands the
// controller on a stale market.
func (s *ArbSignalSource) pollRotation(ctx context.Context) {
	candidates, err := s.gamma.SearchMarketsRaw(ctx, s.cfg.Asset+" Up or Down", 20)
	if err != nil {
		s.trySendError(ctx, fmt.Errorf("polymarket/arb_signal: poll rotation: %w", err))
		return
	}

	now := time.Now()
	var best *APIMarket
	var bestEnd time.Time
	for i := range candidates {
		m := &candidates[i]
		if m.Closed || len(m.Tokens) != 2 {
			continue
		}
		end, ok := m.ParsedEndTime()
		if !ok || end.Before(now) {
			continue
		}
		if best == nil || end.Before(bestEnd) {
			best, bestEnd = m, end
		}
	}
	if best == nil {
		return
	}

	s.mu.Lock()
	alreadyCurrent := s.haveMarket && s.market.ID == best.ID
	s.mu.Unlock()
	if alreadyCurrent {
		return
	}

	upToken, downToken := "", ""
	for _, tok := range best.Tokens {
		switch tok.Outcome {
		case "Up", "Yes":
			upToken = tok.TokenID
		case "Down", "No":
			downToken = tok.TokenID
		}
	}
	if upToken == "" || downToken == "" {
		return
	}

	market := arb.Market{
		ID:              best.ID,
		DurationMinutes: 15,
		UpTokenID:       upToken,
		DownTokenID:     downToken,
		EndTime:         bestEnd,
	}

	s.mu.Lock()
	oldUp, oldDown := "", ""
	if s.haveMarket {
		oldUp, oldDown = s.market.UpTokenID, s.market.DownTokenID
	}
	s.market = market
	s.haveMarket = true
	s.asks = make(map[string]decimal.Decimal)
	s.dipWindow = make(map[arb.Side][]dipPoint)
	s.mu.Unlock()

	if oldUp != "" {
		_ = s.ws.Unsubscribe(ctx, []string{"book", "price_change"}, []string{oldUp, oldDown})
	}
	if err := s.ws.Subscribe(ctx, []string{"book", "price_change"}, []string{upToken, downToken}); err != nil {
		s.trySendError(ctx, fmt.Errorf("polymarket/arb_signal: subscribe %s: %w", best.ID, err))
	}

	s.trySendMarketStarted(ctx, arb.MarketStarted{
		MarketID:        market.ID,
		EndTime:         market.EndTime,
		DurationMinutes: market.DurationMinutes,
		UpTokenID:       upToken,
		DownTokenID:     downToken,
	})
}

// observeAsk updates the cached best-ask for tokenID and runs dip
// classification, emitting a signal appropriate to the current phase.
func (s *ArbSignalSource) observeAsk(tokenID string, ask decimal.Decimal, at time.Time) {
	s.mu.Lock()
	if !s.haveMarket {
		s.mu.Unlock()
		return
	}
	var side arb.Side
	switch tokenID {
	case s.market.UpTokenID:
		side = arb.SideUp
	case s.market.DownTokenID:
		side = arb.SideDown
	default:
		s.mu.Unlock()
		return
	}

	s.asks[tokenID] = ask
	pts := append(s.dipWindow[side], dipPoint{price: ask, at: at})
	cutoff := at.Add(-s.cfg.DumpWindow)
	i := 0
	for i < len(pts) && pts[i].at.Before(cutoff) {
		i++
	}
	pts = pts[i:]
	s.dipWindow[side] = pts

	phase := s.phase
	oppositeAsk, hasOpposite := s.asks[s.market.TokenID(side.Opposite())]
	secsRemaining := s.market.SecondsRemaining(at)
	tokenForSide := s.market.TokenID(side)
	s.mu.Unlock()

	switch phase {
	case arb.PhaseWatching:
		dropPct, dropped := dipDrop(pts)
		if !dropped || dropPct.LessThan(s.cfg.DipThreshold) {
			return
		}
		sig := arb.Signal{
			Kind:         arb.SignalKindLeg1,
			Source:       arb.SourceDip,
			DipSide:      side,
			CurrentPrice: ask,
			DropPercent:  dropPct,
			TokenID:      tokenForSide,
			BestAsk:      &ask,
		}
		if hasOpposite {
			sig.OppositeAsk = oppositeAsk
		}
		sig.SecondsRemaining = &secsRemaining
		s.trySendSignal(sig)

	case arb.PhaseLeg1Filled:
		sig := arb.Signal{
			Kind:         arb.SignalKindLeg2,
			Source:       arb.SourceDip,
			DipSide:      side,
			CurrentPrice: ask,
			TokenID:      tokenForSide,
			BestAsk:      &ask,
			SecondsRemaining: &secsRemaining,
		}
		s.trySendSignal(sig)
	}
}

// dipDrop computes (avgExcludingLast - last) / avgExcludingLast over the
// dump window, the same formula price_tracker.go's DetectFlashCrash uses
// against a longer-lived average.
func dipDrop(pts []dipPoint) (decimal.Decimal, bool) {
	if len(pts) < 2 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	n := len(pts) - 1
	for i := 0; i < n; i++ {
		sum = sum.Add(pts[i].price)
	}
	avg := sum.Div(decimal.NewFromInt(int64(n)))
	if avg.IsZero() {
		return decimal.Zero, false
	}
	current := pts[len(pts)-1].price
	drop := avg.Sub(current).Div(avg)
	return drop, true
}

func (s *ArbSignalSource) trySendSignal(sig arb.Signal) {
	select {
	case s.signalsCh <- sig:
	default:
		s.logger.Warn("signal dropped: channel full")
	}
}

func (s *ArbSignalSource) trySendMarketStarted(ctx context.Context, ev arb.MarketStarted) {
	select {
	case s.marketStartedCh <- ev:
	case <-ctx.Done():
	}
}

func (s *ArbSignalSource) trySendError(ctx context.Context, err error) {
	select {
	case s.errorsCh <- err:
	case <-ctx.Done():
	default:
	}
}
