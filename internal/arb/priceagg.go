package arb

import (
	"context"
	"log/slog"
	"time"

	"github.com/fzheng/polymarket-arb15/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// AggregatorConfig holds the tunables for the price aggregator
// (spec.md §4.7).
type AggregatorConfig struct {
	PollInterval       time.Duration
	RESTFallbackEvery  time.Duration
	HistoryWindow      time.Duration
}

// BookSnapshot is the aggregator's per-tick view of both sides' best
// bid/ask.
type BookSnapshot struct {
	UpBid, UpAsk     decimal.Decimal
	UpBidSize, UpAskSize decimal.Decimal
	DownBid, DownAsk decimal.Decimal
	DownBidSize, DownAskSize decimal.Decimal
}

// Sum returns the up-ask + down-ask sum this snapshot implies.
func (b BookSnapshot) Sum() decimal.Decimal {
	return b.UpAsk.Add(b.DownAsk)
}

// Aggregator polls orderbook state from the signal source's cached book,
// maintains a rolling ask history, and falls back to a serialized REST
// snapshot when the cached book has stalled (spec.md §4.7).
type Aggregator struct {
	cfg     AggregatorConfig
	source  SignalSource
	exch    Exchange
	bus     *EventBus
	history *PriceHistory
	logger  *slog.Logger

	priceCache domain.PriceCache   // nil unless [redis] is configured
	obCache    domain.OrderbookCache // nil unless [redis] is configured

	sf singleflight.Group

	lastSnapshot    BookSnapshot
	lastAdvanceAt   time.Time
	lastRESTCheckAt time.Time
}

// NewAggregator constructs an Aggregator wired to the given signal source
// (for the cached book), exchange adapter (for REST fallback snapshots),
// and event bus (for price_update emission). priceCache and obCache are
// optional (nil in a single-process deployment with no [redis] group);
// when present, every advanced tick and REST-fallback fetch is mirrored
// into them so a second controller process (or an external observer)
// watching the same assets can read current prices/books without its own
// WebSocket subscription.
func NewAggregator(cfg AggregatorConfig, source SignalSource, exch Exchange, bus *EventBus, priceCache domain.PriceCache, obCache domain.OrderbookCache, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		cfg:        cfg,
		source:     source,
		exch:       exch,
		bus:        bus,
		history:    NewPriceHistory(cfg.HistoryWindow),
		priceCache: priceCache,
		obCache:    obCache,
		logger:     logger.With(slog.String("component", "price_aggregator")),
	}
}

// Run polls at PollInterval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, market Market) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			a.tick(ctx, market, now)
		}
	}
}

// Reset clears the rolling history, used on market rotation.
func (a *Aggregator) Reset() {
	a.history.Clear()
	a.lastSnapshot = BookSnapshot{}
	a.lastAdvanceAt = time.Time{}
	a.lastRESTCheckAt = time.Time{}
}

// History exposes the rolling price history for emergency-exit P&L
// estimation.
func (a *Aggregator) History() *PriceHistory {
	return a.history
}

func (a *Aggregator) tick(ctx context.Context, market Market, now time.Time) {
	upAsk, hasUp := a.source.CurrentAsks(SideUp)
	downAsk, hasDown := a.source.CurrentAsks(SideDown)

	advanced := false
	snap := a.lastSnapshot
	if hasUp && !upAsk.Equal(a.lastSnapshot.UpAsk) {
		snap.UpAsk = upAsk
		a.history.Record(SideUp, upAsk, now)
		a.cachePrice(ctx, market.TokenID(SideUp), upAsk, now)
		advanced = true
	}
	if hasDown && !downAsk.Equal(a.lastSnapshot.DownAsk) {
		snap.DownAsk = downAsk
		a.history.Record(SideDown, downAsk, now)
		a.cachePrice(ctx, market.TokenID(SideDown), downAsk, now)
		advanced = true
	}

	if advanced {
		a.lastSnapshot = snap
		a.lastAdvanceAt = now
		if a.bus != nil {
			a.bus.Publish(Event{
				Kind: EventPriceUpdate, At: now,
				UpAsk: snap.UpAsk, DownAsk: snap.DownAsk, Sum: snap.Sum(),
			})
		}
		return
	}

	if a.lastAdvanceAt.IsZero() {
		a.lastAdvanceAt = now
	}
	if now.Sub(a.lastRESTCheckAt) < a.cfg.RESTFallbackEvery {
		return
	}
	a.lastRESTCheckAt = now
	a.restFallback(ctx, market, now)
}

// restFallback fetches a fresh snapshot for both sides via REST when the
// cached book has stalled, serialized so at most one fetch per token is
// ever in flight (spec.md §4.7).
func (a *Aggregator) restFallback(ctx context.Context, market Market, now time.Time) {
	for _, side := range []Side{SideUp, SideDown} {
		tokenID := market.TokenID(side)
		key := tokenID
		v, err, _ := a.sf.Do(key, func() (interface{}, error) {
			return a.exch.GetOrderbook(ctx, tokenID)
		})
		if err != nil {
			a.logger.WarnContext(ctx, "rest fallback fetch failed",
				slog.String("side", string(side)), slog.String("error", err.Error()))
			continue
		}
		book := v.(Orderbook)
		bid, ask, hasBid, hasAsk := book.BestBidAsk()
		if !hasAsk {
			continue
		}
		a.source.InjectOrderbook(tokenID, book)
		a.history.Record(side, ask, now)
		a.cachePrice(ctx, tokenID, ask, now)
		if a.obCache != nil {
			snap := domain.OrderbookSnapshot{AssetID: tokenID, Timestamp: now, BestAsk: ask.InexactFloat64()}
			if hasBid {
				snap.BestBid = bid.InexactFloat64()
				snap.MidPrice = (snap.BestBid + snap.BestAsk) / 2
			}
			for _, lvl := range book.Bids {
				snap.Bids = append(snap.Bids, domain.PriceLevel{Price: lvl.Price.InexactFloat64(), Size: lvl.Size.InexactFloat64()})
			}
			for _, lvl := range book.Asks {
				snap.Asks = append(snap.Asks, domain.PriceLevel{Price: lvl.Price.InexactFloat64(), Size: lvl.Size.InexactFloat64()})
			}
			if err := a.obCache.SetSnapshot(ctx, tokenID, snap); err != nil {
				a.logger.WarnContext(ctx, "orderbook cache write failed",
					slog.String("side", string(side)), slog.String("error", err.Error()))
			}
		}
	}
}

// cachePrice mirrors a single ask observation into the optional Redis
// price cache. A no-op when obCache/priceCache weren't configured.
func (a *Aggregator) cachePrice(ctx context.Context, tokenID string, ask decimal.Decimal, now time.Time) {
	if a.priceCache == nil {
		return
	}
	if err := a.priceCache.SetPrice(ctx, tokenID, ask.InexactFloat64(), now); err != nil {
		a.logger.WarnContext(ctx, "price cache write failed", slog.String("error", err.Error()))
	}
}
