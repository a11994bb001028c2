package arb

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestEstimateTakerFeeMonotonicity(t *testing.T) {
	r2 := EstimateTakerFee(dec("0.2"), DefaultFeeRate)
	r5 := EstimateTakerFee(dec("0.5"), DefaultFeeRate)
	r8 := EstimateTakerFee(dec("0.8"), DefaultFeeRate)

	if !r2.GreaterThan(r5) || !r5.GreaterThan(r8) {
		t.Fatalf("expected rate(0.2) > rate(0.5) > rate(0.8), got %s, %s, %s", r2, r5, r8)
	}
}

func TestEstimateTakerFeeOutOfRange(t *testing.T) {
	for _, p := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(1), decimal.NewFromInt(2)} {
		if got := EstimateTakerFee(p, DefaultFeeRate); !got.IsZero() {
			t.Fatalf("price %s: expected zero fee, got %s", p, got)
		}
	}
}

func TestDecideLeg1OrderKindNoMaker(t *testing.T) {
	kind := DecideLeg1OrderKind(dec("0.4"), dec("0.5"), dec("0.95"), DefaultFeeRate, false, true)
	if kind != OrderKindTakerMarket {
		t.Fatalf("expected taker-market when use_maker is false, got %s", kind)
	}
}

func TestDecideLeg1OrderKindWideMarginFallsBackToTaker(t *testing.T) {
	// leg1 + opposite = 0.60, sum_target = 0.95: wide margin should clear
	// the 1.5x taker-fee threshold and take immediately.
	kind := DecideLeg1OrderKind(dec("0.30"), dec("0.30"), dec("0.95"), DefaultFeeRate, true, true)
	if kind != OrderKindTakerMarket {
		t.Fatalf("expected taker-market on wide margin, got %s", kind)
	}
}

func TestDecideLeg1OrderKindNarrowMarginStaysMaker(t *testing.T) {
	kind := DecideLeg1OrderKind(dec("0.50"), dec("0.45"), dec("0.95"), DefaultFeeRate, true, true)
	if kind != OrderKindMakerLimit {
		t.Fatalf("expected maker-limit on narrow margin, got %s", kind)
	}
}

func TestDecideLeg2OrderKindAlwaysMaker(t *testing.T) {
	if DecideLeg2OrderKind() != OrderKindMakerLimit {
		t.Fatalf("leg2 must always be maker-limit")
	}
}

func TestLimitPriceInsideSpreadNarrowSpread(t *testing.T) {
	bid, ask := dec("0.49"), dec("0.50")
	buy := LimitPriceInsideSpread(bid, ask, true)
	if buy.LessThan(bid) || buy.GreaterThan(ask) {
		t.Fatalf("buy price %s outside [%s, %s]", buy, bid, ask)
	}
	sell := LimitPriceInsideSpread(bid, ask, false)
	if sell.LessThan(bid) || sell.GreaterThan(ask) {
		t.Fatalf("sell price %s outside [%s, %s]", sell, bid, ask)
	}
}
