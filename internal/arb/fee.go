package arb

import "github.com/shopspring/decimal"

// DefaultFeeRate is the quadratic taker-fee coefficient the exchange
// applies per share: price * (1 - price) * FeeRate.
var DefaultFeeRate = decimal.NewFromFloat(0.0625)

var (
	decimalOne  = decimal.NewFromInt(1)
	decimalZero = decimal.Zero
)

// EstimateTakerFee returns the per-share taker fee as a fraction of cost,
// (1 - price) * feeRate, for price in (0,1). Outside that range the fee
// is zero — there is no meaningful taker cost for an invalid price.
func EstimateTakerFee(price, feeRate decimal.Decimal) decimal.Decimal {
	if price.LessThanOrEqual(decimalZero) || price.GreaterThanOrEqual(decimalOne) {
		return decimalZero
	}
	return decimalOne.Sub(price).Mul(feeRate)
}

// TakerFeeAmount returns the absolute quadratic per-share fee,
// qty * price * (1 - price) * feeRate.
func TakerFeeAmount(price, qty, feeRate decimal.Decimal) decimal.Decimal {
	if price.LessThanOrEqual(decimalZero) || price.GreaterThanOrEqual(decimalOne) {
		return decimalZero
	}
	return qty.Mul(price).Mul(decimalOne.Sub(price)).Mul(feeRate)
}

// DecideLeg1OrderKind chooses maker-limit or taker-market for the leg1
// entry per spec.md §4.1.
//
// If useMaker is false, always taker-market. Otherwise the margin between
// the target sum and the observed leg1+opposite-ask sum is compared
// against 1.5x the estimated taker fee at the leg1 price: a wide enough
// margin can absorb the taker fee and still clear sumTarget, so it is
// worth taking immediately rather than resting and risking the dip
// closing.
func DecideLeg1OrderKind(leg1Price, oppositeAsk, sumTarget, feeRate decimal.Decimal, useMaker, fallbackToTaker bool) OrderKind {
	if !useMaker {
		return OrderKindTakerMarket
	}
	if sumTarget.IsZero() {
		return OrderKindMakerLimit
	}
	margin := sumTarget.Sub(leg1Price.Add(oppositeAsk)).Div(sumTarget)
	if fallbackToTaker {
		threshold := EstimateTakerFee(leg1Price, feeRate).Mul(decimal.NewFromFloat(1.5))
		if margin.GreaterThan(threshold) {
			return OrderKindTakerMarket
		}
	}
	return OrderKindMakerLimit
}

// DecideLeg2OrderKind is always maker-limit per spec.md §4.1 — the hedge
// leg never pays taker fees, since by the time it is sought the position
// is already committed and worth resting for.
func DecideLeg2OrderKind() OrderKind {
	return OrderKindMakerLimit
}

// tickSize is the minimum price increment; limit_price_inside_spread
// moves one tick inside the spread.
var tickSize = decimal.NewFromFloat(0.01)

// LimitPriceInsideSpread returns a resting price one tick inside the
// spread for the given side, clamped so buys never cross the ask and
// sells never cross the bid (spec.md §4.1).
func LimitPriceInsideSpread(bestBid, bestAsk decimal.Decimal, isBuy bool) decimal.Decimal {
	if isBuy {
		price := bestBid.Add(tickSize)
		if price.GreaterThanOrEqual(bestAsk) {
			price = bestAsk
		}
		return price
	}
	price := bestAsk.Sub(tickSize)
	if price.LessThanOrEqual(bestBid) {
		price = bestBid
	}
	return price
}
