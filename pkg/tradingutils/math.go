// Package tradingutils provides the pure calculations shared by execution algorithms
package tradingutils

import (
	"math/rand"

	"github.com/shopspring/decimal"
)

// Stubbed in tests that need deterministic sizing
var randFloat = rand.Float64

// DecimalsFromPrecision returns the number of decimal places implied by a
// precision step, e.g. 0.001 -> 3, 10 -> 0
func DecimalsFromPrecision(precision decimal.Decimal) int32 {
	exp := precision.Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

// FormatPrice rounds a price to the nearest multiple of the precision step.
// Applying it twice yields the same result.
func FormatPrice(price, precision decimal.Decimal) decimal.Decimal {
	if precision.IsZero() {
		return price
	}
	return price.Div(precision).Round(0).Mul(precision)
}

// FormatAmount floors an amount to the nearest multiple of the precision step
func FormatAmount(amount, precision decimal.Decimal) decimal.Decimal {
	if precision.IsZero() {
		return amount
	}
	return amount.Div(precision).Floor().Mul(precision)
}

// AmountAdjust lifts a positive amount below the venue minimum up to the
// smallest sendable size. Non-positive amounts collapse to zero.
func AmountAdjust(amount, minSize, precision decimal.Decimal) decimal.Decimal {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if amount.GreaterThanOrEqual(minSize.Add(precision)) {
		return amount
	}
	if precision.IsZero() {
		return minSize
	}
	return minSize.Div(precision).Ceil().Mul(precision)
}

// MinOrderSize resolves the venue minimum in base terms. Venues quote the
// minimum either in base or in quote; the quote form is converted at the
// reference price and the larger of the two wins.
func MinOrderSize(baseMin, quoteMin, refPrice decimal.Decimal) decimal.Decimal {
	min := baseMin
	if quoteMin.IsPositive() && refPrice.IsPositive() {
		converted := quoteMin.Div(refPrice)
		if converted.GreaterThan(min) {
			min = converted
		}
	}
	return min
}

// CalOrderSizeByObTr blends orderbook depth and recent trade flow into an
// order size, clamped between twice the venue minimum and half the cap,
// with up to 30% random padding so sizes do not repeat.
func CalOrderSizeByObTr(obSize, trSize, minSize, maxSize decimal.Decimal) decimal.Decimal {
	size := obSize.Mul(decimal.NewFromFloat(0.7)).Add(trSize.Mul(decimal.NewFromFloat(0.3)))

	cap_ := maxSize.Mul(decimal.NewFromFloat(0.5))
	if size.GreaterThan(cap_) {
		size = cap_
	}
	floor := minSize.Mul(decimal.NewFromInt(2))
	if size.LessThan(floor) {
		size = floor
	}

	jitter := decimal.NewFromFloat(0.3 * randFloat())
	return size.Add(size.Mul(jitter))
}

// CalOrderSizeByLKP sizes a participation order from the market's last kline
// volume versus what the strategy already executed against it
func CalOrderSizeByLKP(lastKlineSizeOfMarket, lastKlineSizeOfCustomer, participation decimal.Decimal) decimal.Decimal {
	return lastKlineSizeOfMarket.Sub(lastKlineSizeOfCustomer).Mul(participation)
}

// OrderSizeCal sizes a time-based VWAP slice. The target ratio weighs observed
// market volume against the projected remainder of the schedule; the slice is
// whatever the target is ahead of actual execution.
func OrderSizeCal(avgVolRef, marketCumVol, minutesLeft, total, executed decimal.Decimal) decimal.Decimal {
	remaining := total.Sub(executed)
	denom := avgVolRef.Mul(minutesLeft).Add(remaining).Add(marketCumVol)
	if !denom.IsPositive() || !total.IsPositive() {
		return decimal.Zero
	}
	targetRatio := marketCumVol.Div(denom)
	realRatio := executed.Div(total)
	if targetRatio.GreaterThan(realRatio) {
		return targetRatio.Sub(realRatio).Mul(total)
	}
	return decimal.Zero
}

// GetMaintainAmount converts the median-leg fill into the inventory the anchor
// leg must keep on hand, carrying a 2x buffer
func GetMaintainAmount(amount, price decimal.Decimal, medianBase, midCoin string) decimal.Decimal {
	amount = amount.Mul(decimal.NewFromInt(2))
	if midCoin == medianBase {
		return amount
	}
	return amount.Mul(price)
}
