package tradingutils

import (
	"execution_engine/internal/core"

	"github.com/shopspring/decimal"
)

// ComputeDirection maps the task direction onto one leg of a triangle. The
// direction flips when the leg's base is the reference quote or its quote is
// the reference base, i.e. when the pair is quoted the other way around.
func ComputeDirection(direction core.Direction, leg, ref core.Symbol) core.Direction {
	if leg.Base == ref.Quote || leg.Quote == ref.Base {
		return direction.Opposite()
	}
	return direction
}

// MidCoinFromTrianglePair returns the currency shared by the median and
// anchor legs but absent from the main symbol
func MidCoinFromTrianglePair(symbol, median core.Symbol) string {
	if !symbol.Contains(median.Base) {
		return median.Base
	}
	return median.Quote
}

// ComputeMidCoin picks the intermediate currency from the anchor leg: the
// anchor base unless the main symbol already contains it
func ComputeMidCoin(symbol, anchor core.Symbol) string {
	if !symbol.Contains(anchor.Base) {
		return anchor.Base
	}
	return anchor.Quote
}

// GetAnchorPrice combines the median and anchor leg prices into the implied
// price of the main symbol. Legs quoted the other way around are inverted
// before multiplying.
func GetAnchorPrice(medianPrice, anchorPrice decimal.Decimal, symbol, median, anchor core.Symbol) decimal.Decimal {
	if !medianPrice.IsPositive() || !anchorPrice.IsPositive() {
		return decimal.Zero
	}
	m := medianPrice
	if symbol.Base != median.Base {
		m = decimal.NewFromInt(1).Div(medianPrice)
	}
	a := anchorPrice
	if symbol.Quote != anchor.Quote {
		a = decimal.NewFromInt(1).Div(anchorPrice)
	}
	return m.Mul(a)
}
