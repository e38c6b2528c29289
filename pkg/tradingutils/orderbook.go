package tradingutils

import (
	"execution_engine/internal/core"

	"github.com/shopspring/decimal"
)

// CalObAvgSize averages the displayed size over the top depth levels of one
// book side. Books shallower than the depth still divide by the full depth,
// penalizing thin markets.
func CalObAvgSize(levels []core.PriceLevel, depth int) decimal.Decimal {
	if depth <= 0 || len(levels) == 0 {
		return decimal.Zero
	}
	n := depth
	if len(levels) < n {
		n = len(levels)
	}
	sum := decimal.Zero
	for i := 0; i < n; i++ {
		sum = sum.Add(levels[i].Size)
	}
	return sum.Div(decimal.NewFromInt(int64(depth)))
}

// PriceFilterByVolume walks one book side until the cumulative displayed size
// reaches the threshold and returns that level. A zero threshold returns the
// top of book. At most ten levels are considered.
func PriceFilterByVolume(levels []core.PriceLevel, threshold decimal.Decimal) core.PriceLevel {
	if len(levels) == 0 {
		return core.PriceLevel{Price: decimal.Zero, Size: decimal.Zero}
	}
	if !threshold.IsPositive() {
		return levels[0]
	}
	n := len(levels)
	if n > 10 {
		n = 10
	}
	cum := decimal.Zero
	for i := 0; i < n; i++ {
		cum = cum.Add(levels[i].Size)
		if cum.GreaterThanOrEqual(threshold) {
			return levels[i]
		}
	}
	return levels[n-1]
}

// OrderbookPriceFilter finds the bid and ask level a given amount would sweep
// to, looking at most `level` levels deep on each side
func OrderbookPriceFilter(book *core.Orderbook, amount decimal.Decimal, level int) (decimal.Decimal, decimal.Decimal) {
	return sweepPrice(book.Bids, amount, level), sweepPrice(book.Asks, amount, level)
}

func sweepPrice(levels []core.PriceLevel, amount decimal.Decimal, depth int) decimal.Decimal {
	if len(levels) == 0 {
		return decimal.Zero
	}
	n := len(levels)
	if depth > 0 && n > depth {
		n = depth
	}
	cum := decimal.Zero
	for i := 0; i < n; i++ {
		cum = cum.Add(levels[i].Size)
		if cum.GreaterThanOrEqual(amount) {
			return levels[i].Price
		}
	}
	return levels[n-1].Price
}

// GetPriceOffsetFromPrices derives the relative price offset an execution mode
// applies to its reference price. Passive steps one tick inside, Aggressive
// reaches half the spread across. Sell offsets are negated.
func GetPriceOffsetFromPrices(mode core.ExecutionMode, direction core.Direction, bid0, ask0, precision decimal.Decimal) decimal.Decimal {
	if !bid0.IsPositive() {
		return decimal.Zero
	}
	var offset decimal.Decimal
	switch mode {
	case core.ModePassive:
		offset = precision.Div(bid0)
	case core.ModeAggressive:
		offset = ask0.Sub(bid0).Div(bid0).Div(decimal.NewFromInt(2))
	default:
		return decimal.Zero
	}
	if direction == core.Sell {
		offset = offset.Neg()
	}
	return offset
}
