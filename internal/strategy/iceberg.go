package strategy

import (
	"time"

	"execution_engine/internal/core"
	"execution_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

const (
	icebergStrategyKey = "Iceberg"

	obAvgDepth         = 5
	minOrderSpacing    = 5 * time.Second
	tradeWindow        = 60 * time.Second
	aggressiveInterval = 120 * time.Second
)

// Iceberg shows one small order at a time near the touch, repricing as the
// book moves. Each book event performs at most one action: keep the resting
// order, cancel it, or place a new one.
type Iceberg struct {
	*BaseStrategy

	lastOrderAt    time.Time
	lastAggressive time.Time
	recentTrades   []*core.MarketTrade
	topSize        decimal.Decimal
	finishing      bool
}

// NewIceberg builds an iceberg strategy from a validated task
func NewIceberg(task *core.StrategyTask, coinCfg core.CoinConfig, env Env) (*Iceberg, error) {
	base, err := NewBase(task, coinCfg, env)
	if err != nil {
		return nil, err
	}
	return &Iceberg{BaseStrategy: base}, nil
}

// OnTradeReady keeps a rolling window of public prints for sizing
func (s *Iceberg) OnTradeReady(trade *core.MarketTrade) {
	if trade.Symbol != s.symbol.Name {
		return
	}
	s.recentTrades = append(s.recentTrades, trade)
	cutoff := s.env.Clock().Add(-tradeWindow)
	trimmed := s.recentTrades[:0]
	for _, tr := range s.recentTrades {
		if ts, err := core.ParseTimestamp(tr.Timestamp); err == nil && ts.After(cutoff) {
			trimmed = append(trimmed, tr)
		}
	}
	s.recentTrades = trimmed
}

// OnOrderbookReady drives the iceberg: reprice or place against the new book
func (s *Iceberg) OnOrderbookReady(book *core.Orderbook) {
	if book.Symbol != s.symbol.Name || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return
	}
	s.SetTopOfBook(book.Bids[0].Price, book.Asks[0].Price)
	if s.task.Direction == core.Buy {
		s.topSize = book.Asks[0].Size
	} else {
		s.topSize = book.Bids[0].Size
	}

	now := s.env.Clock()
	if s.status == core.TaskPaused || s.status == core.TaskFinished || !s.Started(now) || !s.BalanceReady() {
		return
	}
	if s.status == core.TaskPending {
		s.status = core.TaskRunning
	}
	if s.finishing {
		s.tryFinish()
		return
	}
	if now.Sub(s.lastOrderAt) < minOrderSpacing {
		return
	}
	if len(s.env.Exec.PendingOrders(s.id)) > 0 {
		return
	}

	price := s.quotePrice(book)
	if !price.IsPositive() {
		return
	}

	remaining := s.remainingBase(price)
	minSize := s.MinSize(price)
	if remaining.LessThan(minSize) || s.balanceExhausted(price, minSize) {
		s.finishing = true
		s.tryFinish()
		return
	}

	// At most one action per book event: a stale resting order is cancelled
	// now and replaced on the next book
	if active := s.env.Exec.ActiveOrders(s.id); len(active) > 0 {
		resting := active[0]
		if resting.Price.Equal(price) {
			return
		}
		if err := s.env.Exec.CancelOrder(resting.RefID, false); err != nil {
			s.logger.Warn("Reprice cancel failed", "ref_id", resting.RefID, "error", err)
		}
		return
	}

	side := book.Bids
	if s.task.Direction == core.Sell {
		side = book.Asks
	}
	obAvg := tradingutils.CalObAvgSize(side, obAvgDepth)
	trSum := s.tradeVolume()
	maxBase := s.MaxSizeFor(s.symbol.Quote).Div(price)
	amount := tradingutils.CalOrderSizeByObTr(obAvg, trSum, minSize, maxBase)
	amount = decimal.Min(amount, remaining)

	if s.SendFormattedOrder(s.symbol, s.coinCfg, s.task.Direction,
		price, amount, core.OrderTypeLimit, s.task.TradeRole == core.RoleMaker, icebergStrategyKey, false) != "" {
		s.lastOrderAt = now
	}
}

// OnTimer drives the aggressive leg: every couple of minutes take the
// opposite touch instead of waiting to be hit
func (s *Iceberg) OnTimer() {
	if s.task.ExecutionMode != core.ModeAggressive {
		return
	}
	now := s.env.Clock()
	if s.status != core.TaskRunning || s.finishing || now.Sub(s.lastAggressive) < aggressiveInterval {
		return
	}
	if !s.bid0.IsPositive() || !s.ask0.IsPositive() {
		return
	}
	s.lastAggressive = now

	price := s.ask0
	if s.task.Direction == core.Sell {
		price = s.bid0
	}
	minSize := s.MinSize(price)
	amount := decimal.Max(s.topSize, minSize)
	amount = decimal.Min(amount, s.remainingBase(price))
	if !amount.IsPositive() {
		return
	}
	s.SendFormattedOrder(s.symbol, s.coinCfg, s.task.Direction,
		price, amount, core.OrderTypeLimit, false, icebergStrategyKey, false)
}

// OnFinish defers completion until the book is drained
func (s *Iceberg) OnFinish() {
	s.finishing = true
	s.tryFinish()
}

func (s *Iceberg) tryFinish() {
	if len(s.env.Exec.PendingOrders(s.id)) > 0 {
		return
	}
	if active := s.env.Exec.ActiveOrders(s.id); len(active) > 0 {
		for _, o := range active {
			s.env.Exec.CancelOrder(o.RefID, false)
		}
		return
	}
	s.BaseStrategy.OnFinish()
}

// quotePrice finds the level that already holds the configured volume and
// steps one tick inside it. When acting as a pure maker with a one-tick
// spread the step would cross, so the filter price stands.
func (s *Iceberg) quotePrice(book *core.Orderbook) decimal.Decimal {
	side := book.Bids
	tick := s.coinCfg.PricePrecision
	if s.task.Direction == core.Sell {
		side = book.Asks
	}
	level := tradingutils.PriceFilterByVolume(side, s.task.VolumeFilter)
	price := level.Price

	spread := s.ask0.Sub(s.bid0)
	if s.task.TradeRole == core.RoleMaker && spread.LessThanOrEqual(tick) {
		return price
	}
	if s.task.Direction == core.Buy {
		return price.Add(tick)
	}
	return price.Sub(tick)
}

func (s *Iceberg) tradeVolume() decimal.Decimal {
	sum := decimal.Zero
	for _, tr := range s.recentTrades {
		sum = sum.Add(tr.Size)
	}
	return sum
}

// remainingBase converts the outstanding total into base terms at a price
func (s *Iceberg) remainingBase(price decimal.Decimal) decimal.Decimal {
	remaining := s.Remaining()
	if s.task.CurrencyType == core.CurrencyQuote && price.IsPositive() {
		remaining = remaining.Div(price)
	}
	return remaining
}

func (s *Iceberg) balanceExhausted(price, minSize decimal.Decimal) bool {
	if s.task.Direction == core.Sell {
		return s.sizing.AvailableOf(s.symbol.Base).LessThan(minSize)
	}
	return s.sizing.AvailableOf(s.symbol.Quote).LessThan(minSize.Mul(price))
}
