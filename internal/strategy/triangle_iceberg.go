package strategy

import (
	"fmt"
	"time"

	"execution_engine/internal/core"
	"execution_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

const triangleIcebergStrategyKey = "triangle_iceberg"

// TriangleIceberg works a pair with no direct market by running the iceberg
// logic on the median leg and keeping a mid-coin float topped up on the
// anchor leg. The anchor leg quotes one tick off the touch so conversions
// stay cheap; the legs stop together and the float is unwound before finish.
type TriangleIceberg struct {
	*BaseStrategy

	median    core.Symbol
	anchor    core.Symbol
	medianCfg core.CoinConfig
	anchorCfg core.CoinConfig
	midCoin   string

	medianDir core.Direction
	anchorDir core.Direction

	medianBid0, medianAsk0 decimal.Decimal
	anchorBid0, anchorAsk0 decimal.Decimal

	lastOrderAt  time.Time
	lastMedian   decimal.Decimal
	medianStop   bool
	anchorStop   bool
	midHighWater decimal.Decimal
	midAlarmed   bool
}

// NewTriangleIceberg builds a triangle iceberg from a validated task
func NewTriangleIceberg(task *core.StrategyTask, coinCfg, medianCfg, anchorCfg core.CoinConfig, env Env) (*TriangleIceberg, error) {
	base, err := NewBase(task, coinCfg, env)
	if err != nil {
		return nil, err
	}
	median, ok := core.SymbolFromList(task.Median)
	if !ok {
		return nil, fmt.Errorf("strategy %s: malformed median symbol %v", task.StrategyID, task.Median)
	}
	anchor, ok := core.SymbolFromList(task.Anchor)
	if !ok {
		return nil, fmt.Errorf("strategy %s: malformed anchor symbol %v", task.StrategyID, task.Anchor)
	}
	return &TriangleIceberg{
		BaseStrategy: base,
		median:       median,
		anchor:       anchor,
		medianCfg:    medianCfg,
		anchorCfg:    anchorCfg,
		midCoin:      tradingutils.MidCoinFromTrianglePair(base.symbol, median),
		medianDir:    tradingutils.ComputeDirection(task.Direction, median, base.symbol),
		anchorDir:    tradingutils.ComputeDirection(task.Direction, anchor, base.symbol),
	}, nil
}

// Legs returns the symbols this strategy subscribes market data for
func (s *TriangleIceberg) Legs() []core.Symbol {
	return []core.Symbol{s.median, s.anchor}
}

// OnResponse routes each fill to the leg it traded on, so median fills move
// the main pair's currencies and anchor fills move the mid-coin float
func (s *TriangleIceberg) OnResponse(resp *core.TradeResponse) {
	origin := s.env.Exec.LookupOrder(resp.RefID)
	if origin == nil {
		return
	}
	s.ApplyResponseFor(legSymbol(origin, s.symbol, s.median, s.anchor), resp)
}

// OnOrderbookReady routes each leg's book: the median book drives the
// iceberg, the anchor book maintains the mid-coin float
func (s *TriangleIceberg) OnOrderbookReady(book *core.Orderbook) {
	s.ObserveOrderbook(book)
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return
	}
	switch book.Symbol {
	case s.median.Name:
		s.runMedian(book)
	case s.anchor.Name:
		s.runAnchor()
	}
}

// ObserveOrderbook folds a leg book into the quote state without trading
func (s *TriangleIceberg) ObserveOrderbook(book *core.Orderbook) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return
	}
	switch book.Symbol {
	case s.median.Name:
		s.medianBid0, s.medianAsk0 = book.Bids[0].Price, book.Asks[0].Price
	case s.anchor.Name:
		s.anchorBid0, s.anchorAsk0 = book.Bids[0].Price, book.Asks[0].Price
	default:
		return
	}
	s.refreshCurrentPrice()
}

func (s *TriangleIceberg) refreshCurrentPrice() {
	if !s.medianBid0.IsPositive() {
		return
	}
	medianMid := tradingutils.FormatPrice(s.medianBid0.Add(s.medianAsk0).Div(decimal.NewFromInt(2)), s.medianCfg.PricePrecision)
	anchorRef := s.anchorRef()
	if !anchorRef.IsPositive() {
		return
	}
	s.SetCurrentPrice(tradingutils.GetAnchorPrice(medianMid, anchorRef, s.symbol, s.median, s.anchor))
}

// anchorRef is the conversion rate used to express median prices in quote
// terms: the configured fixed rate when the task pins one, otherwise the
// live anchor mid
func (s *TriangleIceberg) anchorRef() decimal.Decimal {
	if s.task.AnchorPrice != nil && s.task.AnchorPrice.IsPositive() {
		return *s.task.AnchorPrice
	}
	if !s.anchorBid0.IsPositive() {
		return decimal.Zero
	}
	return s.anchorBid0.Add(s.anchorAsk0).Div(decimal.NewFromInt(2))
}

func (s *TriangleIceberg) runMedian(book *core.Orderbook) {
	now := s.env.Clock()
	if s.status == core.TaskPaused || s.status == core.TaskFinished || !s.Started(now) || !s.BalanceReady() {
		return
	}
	if s.status == core.TaskPending {
		s.status = core.TaskRunning
	}
	if s.medianStop {
		s.tryFinish()
		return
	}
	if now.Sub(s.lastOrderAt) < minOrderSpacing {
		return
	}
	if len(s.medianOrders(s.env.Exec.PendingOrders(s.id))) > 0 {
		return
	}
	if !s.thresholdAllowsTrading() {
		return
	}

	price := s.medianQuotePrice(book)
	if !price.IsPositive() {
		return
	}

	remaining := s.remainingMedianBase(price)
	minSize := tradingutils.MinOrderSize(s.medianCfg.BaseMinOrderSize, s.medianCfg.QuoteMinOrderSize, price)
	if remaining.LessThan(minSize) {
		s.medianStop = true
		s.tryFinish()
		return
	}

	if active := s.medianOrders(s.env.Exec.ActiveOrders(s.id)); len(active) > 0 {
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
	if s.medianDir == core.Sell {
		side = book.Asks
	}
	obAvg := tradingutils.CalObAvgSize(side, obAvgDepth)
	maxBase := s.MaxSizeFor(s.symbol.Quote).Div(decimal.Max(s.currentPrice, decimal.NewFromInt(1)))
	amount := tradingutils.CalOrderSizeByObTr(obAvg, decimal.Zero, minSize, maxBase)
	amount = decimal.Min(amount, remaining)
	if !s.midCovers(amount, price) {
		return
	}

	if s.SendFormattedOrder(s.median, s.medianCfg, s.medianDir,
		price, amount, core.OrderTypeLimit, s.task.TradeRole == core.RoleMaker, triangleIcebergStrategyKey, false) != "" {
		s.lastMedian = amount
		s.lastOrderAt = now
	}
}

// runAnchor keeps the mid-coin float at twice the last median order, quoting
// one tick shy of the touch
func (s *TriangleIceberg) runAnchor() {
	if s.status != core.TaskRunning || !s.BalanceReady() || s.anchorStop && s.medianStop {
		return
	}
	if len(s.anchorOrders(s.env.Exec.PendingOrders(s.id))) > 0 {
		return
	}

	tick := s.anchorCfg.PricePrecision
	var price decimal.Decimal
	if s.anchorDir == core.Buy {
		price = s.anchorAsk0.Sub(tick)
	} else {
		price = s.anchorBid0.Add(tick)
	}
	if !price.IsPositive() {
		return
	}

	midBal := s.sizing.AvailableOf(s.midCoin)
	var amount decimal.Decimal
	if s.task.Direction == core.Buy {
		maintain := tradingutils.GetMaintainAmount(s.lastMedian, s.medianTouch(), s.median.Base, s.midCoin)
		amount = maintain.Sub(midBal)
	} else {
		amount = midBal
	}
	amount = s.anchorAmount(amount, price)

	minSize := tradingutils.MinOrderSize(s.anchorCfg.BaseMinOrderSize, s.anchorCfg.QuoteMinOrderSize, price)
	if amount.LessThanOrEqual(minSize) {
		if s.medianStop {
			s.anchorStop = true
			s.tryFinish()
		}
		return
	}

	if active := s.anchorOrders(s.env.Exec.ActiveOrders(s.id)); len(active) > 0 {
		resting := active[0]
		if resting.Price.Equal(price) {
			return
		}
		s.env.Exec.CancelOrder(resting.RefID, false)
		return
	}
	s.SendFormattedOrder(s.anchor, s.anchorCfg, s.anchorDir,
		price, amount, core.OrderTypeLimit, false, triangleIcebergStrategyKey, false)
}

// OnTimer watches for runaway mid-coin inventory
func (s *TriangleIceberg) OnTimer() {
	s.checkMiddleSize()
}

func (s *TriangleIceberg) checkMiddleSize() {
	midBal := s.sizing.TotalOf(s.midCoin)
	if midBal.GreaterThan(s.midHighWater) {
		s.midHighWater = midBal
	}
	limit := s.MaxSizeFor(s.anchor.Quote)
	notional := midBal.Mul(s.anchorRef())
	if s.midCoin == s.anchor.Quote {
		notional = midBal
	}
	if notional.GreaterThan(limit) {
		if !s.midAlarmed {
			s.midAlarmed = true
			s.env.Exec.Alarm(fmt.Sprintf("%s mid coin %s inventory %s exceeds cap %s",
				s.id, s.midCoin, midBal, limit), core.AlarmExecuteAbnormal)
		}
		return
	}
	s.midAlarmed = false
}

// OnFinish stops both legs and unwinds before completing
func (s *TriangleIceberg) OnFinish() {
	s.medianStop = true
	s.tryFinish()
}

// tryFinish completes only when both legs agreed to stop, nothing is in
// flight, and the mid-coin float is back under the dust line
func (s *TriangleIceberg) tryFinish() {
	if len(s.env.Exec.PendingOrders(s.id)) > 0 {
		return
	}
	if active := s.env.Exec.ActiveOrders(s.id); len(active) > 0 {
		for _, o := range active {
			s.env.Exec.CancelOrder(o.RefID, false)
		}
		return
	}
	if !s.anchorStop {
		s.runAnchor()
		return
	}
	s.BaseStrategy.OnFinish()
}

// medianQuotePrice mirrors the plain iceberg pricing on the median book
func (s *TriangleIceberg) medianQuotePrice(book *core.Orderbook) decimal.Decimal {
	side := book.Bids
	tick := s.medianCfg.PricePrecision
	if s.medianDir == core.Sell {
		side = book.Asks
	}
	level := tradingutils.PriceFilterByVolume(side, s.task.VolumeFilter)
	price := level.Price

	spread := s.medianAsk0.Sub(s.medianBid0)
	if s.task.TradeRole == core.RoleMaker && spread.LessThanOrEqual(tick) {
		return price
	}
	if s.medianDir == core.Buy {
		return price.Add(tick)
	}
	return price.Sub(tick)
}

func (s *TriangleIceberg) medianOrders(orders []*core.Order) []*core.Order {
	out := orders[:0:0]
	for _, o := range orders {
		if o.Symbol == s.median.Name {
			out = append(out, o)
		}
	}
	return out
}

func (s *TriangleIceberg) anchorOrders(orders []*core.Order) []*core.Order {
	out := orders[:0:0]
	for _, o := range orders {
		if o.Symbol == s.anchor.Name {
			out = append(out, o)
		}
	}
	return out
}

// remainingMedianBase converts the outstanding total into median-leg base terms
func (s *TriangleIceberg) remainingMedianBase(price decimal.Decimal) decimal.Decimal {
	remaining := s.Remaining()
	if s.task.CurrencyType == core.CurrencyQuote && s.currentPrice.IsPositive() {
		remaining = remaining.Div(s.currentPrice)
	}
	if s.median.Base == s.symbol.Base {
		return remaining
	}
	if price.IsPositive() {
		return remaining.Div(price)
	}
	return decimal.Zero
}

func (s *TriangleIceberg) anchorAmount(amount, price decimal.Decimal) decimal.Decimal {
	if s.anchor.Base == s.midCoin {
		return amount
	}
	if price.IsPositive() {
		return amount.Div(price)
	}
	return decimal.Zero
}

func (s *TriangleIceberg) midCovers(amount, price decimal.Decimal) bool {
	spendsMid := s.medianDir == core.Buy && s.median.Quote == s.midCoin ||
		s.medianDir == core.Sell && s.median.Base == s.midCoin
	if !spendsMid {
		return true
	}
	need := amount
	if s.medianDir == core.Buy {
		need = amount.Mul(price)
	}
	return s.sizing.AvailableOf(s.midCoin).GreaterThanOrEqual(need)
}

func (s *TriangleIceberg) medianTouch() decimal.Decimal {
	if s.medianDir == core.Buy {
		return s.medianBid0
	}
	return s.medianAsk0
}
