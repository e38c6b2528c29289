package strategy

import (
	"fmt"
	"time"

	"execution_engine/internal/core"
	"execution_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

const triangleTwapStrategyKey = "TriangleTwap"

// TriangleTWAP executes a pair with no direct market by legging through an
// intermediate coin: the median leg trades the target base against the mid
// coin and the anchor leg converts the mid coin to the quote. A buy acquires
// the mid coin on the anchor leg first; a sell unwinds it there last.
type TriangleTWAP struct {
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

	fixedInterval  time.Duration
	randomInterval time.Duration
	nextRun        time.Time

	// Mid-coin balance watermark for runaway-inventory alarms
	midHighWater decimal.Decimal
	midAlarmed   bool
}

// NewTriangleTWAP builds a triangle TWAP from a validated task
func NewTriangleTWAP(task *core.StrategyTask, coinCfg, medianCfg, anchorCfg core.CoinConfig, env Env) (*TriangleTWAP, error) {
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

	fixed := task.FixedIntervalMs
	if fixed <= 0 {
		fixed = defaultFixedIntervalMs
	}
	random := task.RandomIntervalMs
	if random < 0 {
		random = defaultRandomIntervalMs
	}

	return &TriangleTWAP{
		BaseStrategy:   base,
		median:         median,
		anchor:         anchor,
		medianCfg:      medianCfg,
		anchorCfg:      anchorCfg,
		midCoin:        tradingutils.MidCoinFromTrianglePair(base.symbol, median),
		medianDir:      tradingutils.ComputeDirection(task.Direction, median, base.symbol),
		anchorDir:      tradingutils.ComputeDirection(task.Direction, anchor, base.symbol),
		fixedInterval:  time.Duration(fixed) * time.Millisecond,
		randomInterval: time.Duration(random) * time.Millisecond,
	}, nil
}

// Legs returns the symbols this strategy subscribes market data for
func (s *TriangleTWAP) Legs() []core.Symbol {
	return []core.Symbol{s.median, s.anchor}
}

// OnResponse routes each fill to the leg it traded on, so median fills move
// the main pair's currencies and anchor fills move the mid-coin float
func (s *TriangleTWAP) OnResponse(resp *core.TradeResponse) {
	origin := s.env.Exec.LookupOrder(resp.RefID)
	if origin == nil {
		return
	}
	s.ApplyResponseFor(legSymbol(origin, s.symbol, s.median, s.anchor), resp)
}

// OnOrderbookReady tracks both leg books and derives the synthetic main price
func (s *TriangleTWAP) OnOrderbookReady(book *core.Orderbook) {
	s.ObserveOrderbook(book)
}

// ObserveOrderbook folds a leg book into the quote state without trading
func (s *TriangleTWAP) ObserveOrderbook(book *core.Orderbook) {
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
	if s.medianBid0.IsPositive() && s.anchorBid0.IsPositive() {
		medianMid := tradingutils.FormatPrice(s.medianBid0.Add(s.medianAsk0).Div(decimal.NewFromInt(2)), s.medianCfg.PricePrecision)
		anchorMid := s.anchorBid0.Add(s.anchorAsk0).Div(decimal.NewFromInt(2))
		s.SetCurrentPrice(tradingutils.GetAnchorPrice(medianMid, anchorMid, s.symbol, s.median, s.anchor))
	}
}

// OnTimer runs one slice per jittered interval
func (s *TriangleTWAP) OnTimer() {
	now := s.env.Clock()
	if now.Before(s.nextRun) {
		return
	}
	jitter := time.Duration(float64(s.randomInterval) * randFloat())
	s.nextRun = now.Add(s.fixedInterval + jitter)
	s.runSlice(now)
	s.checkMiddleSize()
}

func (s *TriangleTWAP) runSlice(now time.Time) {
	if s.status == core.TaskPaused || s.status == core.TaskFinished || !s.BalanceReady() {
		return
	}
	if !s.Started(now) || !s.medianBid0.IsPositive() || !s.anchorBid0.IsPositive() {
		return
	}
	if s.status == core.TaskPending {
		s.status = core.TaskRunning
	}

	pending := s.env.Exec.PendingOrders(s.id)
	if len(pending) > maxPendingOrders {
		s.env.Exec.Alarm(fmt.Sprintf("%s has %d orders pending response", s.id, len(pending)),
			core.AlarmOrderResponseException)
		s.env.Exec.ClearTimeoutPendingOrders(s.id)
	}
	active := s.env.Exec.ActiveOrders(s.id)
	for _, o := range active {
		if err := s.env.Exec.CancelOrder(o.RefID, false); err != nil {
			s.logger.Warn("Cancel before slice failed", "ref_id", o.RefID, "error", err)
		}
	}
	if len(active) > maxActiveOrders {
		s.env.Exec.Alarm(fmt.Sprintf("%s has %d resting orders and cancels are not landing", s.id, len(active)),
			core.AlarmOrderResponseException)
		return
	}

	deal := s.DealSize()
	remaining := s.task.TotalSize.Sub(deal)
	if remaining.LessThanOrEqual(decimal.Zero) {
		s.finishSlice()
		return
	}

	shouldTrade := s.shouldTrade(now)
	single := s.singleAmount()
	passive := single
	if deal.GreaterThanOrEqual(shouldTrade) {
		passive = decimal.Zero
	}
	market := decimal.Max(shouldTrade.Sub(deal).Sub(single), decimal.Zero)
	sliceBase := s.toMainBase(passive.Add(market))
	sliceBase = decimal.Min(sliceBase, s.toMainBase(remaining))

	// A buy funds the mid coin before spending it; a sell spends first and
	// unwinds the mid coin after
	if s.task.Direction == core.Buy {
		s.runAnchorLeg(sliceBase)
		s.runMedianLeg(passive, market)
	} else {
		s.runMedianLeg(passive, market)
		s.runAnchorLeg(sliceBase)
	}
}

// runMedianLeg places the TWAP slice on the median market, the only leg that
// carries a price offset
func (s *TriangleTWAP) runMedianLeg(passive, market decimal.Decimal) {
	offset := tradingutils.GetPriceOffsetFromPrices(s.task.ExecutionMode, s.medianDir,
		s.medianBid0, s.medianAsk0, s.medianCfg.PricePrecision)

	if passive.IsPositive() {
		price := s.medianTouch().Mul(decimal.NewFromInt(1).Add(offset))
		amount := s.medianAmount(passive, price)
		if s.midCovers(amount, price) {
			s.SendFormattedOrder(s.median, s.medianCfg, s.medianDir,
				price, amount, core.OrderTypeLimit, s.task.TradeRole == core.RoleMaker, triangleTwapStrategyKey, false)
		}
	}
	if market.IsPositive() {
		price := s.medianCross()
		amount := s.medianAmount(market, price)
		if s.midCovers(amount, price) {
			s.SendFormattedOrder(s.median, s.medianCfg, s.medianDir,
				price, amount, core.OrderTypeLimit, false, triangleTwapStrategyKey, false)
		}
	}
}

// runAnchorLeg converts mid-coin inventory: a buy tops it up to cover the
// next median slice, a sell flushes whatever the median leg produced
func (s *TriangleTWAP) runAnchorLeg(sliceBase decimal.Decimal) {
	midBal := s.sizing.AvailableOf(s.midCoin)
	price := s.anchorTouch()

	var amount decimal.Decimal
	if s.task.Direction == core.Buy {
		need := tradingutils.GetMaintainAmount(sliceBase, s.medianTouch(), s.median.Base, s.midCoin)
		amount = need.Sub(midBal)
	} else {
		amount = midBal
	}
	amount = s.anchorAmount(amount, price)

	// Sub-minimum mid-coin amounts wait for the next slice rather than
	// producing dust orders
	minSize := tradingutils.MinOrderSize(s.anchorCfg.BaseMinOrderSize, s.anchorCfg.QuoteMinOrderSize, price)
	if amount.LessThanOrEqual(minSize) {
		return
	}
	s.SendFormattedOrder(s.anchor, s.anchorCfg, s.anchorDir,
		price, amount, core.OrderTypeLimit, false, triangleTwapStrategyKey, false)
}

// finishSlice completes only once both legs are flat and the mid coin is
// unwound
func (s *TriangleTWAP) finishSlice() {
	if len(s.env.Exec.PendingOrders(s.id)) > 0 || len(s.env.Exec.ActiveOrders(s.id)) > 0 {
		return
	}
	midBal := s.sizing.AvailableOf(s.midCoin)
	price := s.anchorTouch()
	minSize := tradingutils.MinOrderSize(s.anchorCfg.BaseMinOrderSize, s.anchorCfg.QuoteMinOrderSize, price)
	if s.anchorAmount(midBal, price).GreaterThan(minSize) {
		s.runAnchorLeg(decimal.Zero)
		return
	}
	s.OnFinish()
}

// checkMiddleSize alarms once when mid-coin inventory grows past the
// per-order risk cap, meaning one leg is running away from the other
func (s *TriangleTWAP) checkMiddleSize() {
	midBal := s.sizing.TotalOf(s.midCoin)
	if midBal.GreaterThan(s.midHighWater) {
		s.midHighWater = midBal
	}
	limit := s.MaxSizeFor(s.anchor.Quote)
	notional := midBal.Mul(s.anchorTouch())
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

func (s *TriangleTWAP) shouldTrade(now time.Time) decimal.Decimal {
	window := s.endTime.Sub(s.startTime)
	if window <= 0 {
		return s.task.TotalSize
	}
	elapsed := now.Sub(s.startTime)
	if elapsed <= 0 {
		return decimal.Zero
	}
	target := s.task.TotalSize.Mul(decimal.NewFromFloat(elapsed.Seconds())).
		Div(decimal.NewFromFloat(window.Seconds()))
	return decimal.Min(target, s.task.TotalSize)
}

func (s *TriangleTWAP) singleAmount() decimal.Decimal {
	window := s.endTime.Sub(s.startTime)
	if window <= 0 {
		return s.task.TotalSize
	}
	return s.task.TotalSize.Div(decimal.NewFromFloat(window.Seconds())).Mul(decimal.NewFromInt(60))
}

// toMainBase converts a task-currency amount into the main base coin
func (s *TriangleTWAP) toMainBase(amount decimal.Decimal) decimal.Decimal {
	if s.task.CurrencyType == core.CurrencyQuote && s.currentPrice.IsPositive() {
		return amount.Div(s.currentPrice)
	}
	return amount
}

// medianAmount converts a task-currency amount into median-leg base terms
func (s *TriangleTWAP) medianAmount(amount, price decimal.Decimal) decimal.Decimal {
	base := s.toMainBase(amount)
	if s.median.Base == s.symbol.Base {
		return base
	}
	// Flipped median leg: the main base sits on the quote side, convert
	// through the leg price
	if price.IsPositive() {
		return base.Div(price)
	}
	return decimal.Zero
}

// anchorAmount converts a mid-coin amount into anchor-leg base terms
func (s *TriangleTWAP) anchorAmount(amount, price decimal.Decimal) decimal.Decimal {
	if s.anchor.Base == s.midCoin {
		return amount
	}
	if price.IsPositive() {
		return amount.Div(price)
	}
	return decimal.Zero
}

// midCovers reports whether mid-coin inventory can fund a median order. It
// only gates orders that spend the mid coin; orders producing it pass.
func (s *TriangleTWAP) midCovers(amount, price decimal.Decimal) bool {
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

func (s *TriangleTWAP) medianTouch() decimal.Decimal {
	if s.medianDir == core.Buy {
		return s.medianBid0
	}
	return s.medianAsk0
}

func (s *TriangleTWAP) medianCross() decimal.Decimal {
	if s.medianDir == core.Buy {
		return s.medianAsk0.Mul(decimal.NewFromFloat(1.05))
	}
	return s.medianBid0.Mul(decimal.NewFromFloat(0.95))
}

func (s *TriangleTWAP) anchorTouch() decimal.Decimal {
	if s.anchorDir == core.Buy {
		return s.anchorAsk0
	}
	return s.anchorBid0
}
