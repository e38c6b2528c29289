// Package strategy implements the execution algorithms that work a task down
package strategy

import (
	"fmt"
	"time"

	"execution_engine/internal/balance"
	"execution_engine/internal/core"
	"execution_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// TimeLayout is the human-readable form used for task start and end times
const TimeLayout = "2006-01-02 15:04:05"

// Env carries the dependencies every strategy shares
type Env struct {
	Exec           core.ExecutionContext
	Logger         core.ILogger
	Clock          func() time.Time
	MaxSizeByQuote map[string]float64
	DealSizeAlarm  time.Duration
}

// BaseStrategy carries the state and behavior common to all algorithms.
// Concrete strategies embed it and override the hooks they need; the embedded
// no-ops make every strategy a complete core.IStrategy.
type BaseStrategy struct {
	id      string
	task    *core.StrategyTask
	symbol  core.Symbol
	coinCfg core.CoinConfig
	env     Env
	logger  core.ILogger

	ledger *balance.Ledger
	sizing *balance.Ledger

	status    core.TaskStatus
	statusMsg string

	bid0, ask0   decimal.Decimal
	currentPrice decimal.Decimal
	attention    bool
	lastDeal     decimal.Decimal

	startTime time.Time
	endTime   time.Time

	// Deal size stagnation tracking
	dealSnapshot  decimal.Decimal
	stagnantFor   time.Duration
	lastDealCheck time.Time
	dealAlarmGrow time.Duration
	endAlarmed    bool

	inspectBackoff time.Duration
}

// NewBase builds the shared strategy core
func NewBase(task *core.StrategyTask, coinCfg core.CoinConfig, env Env) (*BaseStrategy, error) {
	sym, ok := core.SymbolFromList(task.Symbol)
	if !ok {
		return nil, fmt.Errorf("strategy %s: malformed symbol %v", task.StrategyID, task.Symbol)
	}

	b := &BaseStrategy{
		id:      task.StrategyID,
		task:    task,
		symbol:  sym,
		coinCfg: coinCfg,
		env:     env,
		logger:  env.Logger.WithField("strategy", task.StrategyID),
		ledger:  balance.NewLedger(task.InitialBalance),
		status:  core.TaskPending,
	}
	b.sizing = b.ledger

	if task.StartTime != "" {
		t, err := time.ParseInLocation(TimeLayout, task.StartTime, time.Local)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: bad start_time: %w", task.StrategyID, err)
		}
		b.startTime = t
	}
	if task.EndTime != "" {
		t, err := time.ParseInLocation(TimeLayout, task.EndTime, time.Local)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: bad end_time: %w", task.StrategyID, err)
		}
		b.endTime = t
	}
	return b, nil
}

func (b *BaseStrategy) StrategyID() string       { return b.id }
func (b *BaseStrategy) Task() *core.StrategyTask { return b.task }
func (b *BaseStrategy) Status() core.TaskStatus  { return b.status }
func (b *BaseStrategy) Attention() bool          { return b.attention }

// Symbol returns the main trading pair
func (b *BaseStrategy) Symbol() core.Symbol { return b.symbol }

// Ledger exposes the strategy's own balance view
func (b *BaseStrategy) Ledger() *balance.Ledger { return b.ledger }

// UseSizingLedger redirects sizing reads and deal-size accounting to an
// externally fed ledger. Venues whose order responses are not authoritative
// for balances get the gateway's pushed account snapshots here; the
// order-derived ledger keeps reconciling either way.
func (b *BaseStrategy) UseSizingLedger(l *balance.Ledger) { b.sizing = l }

// BalanceReady reports whether the sizing ledger can answer. The
// order-derived ledger always can; a push-fed one cannot until the first
// snapshot lands.
func (b *BaseStrategy) BalanceReady() bool { return b.sizing.Primed() }

// SetStatus updates the strategy status. Warnings carry a message but do not
// halt execution; they clear on the coordinator's warning-reset sweep.
func (b *BaseStrategy) SetStatus(status core.TaskStatus, msg string) {
	b.status = status
	b.statusMsg = msg
	if status == core.TaskWarning || status == core.TaskError {
		b.env.Exec.UpdateStatus(b.id, status, msg)
	}
}

// StatusMsg returns the last status message
func (b *BaseStrategy) StatusMsg() string { return b.statusMsg }

// Default hooks; concrete strategies override what they need

func (b *BaseStrategy) OnOrderbookReady(book *core.Orderbook) {}

// ObserveOrderbook updates price state from a book without trading. The
// coordinator dispatches it instead of OnOrderbookReady while the task is
// paused, so reference prices keep moving.
func (b *BaseStrategy) ObserveOrderbook(book *core.Orderbook) {
	if book.Symbol != b.symbol.Name || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return
	}
	b.SetTopOfBook(book.Bids[0].Price, book.Asks[0].Price)
}
func (b *BaseStrategy) OnTradeReady(trade *core.MarketTrade)  {}
func (b *BaseStrategy) OnKlineReady(kline *core.Kline)        {}
func (b *BaseStrategy) OnQuoteReady(message []byte)           {}
func (b *BaseStrategy) OnTimer()                              {}

// OnFinish marks the strategy finished
func (b *BaseStrategy) OnFinish() {
	b.status = core.TaskFinished
	b.logger.Info("Strategy finished", "deal_size", b.DealSize())
}

// OnResponse reconciles the strategy's own ledger against a gateway response.
// The coordinator hands responses down before moving the order between
// stores, so the origin lookup still sees the pre-response fill state.
func (b *BaseStrategy) OnResponse(resp *core.TradeResponse) {
	b.ApplyResponseFor(b.symbol, resp)
}

// ApplyResponseFor reconciles the strategy ledger for one leg. Multi-leg
// strategies use it to route each response to the symbol it traded on.
func (b *BaseStrategy) ApplyResponseFor(sym core.Symbol, resp *core.TradeResponse) bool {
	if resp.OrderInfo == nil {
		return false
	}
	origin := b.env.Exec.LookupOrder(resp.RefID)
	if origin == nil {
		return false
	}
	return b.ledger.ApplyResponse(sym, origin, resp.OrderInfo)
}

// legSymbol resolves which pair of a multi-leg strategy an order traded on
func legSymbol(origin *core.Order, main, median, anchor core.Symbol) core.Symbol {
	switch origin.Symbol {
	case median.Name:
		return median
	case anchor.Name:
		return anchor
	}
	return main
}

// CurrentPrice returns the last market price seen for the main symbol
func (b *BaseStrategy) CurrentPrice() decimal.Decimal { return b.currentPrice }

// SetCurrentPrice records the reference price computed from market data
func (b *BaseStrategy) SetCurrentPrice(p decimal.Decimal) { b.currentPrice = p }

// SetTopOfBook records the best bid and ask for the main symbol. The side
// the task pays becomes the reference price for thresholds and reporting.
func (b *BaseStrategy) SetTopOfBook(bid, ask decimal.Decimal) {
	b.bid0, b.ask0 = bid, ask
	if b.task.Direction == core.Buy && ask.IsPositive() {
		b.currentPrice = ask
	} else if b.task.Direction == core.Sell && bid.IsPositive() {
		b.currentPrice = bid
	}
}

// DealSize reports how much of the total has executed, in the currency the
// task is measured in. It reads the drift of the sizing ledger from the
// initial balance, signed by direction. Before a push-fed ledger has data
// the last computed value holds.
func (b *BaseStrategy) DealSize() decimal.Decimal {
	if !b.sizing.Primed() {
		return b.lastDeal
	}
	var deal decimal.Decimal
	if b.task.CurrencyType == core.CurrencyBase {
		ini := b.initial(b.symbol.Base)
		deal = ini.Sub(b.sizing.TotalOf(b.symbol.Base))
	} else {
		ini := b.initial(b.symbol.Quote)
		deal = b.sizing.TotalOf(b.symbol.Quote).Sub(ini)
	}
	if b.task.Direction == core.Buy {
		deal = deal.Neg()
	}
	b.lastDeal = deal
	return deal
}

func (b *BaseStrategy) initial(currency string) decimal.Decimal {
	if v, ok := b.task.InitialBalance[currency]; ok {
		return v
	}
	return decimal.Zero
}

// Remaining returns total size minus executed
func (b *BaseStrategy) Remaining() decimal.Decimal {
	return b.task.TotalSize.Sub(b.DealSize())
}

// Started reports whether the schedule window has opened
func (b *BaseStrategy) Started(now time.Time) bool {
	return b.startTime.IsZero() || !now.Before(b.startTime)
}

// Ended reports whether the schedule window has closed
func (b *BaseStrategy) Ended(now time.Time) bool {
	return !b.endTime.IsZero() && now.After(b.endTime)
}

// CheckEndTime alarms once when the strategy is still unfinished well past
// its end time
func (b *BaseStrategy) CheckEndTime() {
	if b.endAlarmed || b.endTime.IsZero() || b.status == core.TaskFinished {
		return
	}
	now := b.env.Clock()
	if now.After(b.endTime.Add(5 * time.Minute)) {
		b.endAlarmed = true
		b.env.Exec.Alarm(fmt.Sprintf("%s still unfinished past end time, executed %s of %s",
			b.id, b.DealSize(), b.task.TotalSize), core.AlarmExecuteAbnormal)
	}
}

// CheckDealSize alarms when execution stalls: the deal size has not moved for
// the configured window while the price is on the tradable side of the
// threshold. Each alarm pushes the next one out by five more minutes.
func (b *BaseStrategy) CheckDealSize() {
	now := b.env.Clock()
	if b.lastDealCheck.IsZero() || !b.Started(now) || b.status != core.TaskRunning {
		b.lastDealCheck = now
		return
	}
	elapsed := now.Sub(b.lastDealCheck)
	b.lastDealCheck = now

	deal := b.DealSize()
	if !deal.Equal(b.dealSnapshot) {
		b.dealSnapshot = deal
		b.stagnantFor = 0
		b.attention = false
		b.dealAlarmGrow = 0
		return
	}

	if !b.thresholdAllowsTrading() {
		return
	}

	b.stagnantFor += elapsed
	if b.stagnantFor > b.env.DealSizeAlarm+b.dealAlarmGrow {
		b.attention = true
		b.dealAlarmGrow += 5 * time.Minute
		b.env.Exec.Alarm(fmt.Sprintf("%s deal size stuck at %s for %s",
			b.id, deal, b.stagnantFor.Round(time.Second)), core.AlarmDealSizeNotUpdated)
	}
}

// thresholdAllowsTrading reports whether the current price is on the side of
// the price threshold where the strategy is allowed to send orders. Stalls
// on the wrong side are expected, not alarming.
func (b *BaseStrategy) thresholdAllowsTrading() bool {
	if b.task.PriceThreshold == nil || !b.currentPrice.IsPositive() {
		return true
	}
	if b.task.Direction == core.Sell {
		return b.currentPrice.GreaterThanOrEqual(*b.task.PriceThreshold)
	}
	return b.currentPrice.LessThanOrEqual(*b.task.PriceThreshold)
}

// ProcessFrequencyError widens the inspection pacing after the venue pushed
// back on request rate. The coordinator adds the backoff to its base
// inspection interval.
func (b *BaseStrategy) ProcessFrequencyError(action core.OrderAction) {
	if action != core.ActionInspectOrder {
		return
	}
	b.inspectBackoff += 3 * time.Second
	b.logger.Warn("Inspect pacing widened after rate limit", "backoff", b.inspectBackoff)
}

// InspectBackoff returns the accumulated inspection slowdown
func (b *BaseStrategy) InspectBackoff() time.Duration { return b.inspectBackoff }

// MinSize resolves the venue minimum order size in base terms at a price
func (b *BaseStrategy) MinSize(refPrice decimal.Decimal) decimal.Decimal {
	return tradingutils.MinOrderSize(b.coinCfg.BaseMinOrderSize, b.coinCfg.QuoteMinOrderSize, refPrice)
}

// MaxSizeFor returns the per-order size cap for a quote currency, in quote
// terms, from the operator's risk table
func (b *BaseStrategy) MaxSizeFor(quote string) decimal.Decimal {
	if v, ok := b.env.MaxSizeByQuote[quote]; ok {
		return decimal.NewFromFloat(v)
	}
	// An unlisted quote gets no cap relief: stay conservative
	return decimal.NewFromFloat(100)
}

// SendFormattedOrder formats price and amount to venue constraints, applies
// the price threshold veto, and hands the order to the execution context.
// It returns the ref id, or "" when the order was vetoed or collapsed to
// zero size.
func (b *BaseStrategy) SendFormattedOrder(sym core.Symbol, coinCfg core.CoinConfig, direction core.Direction,
	price, amount decimal.Decimal, orderType core.OrderType, postOnly bool, strategyKey string,
	adjustToMin bool) string {

	price = tradingutils.FormatPrice(price, coinCfg.PricePrecision)
	amount = tradingutils.FormatAmount(amount, coinCfg.SizePrecision)

	minSize := tradingutils.MinOrderSize(coinCfg.BaseMinOrderSize, coinCfg.QuoteMinOrderSize, price)
	if adjustToMin {
		amount = tradingutils.AmountAdjust(amount, minSize, coinCfg.SizePrecision)
	} else if amount.LessThanOrEqual(minSize) {
		return ""
	}
	if !amount.IsPositive() || !price.IsPositive() {
		return ""
	}

	// Threshold veto applies only on the main symbol
	if sym == b.symbol && b.task.PriceThreshold != nil {
		if b.task.Direction == core.Sell && price.LessThan(*b.task.PriceThreshold) {
			b.logger.Debug("Order vetoed below threshold", "price", price, "threshold", *b.task.PriceThreshold)
			return ""
		}
		if b.task.Direction == core.Buy && price.GreaterThan(*b.task.PriceThreshold) {
			b.logger.Debug("Order vetoed above threshold", "price", price, "threshold", *b.task.PriceThreshold)
			return ""
		}
	}

	order := &core.Order{
		Exchange:    b.task.Exchange,
		Symbol:      sym.Name,
		AccountType: "spot",
		Price:       price,
		Quantity:    amount,
		Direction:   direction,
		OrderType:   orderType,
		StrategyKey: strategyKey,
		DelayMs:     59000,
		PostOnly:    postOnly,
		Notes:       core.OrderNotes{StrategyID: b.id},
	}

	refID, err := b.env.Exec.SendOrder(b.task, order)
	if err != nil {
		b.logger.Error("Send order failed", "error", err)
		return ""
	}

	// Mirror the reservation in the strategy's own ledger
	b.ledger.IncreaseReserved(sym, direction, amount, price)
	return refID
}
