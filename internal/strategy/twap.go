package strategy

import (
	"fmt"
	"math/rand"
	"time"

	"execution_engine/internal/core"

	"github.com/shopspring/decimal"
)

// randFloat is swapped out in tests to pin the jitter
var randFloat = rand.Float64

const (
	twapStrategyKey = "Twap"

	// Orders stuck beyond these counts mean the gateway stopped answering
	maxPendingOrders = 4
	maxActiveOrders  = 4

	defaultFixedIntervalMs  = 60000
	defaultRandomIntervalMs = 10000
)

// TWAP slices the total evenly over the task window. Every interval it
// cancels what is still resting, compares executed size against the
// time-proportional target and places a passive slice plus a marketable
// slice for any shortfall.
type TWAP struct {
	*BaseStrategy

	fixedInterval  time.Duration
	randomInterval time.Duration
	nextRun        time.Time
}

// NewTWAP builds a TWAP strategy from a validated task
func NewTWAP(task *core.StrategyTask, coinCfg core.CoinConfig, env Env) (*TWAP, error) {
	base, err := NewBase(task, coinCfg, env)
	if err != nil {
		return nil, err
	}
	fixed := task.FixedIntervalMs
	if fixed <= 0 {
		fixed = defaultFixedIntervalMs
	}
	random := task.RandomIntervalMs
	if random < 0 {
		random = defaultRandomIntervalMs
	}
	return &TWAP{
		BaseStrategy:   base,
		fixedInterval:  time.Duration(fixed) * time.Millisecond,
		randomInterval: time.Duration(random) * time.Millisecond,
	}, nil
}

// OnOrderbookReady keeps the top of book for the next slice
func (s *TWAP) OnOrderbookReady(book *core.Orderbook) {
	if book.Symbol != s.symbol.Name || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return
	}
	s.SetTopOfBook(book.Bids[0].Price, book.Asks[0].Price)
}

// OnTimer runs a slice when the jittered interval has elapsed
func (s *TWAP) OnTimer() {
	now := s.env.Clock()
	if now.Before(s.nextRun) {
		return
	}
	jitter := time.Duration(float64(s.randomInterval) * randFloat())
	s.nextRun = now.Add(s.fixedInterval + jitter)
	s.runSlice(now)
}

func (s *TWAP) runSlice(now time.Time) {
	if s.status == core.TaskPaused || s.status == core.TaskFinished || !s.BalanceReady() {
		return
	}
	if !s.Started(now) || !s.bid0.IsPositive() || !s.ask0.IsPositive() {
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

	// Start every slice from a clean book
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
	minSize := s.MinSize(s.passivePrice())
	if remaining.LessThanOrEqual(decimal.Zero) || s.balanceExhausted(minSize) {
		s.OnFinish()
		return
	}

	shouldTrade := s.ShouldTrade(now)
	single := s.SingleAmount()

	// Last stretch: stop resting and sweep the remainder in one marketable slice
	minTerm := minSize
	if s.task.CurrencyType == core.CurrencyQuote {
		minTerm = minSize.Mul(s.passivePrice())
	}
	endgameBand := decimal.Max(single, minTerm).Mul(decimal.NewFromInt(2))
	if remaining.LessThanOrEqual(endgameBand) {
		s.sendSlice(decimal.Zero, remaining)
		return
	}

	passive := single
	if deal.GreaterThanOrEqual(shouldTrade) {
		passive = decimal.Zero
	}
	market := decimal.Max(shouldTrade.Sub(deal).Sub(single), decimal.Zero)
	s.sendSlice(passive, market)
}

// ShouldTrade is the time-proportional execution target: at the midpoint of
// the window half the total should be done
func (s *TWAP) ShouldTrade(now time.Time) decimal.Decimal {
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

// SingleAmount is the per-minute slice of the total over the window
func (s *TWAP) SingleAmount() decimal.Decimal {
	window := s.endTime.Sub(s.startTime)
	if window <= 0 {
		return s.task.TotalSize
	}
	return s.task.TotalSize.Div(decimal.NewFromFloat(window.Seconds())).
		Mul(decimal.NewFromInt(60))
}

// sendSlice places the passive and marketable legs of one slice. Amounts
// arrive in the task's currency and are converted to base at the leg price.
func (s *TWAP) sendSlice(passive, market decimal.Decimal) {
	if passive.IsPositive() {
		price := s.passivePrice()
		amount := s.toBase(passive, price)
		s.SendFormattedOrder(s.symbol, s.coinCfg, s.task.Direction,
			price, amount, core.OrderTypeLimit, s.task.TradeRole == core.RoleMaker, twapStrategyKey, false)
	}
	if market.IsPositive() {
		price := s.marketPrice()
		amount := s.toBase(market, price)
		s.SendFormattedOrder(s.symbol, s.coinCfg, s.task.Direction,
			price, amount, core.OrderTypeLimit, false, twapStrategyKey, false)
	}
}

func (s *TWAP) toBase(amount, price decimal.Decimal) decimal.Decimal {
	if s.task.CurrencyType == core.CurrencyQuote && price.IsPositive() {
		return amount.Div(price)
	}
	return amount
}

// passivePrice rests at the near touch
func (s *TWAP) passivePrice() decimal.Decimal {
	if s.task.Direction == core.Buy {
		return s.bid0
	}
	return s.ask0
}

// marketPrice crosses with a 5% limit guard so a thin book cannot run away
func (s *TWAP) marketPrice() decimal.Decimal {
	if s.task.Direction == core.Buy {
		return s.ask0.Mul(decimal.NewFromFloat(1.05))
	}
	return s.bid0.Mul(decimal.NewFromFloat(0.95))
}

// balanceExhausted reports whether the funding leg can no longer cover a
// minimum order
func (s *TWAP) balanceExhausted(minSize decimal.Decimal) bool {
	if s.task.Direction == core.Sell {
		return s.sizing.AvailableOf(s.symbol.Base).LessThan(minSize)
	}
	need := minSize.Mul(s.passivePrice())
	return s.sizing.AvailableOf(s.symbol.Quote).LessThan(need)
}
