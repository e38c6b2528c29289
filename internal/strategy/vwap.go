package strategy

import (
	"time"

	"execution_engine/internal/core"
	"execution_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

const (
	vwapStrategyKey = "vwap"

	vwapInterval   = 60 * time.Second
	klineStaleness = 120 * time.Second
	vwapSweepDepth = 10
)

// VWAP paces execution against traded market volume. In time-based mode it
// targets a ratio derived from a reference per-minute volume; in
// participation mode it takes a fixed share of each completed kline's volume.
type VWAP struct {
	*BaseStrategy

	lastKline   *core.Kline
	lastKlineAt time.Time
	cumVol      decimal.Decimal

	// Volume from klines too small to act on, carried into the next slice
	cumVolNotUsed decimal.Decimal
	carriedKline  string
	dealAtKline   decimal.Decimal

	book    *core.Orderbook
	lastRun time.Time
}

// NewVWAP builds a VWAP strategy from a validated task
func NewVWAP(task *core.StrategyTask, coinCfg core.CoinConfig, env Env) (*VWAP, error) {
	base, err := NewBase(task, coinCfg, env)
	if err != nil {
		return nil, err
	}
	return &VWAP{BaseStrategy: base}, nil
}

// OnKlineReady folds completed bars into the cumulative market volume
func (s *VWAP) OnKlineReady(kline *core.Kline) {
	if kline.Symbol != s.symbol.Name {
		return
	}
	if s.lastKline != nil && kline.Timestamp != s.lastKline.Timestamp {
		s.cumVol = s.cumVol.Add(s.lastKline.Volume)
		s.dealAtKline = s.DealSize()
	}
	s.lastKline = kline
	s.lastKlineAt = s.env.Clock()
}

// OnOrderbookReady keeps the latest depth for pricing
func (s *VWAP) OnOrderbookReady(book *core.Orderbook) {
	if book.Symbol != s.symbol.Name || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return
	}
	s.SetTopOfBook(book.Bids[0].Price, book.Asks[0].Price)
	s.book = book
}

// OnTimer runs one pacing round per interval
func (s *VWAP) OnTimer() {
	now := s.env.Clock()
	if now.Sub(s.lastRun) < vwapInterval {
		return
	}
	s.lastRun = now

	if s.status == core.TaskPaused || s.status == core.TaskFinished || !s.Started(now) || !s.BalanceReady() {
		return
	}
	if s.book == nil || s.lastKline == nil {
		return
	}
	if s.status == core.TaskPending {
		s.status = core.TaskRunning
	}
	if len(s.env.Exec.PendingOrders(s.id)) > 0 {
		return
	}

	refPrice := s.passiveRef()
	minSize := s.MinSize(refPrice)
	remaining := s.Remaining()
	if remaining.LessThanOrEqual(decimal.Zero) || s.balanceExhausted(refPrice, minSize) {
		s.OnFinish()
		return
	}

	// One resting order at a time: clear the old one and act next round
	if active := s.env.Exec.ActiveOrders(s.id); len(active) > 0 {
		for _, o := range active {
			if err := s.env.Exec.CancelOrder(o.RefID, false); err != nil {
				s.logger.Warn("Cancel before repricing failed", "ref_id", o.RefID, "error", err)
			}
		}
		return
	}

	amount := s.sliceAmount(now, minSize, refPrice)
	if !amount.IsPositive() {
		return
	}
	amount = decimal.Min(amount, s.toBase(remaining, refPrice))

	bidSweep, askSweep := tradingutils.OrderbookPriceFilter(s.book, amount, vwapSweepDepth)
	price := bidSweep
	if s.task.Direction == core.Sell {
		price = askSweep
	}
	s.SendFormattedOrder(s.symbol, s.coinCfg, s.task.Direction,
		price, amount, core.OrderTypeLimit, s.task.TradeRole == core.RoleMaker, vwapStrategyKey, false)
}

// sliceAmount returns the base-denominated size for this round
func (s *VWAP) sliceAmount(now time.Time, minSize, refPrice decimal.Decimal) decimal.Decimal {
	if s.task.TimeBased {
		minutesLeft := decimal.NewFromFloat(s.endTime.Sub(now).Minutes())
		amount := tradingutils.OrderSizeCal(s.task.AvgVolRef, s.marketVol(),
			minutesLeft, s.task.TotalSize, s.DealSize())
		return s.toBase(amount, refPrice)
	}

	// Participation mode: a stale feed contributes nothing this round
	marketVol := s.lastKline.Volume.Add(s.cumVolNotUsed)
	if s.env.Clock().Sub(s.lastKlineAt) > klineStaleness {
		marketVol = decimal.Zero
	}
	ownVol := s.DealSize().Sub(s.dealAtKline)
	amount := tradingutils.CalOrderSizeByLKP(marketVol, ownVol, s.task.FillRatio)
	amount = s.toBase(amount, refPrice)
	if amount.LessThan(minSize) {
		// Bank this kline's volume once so quiet markets still add up
		if s.carriedKline != s.lastKline.Timestamp {
			s.carriedKline = s.lastKline.Timestamp
			s.cumVolNotUsed = s.cumVolNotUsed.Add(s.lastKline.Volume)
		}
		return decimal.Zero
	}
	s.cumVolNotUsed = decimal.Zero
	return amount
}

func (s *VWAP) marketVol() decimal.Decimal {
	if s.lastKline == nil {
		return s.cumVol
	}
	return s.cumVol.Add(s.lastKline.Volume)
}

func (s *VWAP) passiveRef() decimal.Decimal {
	if s.task.Direction == core.Buy {
		return s.bid0
	}
	return s.ask0
}

func (s *VWAP) toBase(amount, price decimal.Decimal) decimal.Decimal {
	if s.task.CurrencyType == core.CurrencyQuote && price.IsPositive() {
		return amount.Div(price)
	}
	return amount
}

func (s *VWAP) balanceExhausted(price, minSize decimal.Decimal) bool {
	if s.task.Direction == core.Sell {
		return s.sizing.AvailableOf(s.symbol.Base).LessThan(minSize)
	}
	return s.sizing.AvailableOf(s.symbol.Quote).LessThan(minSize.Mul(price))
}
