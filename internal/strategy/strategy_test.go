package strategy

import (
	"fmt"
	"time"

	"execution_engine/internal/core"

	"github.com/shopspring/decimal"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{})            {}
func (nopLogger) Info(msg string, fields ...interface{})             {}
func (nopLogger) Warn(msg string, fields ...interface{})             {}
func (nopLogger) Error(msg string, fields ...interface{})            {}
func (nopLogger) Fatal(msg string, fields ...interface{})            {}
func (l nopLogger) WithField(string, interface{}) core.ILogger       { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger   { return l }

// fakeExec records every action a strategy takes
type fakeExec struct {
	now     time.Time
	sent    []*core.Order
	cancels []string
	active  []*core.Order
	pending []*core.Order
	alarms  []core.AlarmCode
	cleared int
	seq     int
}

func (f *fakeExec) SendOrder(st *core.StrategyTask, order *core.Order) (string, error) {
	f.seq++
	order.RefID = core.RefID(f.now, int64(f.seq))
	order.Status = core.OrderPending
	f.sent = append(f.sent, order)
	return order.RefID, nil
}

func (f *fakeExec) CancelOrder(refID string, force bool) error {
	f.cancels = append(f.cancels, refID)
	return nil
}

func (f *fakeExec) InspectOrder(refID string) error { return nil }

func (f *fakeExec) LookupOrder(refID string) *core.Order {
	for _, o := range append(f.pending, f.active...) {
		if o.RefID == refID {
			return o
		}
	}
	for _, o := range f.sent {
		if o.RefID == refID {
			return o
		}
	}
	return nil
}

func (f *fakeExec) ActiveOrders(string) []*core.Order             { return f.active }
func (f *fakeExec) PendingOrders(string) []*core.Order            { return f.pending }
func (f *fakeExec) Balance(string) map[string]*core.BalanceRecord { return nil }
func (f *fakeExec) UpdateStatus(string, core.TaskStatus, string)  {}
func (f *fakeExec) Alarm(msg string, code core.AlarmCode)         { f.alarms = append(f.alarms, code) }
func (f *fakeExec) ClearTimeoutPendingOrders(string)              { f.cleared++ }
func (f *fakeExec) Now() int64                                    { return f.now.UnixMilli() }

func testEnv(exec *fakeExec) Env {
	return Env{
		Exec:           exec,
		Logger:         nopLogger{},
		Clock:          func() time.Time { return exec.now },
		MaxSizeByQuote: map[string]float64{"USDT": 2000, "BTC": 0.2},
		DealSizeAlarm:  10 * time.Minute,
	}
}

func btcusdtCoinCfg() core.CoinConfig {
	return core.CoinConfig{
		BaseMinOrderSize:  decimal.RequireFromString("0.001"),
		QuoteMinOrderSize: decimal.RequireFromString("10"),
		PricePrecision:    decimal.RequireFromString("0.01"),
		SizePrecision:     decimal.RequireFromString("0.0001"),
	}
}

func twapTask(direction core.Direction, total string) *core.StrategyTask {
	return &core.StrategyTask{
		StrategyID:   "st-1",
		Algorithm:    core.AlgoTWAP,
		Exchange:     "Binance",
		Account:      "acc1",
		Symbol:       []string{"BTCUSDT", "BTC", "USDT"},
		Direction:    direction,
		CurrencyType: core.CurrencyBase,
		TotalSize:    decimal.RequireFromString(total),
		StartTime:    "2026-03-01 00:00:00",
		EndTime:      "2026-03-01 02:00:00",
		InitialBalance: map[string]decimal.Decimal{
			"BTC":  decimal.RequireFromString("200"),
			"USDT": decimal.RequireFromString("20000000"),
		},
	}
}

func bookAt(symbol string, bid, ask string, ts time.Time) *core.Orderbook {
	return &core.Orderbook{
		Exchange:  "Binance",
		Symbol:    symbol,
		Timestamp: core.FormatTimestamp(ts),
		Bids: []core.PriceLevel{
			{Price: decimal.RequireFromString(bid), Size: decimal.RequireFromString("3")},
			{Price: decimal.RequireFromString(bid).Sub(decimal.RequireFromString("1")), Size: decimal.RequireFromString("5")},
		},
		Asks: []core.PriceLevel{
			{Price: decimal.RequireFromString(ask), Size: decimal.RequireFromString("2")},
			{Price: decimal.RequireFromString(ask).Add(decimal.RequireFromString("1")), Size: decimal.RequireFromString("4")},
		},
	}
}

func mustTime(s string) time.Time {
	t, err := time.ParseInLocation(TimeLayout, s, time.Local)
	if err != nil {
		panic(fmt.Sprintf("bad test time %q: %v", s, err))
	}
	return t
}
