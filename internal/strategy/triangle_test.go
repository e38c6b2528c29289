package strategy

import (
	"testing"

	"execution_engine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTriangleTWAP(t *testing.T, exec *fakeExec, task *core.StrategyTask) *TriangleTWAP {
	t.Helper()
	cfg := btcusdtCoinCfg()
	s, err := NewTriangleTWAP(task, cfg, cfg, cfg, testEnv(exec))
	require.NoError(t, err)
	return s
}

func triBookAt(symbol, bid, ask string, exec *fakeExec) *core.Orderbook {
	return bookAt(symbol, bid, ask, exec.now)
}

func TestTriangleLegDirections(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}

	buy := newTestTriangleTWAP(t, exec, triangleTask(core.AlgoTriangleTWAP))
	assert.Equal(t, core.Buy, buy.medianDir, "buying BTC with EOS")
	assert.Equal(t, core.Buy, buy.anchorDir, "buying EOS with USDT")
	assert.Equal(t, "EOS", buy.midCoin)

	sellTask := triangleTask(core.AlgoTriangleTWAP)
	sellTask.Direction = core.Sell
	sell := newTestTriangleTWAP(t, exec, sellTask)
	assert.Equal(t, core.Sell, sell.medianDir)
	assert.Equal(t, core.Sell, sell.anchorDir)
}

func TestTriangleSyntheticPriceFromLegs(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	s := newTestTriangleTWAP(t, exec, triangleTask(core.AlgoTriangleTWAP))

	// BTC at 2000 EOS, EOS at 10 USDT: BTC is 20000 USDT
	s.OnOrderbookReady(triBookAt("BTCEOS", "1999.99", "2000.01", exec))
	assert.True(t, s.CurrentPrice().IsZero(), "one leg alone prices nothing")

	s.OnOrderbookReady(triBookAt("EOSUSDT", "9.99", "10.01", exec))
	assert.True(t, s.CurrentPrice().Equal(decimal.RequireFromString("20000")),
		"got %s", s.CurrentPrice())
}

func TestTriangleBuyFundsMidCoinFirst(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	s := newTestTriangleTWAP(t, exec, triangleTask(core.AlgoTriangleTWAP))
	s.OnOrderbookReady(triBookAt("BTCEOS", "1999.99", "2000.01", exec))
	s.OnOrderbookReady(triBookAt("EOSUSDT", "9.99", "10.01", exec))

	s.OnTimer()

	// With no EOS on hand only the anchor conversion can go out; the
	// median leg waits for the float
	require.NotEmpty(t, exec.sent)
	for _, o := range exec.sent {
		assert.Equal(t, "EOSUSDT", o.Symbol)
		assert.Equal(t, core.Buy, o.Direction)
	}
}

func TestTriangleBuySpendsFloatOnMedianLeg(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	task := triangleTask(core.AlgoTriangleTWAP)
	task.InitialBalance["EOS"] = decimal.RequireFromString("100000")
	s := newTestTriangleTWAP(t, exec, task)
	s.OnOrderbookReady(triBookAt("BTCEOS", "1999.99", "2000.01", exec))
	s.OnOrderbookReady(triBookAt("EOSUSDT", "9.99", "10.01", exec))

	s.OnTimer()

	symbols := map[string]bool{}
	for _, o := range exec.sent {
		symbols[o.Symbol] = true
	}
	assert.True(t, symbols["BTCEOS"], "a funded float lets the median leg trade")
}

func TestTriangleSellFlushesMidCoin(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	task := triangleTask(core.AlgoTriangleTWAP)
	task.Direction = core.Sell
	task.InitialBalance["EOS"] = decimal.RequireFromString("500")
	s := newTestTriangleTWAP(t, exec, task)
	s.OnOrderbookReady(triBookAt("BTCEOS", "1999.99", "2000.01", exec))
	s.OnOrderbookReady(triBookAt("EOSUSDT", "9.99", "10.01", exec))

	s.OnTimer()

	var anchorOrder *core.Order
	for _, o := range exec.sent {
		if o.Symbol == "EOSUSDT" {
			anchorOrder = o
		}
	}
	require.NotNil(t, anchorOrder, "leftover EOS is unwound on the anchor leg")
	assert.Equal(t, core.Sell, anchorOrder.Direction)
}

func TestTriangleMidInventoryAlarm(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	task := triangleTask(core.AlgoTriangleTWAP)
	// Cap for USDT is 2000 in the test env; 500 EOS at 10 is 5000 notional
	task.InitialBalance["EOS"] = decimal.RequireFromString("500")
	s := newTestTriangleTWAP(t, exec, task)
	s.OnOrderbookReady(triBookAt("BTCEOS", "1999.99", "2000.01", exec))
	s.OnOrderbookReady(triBookAt("EOSUSDT", "9.99", "10.01", exec))

	s.checkMiddleSize()
	require.Contains(t, exec.alarms, core.AlarmExecuteAbnormal)

	// Alarmed once per excursion, not per tick
	n := len(exec.alarms)
	s.checkMiddleSize()
	assert.Len(t, exec.alarms, n)
}

func TestTriangleIcebergAnchorQuotesOffTheTouch(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	cfg := btcusdtCoinCfg()
	task := triangleTask(core.AlgoTriangleIceberg)
	s, err := NewTriangleIceberg(task, cfg, cfg, cfg, testEnv(exec))
	require.NoError(t, err)
	s.SetStatus(core.TaskRunning, "")
	s.lastMedian = decimal.RequireFromString("1")
	s.medianBid0 = decimal.RequireFromString("1999.99")
	s.medianAsk0 = decimal.RequireFromString("2000.01")

	s.OnOrderbookReady(triBookAt("EOSUSDT", "9.99", "10.01", exec))

	require.Len(t, exec.sent, 1)
	o := exec.sent[0]
	assert.Equal(t, "EOSUSDT", o.Symbol)
	assert.True(t, o.Price.Equal(decimal.RequireFromString("10.00")),
		"buy quotes one tick under the ask, got %s", o.Price)
}

func TestTriangleIcebergMedianRepriceCancelsOnly(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	exec.active = []*core.Order{{
		RefID:  "med-1",
		Symbol: "BTCEOS",
		Price:  decimal.RequireFromString("1990.00"),
		Status: core.OrderSubmitted,
	}}
	cfg := btcusdtCoinCfg()
	task := triangleTask(core.AlgoTriangleIceberg)
	task.InitialBalance["EOS"] = decimal.RequireFromString("100000")
	s, err := NewTriangleIceberg(task, cfg, cfg, cfg, testEnv(exec))
	require.NoError(t, err)
	s.anchorBid0 = decimal.RequireFromString("9.99")
	s.anchorAsk0 = decimal.RequireFromString("10.01")

	s.OnOrderbookReady(triBookAt("BTCEOS", "1999.99", "2000.01", exec))

	assert.Equal(t, []string{"med-1"}, exec.cancels)
	assert.Empty(t, exec.sent)
}

func TestTriangleAnchorFillCreditsMidCoin(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	s := newTestTriangleTWAP(t, exec, triangleTask(core.AlgoTriangleTWAP))
	s.OnOrderbookReady(triBookAt("BTCEOS", "1999.99", "2000.01", exec))
	s.OnOrderbookReady(triBookAt("EOSUSDT", "9.99", "10.01", exec))

	s.OnTimer()
	require.NotEmpty(t, exec.sent)
	anchor := exec.sent[0]
	require.Equal(t, "EOSUSDT", anchor.Symbol)

	usdtBefore := s.Ledger().TotalOf("USDT")
	s.OnResponse(&core.TradeResponse{
		RefID:  anchor.RefID,
		Action: core.ActionInspectOrder,
		Result: true,
		OrderInfo: &core.OrderInfo{
			OrderID:          "EX-A1",
			OriginalAmount:   anchor.Quantity,
			FilledAmount:     anchor.Quantity,
			AvgExecutedPrice: anchor.Price,
			Status:           core.OrderFilled,
		},
	})

	// The conversion fill lands on the mid coin, not the main pair
	assert.True(t, s.Ledger().TotalOf("EOS").Equal(anchor.Quantity),
		"got %s EOS", s.Ledger().TotalOf("EOS"))
	assert.True(t, s.Ledger().TotalOf("BTC").Equal(decimal.RequireFromString("10")),
		"main base moved to %s on an anchor fill", s.Ledger().TotalOf("BTC"))
	spent := anchor.Quantity.Mul(anchor.Price)
	assert.True(t, s.Ledger().TotalOf("USDT").Equal(usdtBefore.Sub(spent)))
}

func TestTriangleIcebergAnchorFillCreditsMidCoin(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	cfg := btcusdtCoinCfg()
	task := triangleTask(core.AlgoTriangleIceberg)
	s, err := NewTriangleIceberg(task, cfg, cfg, cfg, testEnv(exec))
	require.NoError(t, err)
	s.SetStatus(core.TaskRunning, "")
	s.lastMedian = decimal.RequireFromString("1")
	s.medianBid0 = decimal.RequireFromString("1999.99")
	s.medianAsk0 = decimal.RequireFromString("2000.01")

	s.OnOrderbookReady(triBookAt("EOSUSDT", "9.99", "10.01", exec))
	require.Len(t, exec.sent, 1)
	anchor := exec.sent[0]
	require.Equal(t, "EOSUSDT", anchor.Symbol)

	s.OnResponse(&core.TradeResponse{
		RefID:  anchor.RefID,
		Action: core.ActionInspectOrder,
		Result: true,
		OrderInfo: &core.OrderInfo{
			OrderID:          "EX-A2",
			OriginalAmount:   anchor.Quantity,
			FilledAmount:     anchor.Quantity,
			AvgExecutedPrice: anchor.Price,
			Status:           core.OrderFilled,
		},
	})

	assert.True(t, s.Ledger().TotalOf("EOS").Equal(anchor.Quantity),
		"got %s EOS", s.Ledger().TotalOf("EOS"))
	assert.True(t, s.Ledger().TotalOf("BTC").Equal(decimal.RequireFromString("10")))
}
