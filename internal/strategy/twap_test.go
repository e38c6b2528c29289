package strategy

import (
	"testing"
	"time"

	"execution_engine/internal/balance"
	"execution_engine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fill walks a complete order lifecycle through a ledger: reserve, then a
// full fill at the limit price
func fill(led *balance.Ledger, sym core.Symbol, dir core.Direction, qty, price string) {
	q := decimal.RequireFromString(qty)
	p := decimal.RequireFromString(price)
	led.IncreaseReserved(sym, dir, q, p)
	origin := &core.Order{Price: p, Quantity: q, Direction: dir}
	info := &core.OrderInfo{OriginalAmount: q, FilledAmount: q, Status: core.OrderFilled}
	led.ApplyResponse(sym, origin, info)
}

func newTestTWAP(t *testing.T, exec *fakeExec, task *core.StrategyTask) *TWAP {
	t.Helper()
	s, err := NewTWAP(task, btcusdtCoinCfg(), testEnv(exec))
	require.NoError(t, err)
	return s
}

func TestShouldTradeIsTimeProportional(t *testing.T) {
	exec := &fakeExec{}
	s := newTestTWAP(t, exec, twapTask(core.Buy, "100"))

	midpoint := mustTime("2026-03-01 01:00:00")
	assert.True(t, s.ShouldTrade(midpoint).Equal(decimal.RequireFromString("50")),
		"half the window should target half the total, got %s", s.ShouldTrade(midpoint))

	quarter := mustTime("2026-03-01 00:30:00")
	assert.True(t, s.ShouldTrade(quarter).Equal(decimal.RequireFromString("25")))

	assert.True(t, s.ShouldTrade(mustTime("2026-02-28 23:00:00")).IsZero(),
		"before the window nothing should trade")
	assert.True(t, s.ShouldTrade(mustTime("2026-03-01 03:00:00")).Equal(decimal.RequireFromString("100")),
		"past the window the target caps at the total")
}

func TestSingleAmountIsPerMinuteSlice(t *testing.T) {
	exec := &fakeExec{}
	s := newTestTWAP(t, exec, twapTask(core.Buy, "120"))

	// 120 over 120 minutes is one per minute
	assert.True(t, s.SingleAmount().Equal(decimal.NewFromInt(1)))
}

func TestTWAPSliceSendsPassiveAndMarket(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	s := newTestTWAP(t, exec, twapTask(core.Buy, "120"))
	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.02", exec.now))

	s.OnTimer()

	require.Len(t, exec.sent, 2, "behind schedule with no fills: one passive plus one catch-up slice")
	passive, market := exec.sent[0], exec.sent[1]
	assert.True(t, passive.Price.Equal(decimal.RequireFromString("100.00")), "passive rests at the bid")
	assert.True(t, passive.Quantity.Equal(decimal.NewFromInt(1)), "passive carries the per-minute slice")
	assert.True(t, market.Price.GreaterThan(decimal.RequireFromString("100.02")), "catch-up crosses the ask")

	// Next timer tick inside the jitter interval does nothing
	s.OnTimer()
	assert.Len(t, exec.sent, 2)
}

func TestTWAPOnScheduleHoldsBack(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	s := newTestTWAP(t, exec, twapTask(core.Buy, "120"))
	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.02", exec.now))

	// Already executed the hour's worth
	fill(s.Ledger(), s.Symbol(), core.Buy, "60", "100")

	s.OnTimer()

	assert.Empty(t, exec.sent, "at or ahead of schedule the slice is skipped")
}

func TestTWAPCancelsRestingOrdersEachSlice(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	exec.active = []*core.Order{
		{RefID: "a1", Status: core.OrderSubmitted},
		{RefID: "a2", Status: core.OrderSubmitted},
	}
	s := newTestTWAP(t, exec, twapTask(core.Buy, "120"))
	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.02", exec.now))

	s.OnTimer()

	assert.Equal(t, []string{"a1", "a2"}, exec.cancels)
}

func TestTWAPStuckPendingOrdersAlarmAndClear(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	for i := 0; i < 5; i++ {
		exec.pending = append(exec.pending, &core.Order{Status: core.OrderPending})
	}
	s := newTestTWAP(t, exec, twapTask(core.Buy, "120"))
	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.02", exec.now))

	s.OnTimer()

	require.NotEmpty(t, exec.alarms)
	assert.Equal(t, core.AlarmOrderResponseException, exec.alarms[0])
	assert.Equal(t, 1, exec.cleared)
}

func TestTWAPEndgameSweepsRemainder(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:59:00")}
	s := newTestTWAP(t, exec, twapTask(core.Sell, "120"))
	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.02", exec.now))

	fill(s.Ledger(), s.Symbol(), core.Sell, "119", "100")

	s.OnTimer()

	require.Len(t, exec.sent, 1, "inside the endgame band a single marketable slice sweeps the rest")
	last := exec.sent[0]
	assert.True(t, last.Quantity.Equal(decimal.NewFromInt(1)), "got %s", last.Quantity)
	assert.True(t, last.Price.LessThan(decimal.RequireFromString("100.00")), "sell sweep crosses the bid")
}

func TestTWAPFinishesWhenTotalExecuted(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:30:00")}
	s := newTestTWAP(t, exec, twapTask(core.Buy, "100"))
	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.02", exec.now))

	fill(s.Ledger(), s.Symbol(), core.Buy, "100", "100")

	s.OnTimer()

	assert.Equal(t, core.TaskFinished, s.Status())
	assert.Empty(t, exec.sent)
}

func TestTWAPThresholdVetoesSlices(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	task := twapTask(core.Buy, "120")
	threshold := decimal.RequireFromString("90")
	task.PriceThreshold = &threshold
	s := newTestTWAP(t, exec, task)
	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.02", exec.now))

	s.OnTimer()

	assert.Empty(t, exec.sent, "buy above the threshold must not send")
}

func TestTWAPPausedDoesNothing(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	s := newTestTWAP(t, exec, twapTask(core.Buy, "120"))
	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.02", exec.now))
	s.SetStatus(core.TaskPaused, "")

	s.OnTimer()

	assert.Empty(t, exec.sent)
	assert.Empty(t, exec.cancels)
}

func TestTWAPJitterStaysWithinConfiguredBand(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	task := twapTask(core.Buy, "120")
	task.FixedIntervalMs = 60000
	task.RandomIntervalMs = 10000
	s := newTestTWAP(t, exec, task)

	orig := randFloat
	randFloat = func() float64 { return 1 }
	defer func() { randFloat = orig }()

	s.OnTimer()
	assert.Equal(t, exec.now.Add(70*time.Second), s.nextRun)
}

func TestDealSizeSignConventions(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}

	buy := newTestTWAP(t, exec, twapTask(core.Buy, "120"))
	fill(buy.Ledger(), buy.Symbol(), core.Buy, "5", "100")
	assert.True(t, buy.DealSize().Equal(decimal.NewFromInt(5)))

	sell := newTestTWAP(t, exec, twapTask(core.Sell, "120"))
	fill(sell.Ledger(), sell.Symbol(), core.Sell, "7", "100")
	assert.True(t, sell.DealSize().Equal(decimal.NewFromInt(7)))

	quoteTask := twapTask(core.Sell, "1000")
	quoteTask.CurrencyType = core.CurrencyQuote
	sellQuote := newTestTWAP(t, exec, quoteTask)
	fill(sellQuote.Ledger(), sellQuote.Symbol(), core.Sell, "7", "100")
	assert.True(t, sellQuote.DealSize().Equal(decimal.NewFromInt(700)),
		"quote-denominated tasks measure the quote leg")
}
