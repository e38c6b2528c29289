package strategy

import (
	"testing"
	"time"

	"execution_engine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func icebergTask(direction core.Direction) *core.StrategyTask {
	return &core.StrategyTask{
		StrategyID:   "st-ice",
		Algorithm:    core.AlgoIceberg,
		Exchange:     "Binance",
		Account:      "acc1",
		Symbol:       []string{"BTCUSDT", "BTC", "USDT"},
		Direction:    direction,
		CurrencyType: core.CurrencyBase,
		TotalSize:    decimal.RequireFromString("10"),
		VolumeFilter: decimal.RequireFromString("4"),
		InitialBalance: map[string]decimal.Decimal{
			"BTC":  decimal.RequireFromString("50"),
			"USDT": decimal.RequireFromString("5000000"),
		},
	}
}

func newTestIceberg(t *testing.T, exec *fakeExec, task *core.StrategyTask) *Iceberg {
	t.Helper()
	s, err := NewIceberg(task, btcusdtCoinCfg(), testEnv(exec))
	require.NoError(t, err)
	return s
}

func TestIcebergPlacesOneOrderInsideVolumeLevel(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	s := newTestIceberg(t, exec, icebergTask(core.Buy))

	// Top bid shows 3, second level 5: cumulative 8 crosses the filter of 4
	// at the second level, and the quote steps one tick inside it
	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.02", exec.now))

	require.Len(t, exec.sent, 1)
	o := exec.sent[0]
	assert.True(t, o.Price.Equal(decimal.RequireFromString("99.01")), "got %s", o.Price)
	assert.Equal(t, core.Buy, o.Direction)

	// Sized off the book average, before jitter 0.7*avg = 1.12
	assert.True(t, o.Quantity.GreaterThanOrEqual(decimal.RequireFromString("1.11")), "got %s", o.Quantity)
	assert.True(t, o.Quantity.LessThanOrEqual(decimal.RequireFromString("1.46")), "got %s", o.Quantity)
}

func TestIcebergRepriceCancelsWithoutReplacing(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	exec.active = []*core.Order{{
		RefID:  "stale-1",
		Symbol: "BTCUSDT",
		Price:  decimal.RequireFromString("98.00"),
		Status: core.OrderSubmitted,
	}}
	s := newTestIceberg(t, exec, icebergTask(core.Buy))

	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.02", exec.now))

	// A moved book triggers exactly one cancel; the replacement waits for
	// the next book event so the two orders can never overlap
	assert.Equal(t, []string{"stale-1"}, exec.cancels)
	assert.Empty(t, exec.sent)
}

func TestIcebergKeepsOrderAlreadyAtLevel(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	exec.active = []*core.Order{{
		RefID:  "good-1",
		Symbol: "BTCUSDT",
		Price:  decimal.RequireFromString("99.01"),
		Status: core.OrderSubmitted,
	}}
	s := newTestIceberg(t, exec, icebergTask(core.Buy))

	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.02", exec.now))

	assert.Empty(t, exec.cancels)
	assert.Empty(t, exec.sent)
}

func TestIcebergSpacesOrders(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	s := newTestIceberg(t, exec, icebergTask(core.Buy))

	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.02", exec.now))
	require.Len(t, exec.sent, 1)

	// Orders already drain from active in the fake, so only the spacing
	// gate prevents a second send here
	exec.now = exec.now.Add(2 * time.Second)
	s.OnOrderbookReady(bookAt("BTCUSDT", "100.10", "100.12", exec.now))
	assert.Len(t, exec.sent, 1)

	exec.now = exec.now.Add(4 * time.Second)
	s.OnOrderbookReady(bookAt("BTCUSDT", "100.10", "100.12", exec.now))
	assert.Len(t, exec.sent, 2)
}

func TestIcebergWaitsForPendingResponses(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	exec.pending = []*core.Order{{RefID: "p1", Status: core.OrderPending}}
	s := newTestIceberg(t, exec, icebergTask(core.Sell))

	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.02", exec.now))

	assert.Empty(t, exec.sent)
	assert.Empty(t, exec.cancels)
}

func TestIcebergMakerOneTickSpreadDoesNotCross(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	task := icebergTask(core.Buy)
	task.TradeRole = core.RoleMaker
	task.VolumeFilter = decimal.Zero
	s := newTestIceberg(t, exec, task)

	s.OnOrderbookReady(bookAt("BTCUSDT", "100.00", "100.01", exec.now))

	require.Len(t, exec.sent, 1)
	assert.True(t, exec.sent[0].Price.Equal(decimal.RequireFromString("100.00")),
		"a one-tick spread pins the maker to the touch, got %s", exec.sent[0].Price)
	assert.True(t, exec.sent[0].PostOnly)
}

func TestIcebergFinishDrainsBeforeCompleting(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	exec.active = []*core.Order{{RefID: "a1", Symbol: "BTCUSDT", Status: core.OrderSubmitted}}
	s := newTestIceberg(t, exec, icebergTask(core.Buy))
	s.SetStatus(core.TaskRunning, "")

	s.OnFinish()
	assert.Equal(t, []string{"a1"}, exec.cancels)
	assert.NotEqual(t, core.TaskFinished, s.Status(), "still waiting for the cancel to land")

	exec.active = nil
	s.OnFinish()
	assert.Equal(t, core.TaskFinished, s.Status())
}

func TestIcebergAggressiveTakesOppositeTouch(t *testing.T) {
	exec := &fakeExec{now: mustTime("2026-03-01 01:00:00")}
	task := icebergTask(core.Buy)
	task.ExecutionMode = core.ModeAggressive
	s := newTestIceberg(t, exec, task)
	s.SetStatus(core.TaskRunning, "")
	s.SetTopOfBook(decimal.RequireFromString("100.00"), decimal.RequireFromString("100.02"))
	s.topSize = decimal.RequireFromString("2")

	s.OnTimer()

	require.Len(t, exec.sent, 1)
	o := exec.sent[0]
	assert.True(t, o.Price.Equal(decimal.RequireFromString("100.02")), "takes the ask")
	assert.True(t, o.Quantity.Equal(decimal.RequireFromString("2")), "matches the displayed size")
	assert.False(t, o.PostOnly)

	// Inside the aggressive interval nothing more goes out
	exec.now = exec.now.Add(time.Minute)
	s.OnTimer()
	assert.Len(t, exec.sent, 1)
}
