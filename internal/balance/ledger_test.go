package balance

import (
	"testing"

	"execution_engine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var btcusdt = core.Symbol{Name: "BTCUSDT", Base: "BTC", Quote: "USDT"}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func seed() *Ledger {
	return NewLedger(map[string]decimal.Decimal{
		"BTC":  d("10"),
		"USDT": d("0"),
	})
}

func buyOrder(qty, price string) *core.Order {
	return &core.Order{
		RefID:     "20190725152929_00000001",
		Symbol:    "BTCUSDT",
		Direction: core.Buy,
		Price:     d(price),
		Quantity:  d(qty),
		Filled:    decimal.Zero,
		Status:    core.OrderPending,
	}
}

func TestUnknownCurrencyReadsZero(t *testing.T) {
	l := seed()
	assert.True(t, l.TotalOf("DOGE").IsZero())
	assert.True(t, l.AvailableOf("DOGE").IsZero())
	assert.True(t, l.ReservedOf("DOGE").IsZero())
}

func TestReserveBuyLocksQuote(t *testing.T) {
	l := NewLedger(map[string]decimal.Decimal{"USDT": d("500")})
	l.IncreaseReserved(btcusdt, core.Buy, d("2"), d("100"))

	assert.True(t, d("200").Equal(l.ReservedOf("USDT")))
	assert.True(t, d("300").Equal(l.AvailableOf("USDT")))
	assert.True(t, d("500").Equal(l.TotalOf("USDT")))
	assert.Empty(t, l.CheckInvariant())
}

func TestReserveSellLocksBase(t *testing.T) {
	l := seed()
	l.IncreaseReserved(btcusdt, core.Sell, d("3"), d("100"))

	assert.True(t, d("3").Equal(l.ReservedOf("BTC")))
	assert.True(t, d("7").Equal(l.AvailableOf("BTC")))
	assert.Empty(t, l.CheckInvariant())
}

func TestApplyResponseFullFill(t *testing.T) {
	// Buying 1 BTC at 100 from {BTC: 10} leaves {BTC: 11, USDT: -100}
	l := seed()
	order := buyOrder("1", "100")
	l.IncreaseReserved(btcusdt, order.Direction, order.Quantity, order.Price)

	changed := l.ApplyResponse(btcusdt, order, &core.OrderInfo{
		OriginalAmount:   d("1"),
		FilledAmount:     d("1"),
		AvgExecutedPrice: d("99.5"),
		Status:           core.OrderFilled,
	})

	require.True(t, changed)
	assert.True(t, d("11").Equal(l.TotalOf("BTC")))
	assert.True(t, d("-100").Equal(l.TotalOf("USDT")))
	assert.True(t, l.ReservedOf("USDT").IsZero(), "reserved must drain to zero")
	assert.Empty(t, l.CheckInvariant())
}

func TestApplyResponseUsesOriginalPriceNotFillPrice(t *testing.T) {
	l := seed()
	order := buyOrder("1", "100")
	l.IncreaseReserved(btcusdt, order.Direction, order.Quantity, order.Price)

	l.ApplyResponse(btcusdt, order, &core.OrderInfo{
		OriginalAmount:   d("1"),
		FilledAmount:     d("1"),
		AvgExecutedPrice: d("90"),
		Status:           core.OrderFilled,
	})

	// Quote moves by the limit notional so the reservation nets out exactly
	assert.True(t, d("-100").Equal(l.TotalOf("USDT")))
}

func TestApplyResponsePendingIsNoop(t *testing.T) {
	l := seed()
	order := buyOrder("1", "100")
	l.IncreaseReserved(btcusdt, order.Direction, order.Quantity, order.Price)
	before := l.Snapshot()

	changed := l.ApplyResponse(btcusdt, order, &core.OrderInfo{
		OriginalAmount: d("1"),
		Status:         core.OrderPending,
	})

	assert.False(t, changed)
	assert.Equal(t, before, l.Snapshot())
}

func TestApplyResponseRejectedReleasesReservation(t *testing.T) {
	l := seed()
	order := buyOrder("1", "100")
	l.IncreaseReserved(btcusdt, order.Direction, order.Quantity, order.Price)

	changed := l.ApplyResponse(btcusdt, order, &core.OrderInfo{
		OriginalAmount: d("1"),
		Status:         core.OrderRejected,
	})

	assert.False(t, changed)
	assert.True(t, l.ReservedOf("USDT").IsZero())
	assert.True(t, l.TotalOf("USDT").IsZero())
	assert.True(t, d("10").Equal(l.TotalOf("BTC")))
	assert.Empty(t, l.CheckInvariant())
}

func TestApplyResponsePartialThenCancelDrainsReserved(t *testing.T) {
	l := seed()
	order := buyOrder("2", "100")
	l.IncreaseReserved(btcusdt, order.Direction, order.Quantity, order.Price)

	// Half fills
	changed := l.ApplyResponse(btcusdt, order, &core.OrderInfo{
		OriginalAmount: d("2"),
		FilledAmount:   d("1"),
		Status:         core.OrderPartiallyFilled,
	})
	require.True(t, changed)
	order.Filled = d("1")

	assert.True(t, d("100").Equal(l.ReservedOf("USDT")))
	assert.True(t, d("11").Equal(l.TotalOf("BTC")))

	// Remainder is cancelled
	changed = l.ApplyResponse(btcusdt, order, &core.OrderInfo{
		OriginalAmount: d("2"),
		FilledAmount:   d("1"),
		Status:         core.OrderCancelled,
	})
	require.True(t, changed)

	assert.True(t, l.ReservedOf("USDT").IsZero(), "reservation fully released after cancel")
	assert.True(t, d("11").Equal(l.TotalOf("BTC")))
	assert.True(t, d("-100").Equal(l.TotalOf("USDT")))
	assert.Empty(t, l.CheckInvariant())
}

func TestApplyResponseSellMutatesBothLegs(t *testing.T) {
	l := seed()
	order := &core.Order{
		RefID:     "20190725152929_00000002",
		Symbol:    "BTCUSDT",
		Direction: core.Sell,
		Price:     d("100"),
		Quantity:  d("2"),
		Filled:    decimal.Zero,
	}
	l.IncreaseReserved(btcusdt, order.Direction, order.Quantity, order.Price)

	l.ApplyResponse(btcusdt, order, &core.OrderInfo{
		OriginalAmount: d("2"),
		FilledAmount:   d("2"),
		Status:         core.OrderFilled,
	})

	assert.True(t, d("8").Equal(l.TotalOf("BTC")))
	assert.True(t, d("200").Equal(l.TotalOf("USDT")))
	assert.True(t, l.ReservedOf("BTC").IsZero())
	assert.Empty(t, l.CheckInvariant())
}

func TestCancelLateFillBetweenInspects(t *testing.T) {
	// An order half-known as unfilled gets more fills on the venue before the
	// cancel lands: the cancel response reconciles both at once.
	l := seed()
	order := buyOrder("2", "100")
	l.IncreaseReserved(btcusdt, order.Direction, order.Quantity, order.Price)

	changed := l.ApplyResponse(btcusdt, order, &core.OrderInfo{
		OriginalAmount: d("2"),
		FilledAmount:   d("0.5"),
		Status:         core.OrderCancelled,
	})
	require.True(t, changed)

	assert.True(t, d("10.5").Equal(l.TotalOf("BTC")))
	assert.True(t, d("-50").Equal(l.TotalOf("USDT")))
	assert.True(t, l.ReservedOf("USDT").IsZero())
	assert.Empty(t, l.CheckInvariant())
}

func TestPendingLedgerPrimesOnFirstSnapshot(t *testing.T) {
	l := NewPendingLedger()
	require.False(t, l.Primed())
	assert.True(t, l.AvailableOf("BTC").IsZero())

	l.LoadSnapshot(map[string]core.BalanceRecord{
		"BTC": {Total: d("3"), Available: d("2"), Reserved: d("1")},
	})

	assert.True(t, l.Primed())
	assert.True(t, d("3").Equal(l.TotalOf("BTC")))
	assert.True(t, d("2").Equal(l.AvailableOf("BTC")))

	// The next snapshot replaces, never merges
	l.LoadSnapshot(map[string]core.BalanceRecord{
		"ETH": {Total: d("7"), Available: d("7")},
	})
	assert.True(t, l.TotalOf("BTC").IsZero())
	assert.True(t, d("7").Equal(l.TotalOf("ETH")))
}
