package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		name      string
		price     string
		precision string
		expected  string
	}{
		{"rounds down to step", "100.0004", "0.001", "100"},
		{"rounds up to step", "100.0006", "0.001", "100.001"},
		{"coarse integer step", "10233", "10", "10230"},
		{"already aligned", "100.001", "0.001", "100.001"},
		{"half step", "100.3", "0.5", "100.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatPrice(d(tt.price), d(tt.precision))
			assert.True(t, d(tt.expected).Equal(got), "got %s", got)
		})
	}
}

func TestFormatPriceIdempotent(t *testing.T) {
	prices := []string{"123.4567", "0.00012345", "98765.4321"}
	precisions := []string{"0.01", "0.0001", "0.5", "1"}
	for _, p := range prices {
		for _, prec := range precisions {
			once := FormatPrice(d(p), d(prec))
			twice := FormatPrice(once, d(prec))
			assert.True(t, once.Equal(twice), "price %s precision %s: %s != %s", p, prec, once, twice)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	assert.True(t, d("1.23").Equal(FormatAmount(d("1.239"), d("0.01"))))
	assert.True(t, d("0").Equal(FormatAmount(d("0.009"), d("0.01"))))
	// Floors, never rounds up
	assert.True(t, d("5").Equal(FormatAmount(d("5.999"), d("1"))))
}

func TestFormatAmountIdempotent(t *testing.T) {
	amounts := []string{"1.239", "0.00098765", "432.1"}
	for _, a := range amounts {
		once := FormatAmount(d(a), d("0.001"))
		twice := FormatAmount(once, d("0.001"))
		assert.True(t, once.Equal(twice))
	}
}

func TestAmountAdjust(t *testing.T) {
	minSize := d("0.01")
	prec := d("0.001")

	// Non-positive collapses to zero
	assert.True(t, AmountAdjust(d("0"), minSize, prec).IsZero())
	assert.True(t, AmountAdjust(d("-5"), minSize, prec).IsZero())

	// Comfortably above the minimum passes through untouched
	assert.True(t, d("0.05").Equal(AmountAdjust(d("0.05"), minSize, prec)))

	// Dust gets lifted to the smallest sendable size
	assert.True(t, d("0.01").Equal(AmountAdjust(d("0.002"), minSize, prec)))

	// Exactly min+prec passes through
	assert.True(t, d("0.011").Equal(AmountAdjust(d("0.011"), minSize, prec)))
}

func TestMinOrderSize(t *testing.T) {
	// Quote minimum converted at the reference price dominates
	got := MinOrderSize(d("0.001"), d("10"), d("100"))
	assert.True(t, d("0.1").Equal(got))

	// Base minimum dominates when the converted quote min is smaller
	got = MinOrderSize(d("0.5"), d("10"), d("100"))
	assert.True(t, d("0.5").Equal(got))

	// No quote minimum declared
	got = MinOrderSize(d("0.001"), decimal.Zero, d("100"))
	assert.True(t, d("0.001").Equal(got))
}

func TestCalOrderSizeByObTr(t *testing.T) {
	orig := randFloat
	randFloat = func() float64 { return 0 }
	defer func() { randFloat = orig }()

	// Plain blend: 0.7*10 + 0.3*20 = 13
	got := CalOrderSizeByObTr(d("10"), d("20"), d("0.1"), d("1000"))
	assert.True(t, d("13").Equal(got), "got %s", got)

	// Capped at half the maximum
	got = CalOrderSizeByObTr(d("1000"), d("1000"), d("0.1"), d("100"))
	assert.True(t, d("50").Equal(got))

	// Floored at twice the minimum
	got = CalOrderSizeByObTr(d("0.01"), d("0.01"), d("5"), d("1000"))
	assert.True(t, d("10").Equal(got))
}

func TestCalOrderSizeByObTrJitterBounds(t *testing.T) {
	base := CalOrderSizeByObTr(d("10"), d("20"), d("0.1"), d("1000"))
	// With live randomness the result stays within [base, base*1.3]
	for i := 0; i < 20; i++ {
		got := CalOrderSizeByObTr(d("10"), d("20"), d("0.1"), d("1000"))
		assert.True(t, got.GreaterThanOrEqual(d("13")))
		assert.True(t, got.LessThanOrEqual(d("16.9")))
	}
	_ = base
}

func TestOrderSizeCal(t *testing.T) {
	// Market traded 100, ref volume 10/min with 10 minutes left, total 50 with
	// 10 executed: target = 100/(10*10+40+100) = 100/240
	got := OrderSizeCal(d("10"), d("100"), d("10"), d("50"), d("10"))
	target := d("100").Div(d("240"))
	real := d("10").Div(d("50"))
	expected := target.Sub(real).Mul(d("50"))
	assert.True(t, expected.Equal(got), "got %s want %s", got, expected)

	// Already ahead of schedule: no order
	got = OrderSizeCal(d("10"), d("1"), d("10"), d("50"), d("49"))
	assert.True(t, got.IsZero())

	// Degenerate inputs never panic
	assert.True(t, OrderSizeCal(decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero).IsZero())
}

func TestGetMaintainAmount(t *testing.T) {
	// Mid coin is the median base: keep twice the amount in base terms
	got := GetMaintainAmount(d("5"), d("100"), "EOS", "EOS")
	assert.True(t, d("10").Equal(got))

	// Otherwise convert through the price
	got = GetMaintainAmount(d("5"), d("100"), "EOS", "USDT")
	assert.True(t, d("1000").Equal(got))
}

func TestDecimalsFromPrecision(t *testing.T) {
	assert.Equal(t, int32(3), DecimalsFromPrecision(d("0.001")))
	assert.Equal(t, int32(0), DecimalsFromPrecision(d("1")))
	assert.Equal(t, int32(0), DecimalsFromPrecision(d("10")))
	assert.Equal(t, int32(1), DecimalsFromPrecision(d("0.5")))
}
