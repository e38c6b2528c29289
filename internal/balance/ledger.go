// Package balance tracks currency holdings and reconciles them off order responses
package balance

import (
	"execution_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Ledger holds per-currency balance records. Currencies appear lazily the
// first time they are touched; querying an unknown currency reads as zero.
type Ledger struct {
	records map[string]*core.BalanceRecord
	primed  bool
}

// NewLedger creates a ledger seeded with initial totals
func NewLedger(initial map[string]decimal.Decimal) *Ledger {
	l := &Ledger{records: make(map[string]*core.BalanceRecord), primed: true}
	for currency, total := range initial {
		l.records[currency] = &core.BalanceRecord{
			Total:     total,
			Available: total,
		}
	}
	return l
}

// NewPendingLedger creates an empty ledger that holds no usable data until
// the first pushed snapshot is loaded
func NewPendingLedger() *Ledger {
	return &Ledger{records: make(map[string]*core.BalanceRecord)}
}

// Primed reports whether the ledger has data worth reading
func (l *Ledger) Primed() bool { return l.primed }

// LoadSnapshot replaces the ledger contents with a pushed account snapshot
func (l *Ledger) LoadSnapshot(records map[string]core.BalanceRecord) {
	next := make(map[string]*core.BalanceRecord, len(records))
	for currency, rec := range records {
		r := rec
		next[currency] = &r
	}
	l.records = next
	l.primed = true
}

func (l *Ledger) record(currency string) *core.BalanceRecord {
	rec, ok := l.records[currency]
	if !ok {
		rec = &core.BalanceRecord{}
		l.records[currency] = rec
	}
	return rec
}

// TotalOf returns the total holding of a currency, zero if never seen
func (l *Ledger) TotalOf(currency string) decimal.Decimal {
	if rec, ok := l.records[currency]; ok {
		return rec.Total
	}
	return decimal.Zero
}

// AvailableOf returns the spendable holding of a currency, zero if never seen
func (l *Ledger) AvailableOf(currency string) decimal.Decimal {
	if rec, ok := l.records[currency]; ok {
		return rec.Available
	}
	return decimal.Zero
}

// ReservedOf returns the amount locked behind open orders, zero if never seen
func (l *Ledger) ReservedOf(currency string) decimal.Decimal {
	if rec, ok := l.records[currency]; ok {
		return rec.Reserved
	}
	return decimal.Zero
}

// IncreaseReserved locks funds when an order goes out: the base quantity for
// a sell, the quote notional for a buy
func (l *Ledger) IncreaseReserved(sym core.Symbol, direction core.Direction, quantity, price decimal.Decimal) {
	if direction == core.Sell {
		rec := l.record(sym.Base)
		rec.Reserved = rec.Reserved.Add(quantity)
		rec.Available = rec.Total.Sub(rec.Reserved)
		return
	}
	rec := l.record(sym.Quote)
	rec.Reserved = rec.Reserved.Add(quantity.Mul(price))
	rec.Available = rec.Total.Sub(rec.Reserved)
}

// DecreaseReserved releases funds locked by IncreaseReserved
func (l *Ledger) DecreaseReserved(sym core.Symbol, direction core.Direction, quantity, price decimal.Decimal) {
	if direction == core.Sell {
		rec := l.record(sym.Base)
		rec.Reserved = rec.Reserved.Sub(quantity)
		rec.Available = rec.Total.Sub(rec.Reserved)
		return
	}
	rec := l.record(sym.Quote)
	rec.Reserved = rec.Reserved.Sub(quantity.Mul(price))
	rec.Available = rec.Total.Sub(rec.Reserved)
}

// ApplyResponse reconciles the ledger against a gateway order response,
// comparing it to the engine's last known view of the order. It reports
// whether anything changed, so callers know when to hand the response on.
//
// Totals move at the order's original limit price. The executed average is
// kept on the order for statistics but deliberately not used here, so that
// reservations and totals stay expressed in the same unit and reserved funds
// drain to exactly zero over the order lifecycle.
func (l *Ledger) ApplyResponse(sym core.Symbol, origin *core.Order, info *core.OrderInfo) bool {
	switch info.Status {
	case core.OrderPending:
		return false
	case core.OrderRejected:
		l.DecreaseReserved(sym, origin.Direction, info.OriginalAmount, origin.Price)
		return false
	}

	sizeDiff := info.FilledAmount.Sub(origin.Filled)
	amountDiff := sizeDiff.Mul(origin.Price)

	switch info.Status {
	case core.OrderPartiallyFilled, core.OrderFilled:
		l.DecreaseReserved(sym, origin.Direction, sizeDiff, origin.Price)
	case core.OrderCancelled:
		l.DecreaseReserved(sym, origin.Direction, info.OriginalAmount.Sub(origin.Filled), origin.Price)
	}

	factor := origin.Direction.Factor()

	base := l.record(sym.Base)
	base.Total = base.Total.Add(sizeDiff.Mul(factor))
	base.Available = base.Total.Sub(base.Reserved)

	quote := l.record(sym.Quote)
	quote.Total = quote.Total.Sub(amountDiff.Mul(factor))
	quote.Available = quote.Total.Sub(quote.Reserved)

	return true
}

// Records exposes the live record map for status reporting
func (l *Ledger) Records() map[string]*core.BalanceRecord {
	return l.records
}

// Snapshot returns a copy of all records
func (l *Ledger) Snapshot() map[string]core.BalanceRecord {
	out := make(map[string]core.BalanceRecord, len(l.records))
	for currency, rec := range l.records {
		out[currency] = *rec
	}
	return out
}

// CheckInvariant reports the first currency whose available balance drifts
// from total minus reserved, or an empty string if the ledger is consistent
func (l *Ledger) CheckInvariant() string {
	for currency, rec := range l.records {
		if !rec.Available.Equal(rec.Total.Sub(rec.Reserved)) {
			return currency
		}
	}
	return ""
}
