// Package oms keeps the engine-side view of every order a task has sent
package oms

import (
	"fmt"
	"time"

	"execution_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Store holds a task's orders partitioned by lifecycle stage. An order lives
// in exactly one of the three maps at any time: pending until the gateway
// acknowledges it, active while working on the venue, finished once terminal.
type Store struct {
	pending  map[string]*core.Order
	active   map[string]*core.Order
	finished map[string]*core.Order

	// exchange|symbol|exchange_order_id -> ref_id, for venue push lookups
	index map[string]string

	orderCount int64
	logger     core.ILogger
}

// NewStore creates an empty order store
func NewStore(logger core.ILogger) *Store {
	return &Store{
		pending:  make(map[string]*core.Order),
		active:   make(map[string]*core.Order),
		finished: make(map[string]*core.Order),
		index:    make(map[string]string),
		logger:   logger.WithField("component", "oms"),
	}
}

// NextRefID mints the next order reference id for this task
func (s *Store) NextRefID(now time.Time) string {
	s.orderCount++
	return core.RefID(now, s.orderCount)
}

// RestoreCount resets the ref id counter after reloading persisted orders,
// so freshly minted ids never collide with restored ones
func (s *Store) RestoreCount() {
	max := int64(0)
	for _, m := range []map[string]*core.Order{s.pending, s.active, s.finished} {
		for refID := range m {
			if n := core.RefIDCounter(refID); n > max {
				max = n
			}
		}
	}
	s.orderCount = max
}

func indexKey(exchange, symbol, orderID string) string {
	return fmt.Sprintf("%s|%s|%s", exchange, symbol, orderID)
}

// AddPending records a freshly sent order awaiting gateway acceptance
func (s *Store) AddPending(order *core.Order) {
	order.Status = core.OrderPending
	s.pending[order.RefID] = order
}

// Pending returns the pending order for a ref id
func (s *Store) Pending(refID string) (*core.Order, bool) {
	o, ok := s.pending[refID]
	return o, ok
}

// Active returns the active order for a ref id
func (s *Store) Active(refID string) (*core.Order, bool) {
	o, ok := s.active[refID]
	return o, ok
}

// Finished returns the finished order for a ref id
func (s *Store) Finished(refID string) (*core.Order, bool) {
	o, ok := s.finished[refID]
	return o, ok
}

// Lookup finds an order in any stage
func (s *Store) Lookup(refID string) (*core.Order, bool) {
	if o, ok := s.pending[refID]; ok {
		return o, true
	}
	if o, ok := s.active[refID]; ok {
		return o, true
	}
	if o, ok := s.finished[refID]; ok {
		return o, true
	}
	return nil, false
}

// LookupByVenueOrder resolves a venue push to the engine's order via the
// fast-path index
func (s *Store) LookupByVenueOrder(exchange, symbol, orderID string) (*core.Order, bool) {
	refID, ok := s.index[indexKey(exchange, symbol, orderID)]
	if !ok {
		return nil, false
	}
	return s.Lookup(refID)
}

// Accept moves a pending order to active once the gateway acknowledges it.
// Registering the venue order id also indexes it for push lookups.
func (s *Store) Accept(refID, exchangeOrderID, accountID string, indexVenueID bool) (*core.Order, bool) {
	order, ok := s.pending[refID]
	if !ok {
		return nil, false
	}
	delete(s.pending, refID)
	order.Status = core.OrderSubmitted
	if exchangeOrderID != "" {
		order.ExchangeOrderID = exchangeOrderID
		if indexVenueID {
			s.index[indexKey(order.Exchange, order.Symbol, exchangeOrderID)] = refID
		}
	}
	if accountID != "" {
		order.AccountID = accountID
	}
	s.active[refID] = order
	return order, true
}

// Reject moves a pending order straight to finished
func (s *Store) Reject(refID string) (*core.Order, bool) {
	order, ok := s.pending[refID]
	if !ok {
		return nil, false
	}
	delete(s.pending, refID)
	order.Status = core.OrderRejected
	s.finished[refID] = order
	return order, true
}

// UpdateFill applies fill progress to an active order. Fills only move
// forward: a response carrying less executed quantity than already known is
// stale and gets dropped.
func (s *Store) UpdateFill(refID string, filled, avgPrice decimal.Decimal) (*core.Order, bool) {
	order, ok := s.active[refID]
	if !ok {
		return nil, false
	}
	if filled.LessThan(order.Filled) {
		s.logger.Warn("Dropping stale fill update",
			"ref_id", refID, "known", order.Filled, "reported", filled)
		return nil, false
	}
	order.Filled = filled
	if avgPrice.IsPositive() {
		order.AvgPrice = avgPrice
	}
	order.Status = core.OrderPartiallyFilled
	return order, true
}

// Finish moves an active order to finished with its terminal status
func (s *Store) Finish(refID string, status core.OrderStatus, filled, avgPrice decimal.Decimal) (*core.Order, bool) {
	order, ok := s.active[refID]
	if !ok {
		return nil, false
	}
	delete(s.active, refID)
	order.Status = status
	if filled.IsPositive() {
		order.Filled = filled
	}
	if avgPrice.IsPositive() {
		order.AvgPrice = avgPrice
	}
	s.finished[refID] = order
	return order, true
}

// ClearTimeoutPending drops pending orders older than the timeout. The
// gateway never answered for these; keeping them would wedge the strategy's
// no-pending gates forever.
func (s *Store) ClearTimeoutPending(timeout time.Duration, now time.Time) []*core.Order {
	var dropped []*core.Order
	for refID, order := range s.pending {
		created, err := core.ParseTimestamp(order.CreateTime)
		if err != nil {
			continue
		}
		if now.Sub(created) > timeout {
			delete(s.pending, refID)
			order.Status = core.OrderRejected
			s.finished[refID] = order
			dropped = append(dropped, order)
			s.logger.Warn("Cleared timed out pending order", "ref_id", refID, "age", now.Sub(created).String())
		}
	}
	return dropped
}

// PendingOrders returns pending orders, optionally filtered by strategy
func (s *Store) PendingOrders(strategyID string) []*core.Order {
	return filterOrders(s.pending, strategyID)
}

// ActiveOrders returns active orders, optionally filtered by strategy
func (s *Store) ActiveOrders(strategyID string) []*core.Order {
	return filterOrders(s.active, strategyID)
}

// FinishedOrders returns finished orders, optionally filtered by strategy
func (s *Store) FinishedOrders(strategyID string) []*core.Order {
	return filterOrders(s.finished, strategyID)
}

func filterOrders(m map[string]*core.Order, strategyID string) []*core.Order {
	out := make([]*core.Order, 0, len(m))
	for _, o := range m {
		if strategyID == "" || o.Notes.StrategyID == strategyID {
			out = append(out, o)
		}
	}
	return out
}

// CountUnfinished counts orders not yet terminal
func (s *Store) CountUnfinished() int {
	return len(s.pending) + len(s.active)
}

// Snapshot exports all three stages for persistence
func (s *Store) Snapshot() (pending, active, finished map[string]*core.Order) {
	return s.pending, s.active, s.finished
}

// Restore replaces the store contents from a persisted snapshot and rebuilds
// the venue order index
func (s *Store) Restore(pending, active, finished map[string]*core.Order, indexVenueID bool) {
	if pending != nil {
		s.pending = pending
	}
	if active != nil {
		s.active = active
	}
	if finished != nil {
		s.finished = finished
	}
	s.index = make(map[string]string)
	if indexVenueID {
		for refID, order := range s.active {
			if order.ExchangeOrderID != "" {
				s.index[indexKey(order.Exchange, order.Symbol, order.ExchangeOrderID)] = refID
			}
		}
	}
	s.RestoreCount()
}

// Statistics aggregates execution quality over active and finished orders
func (s *Store) Statistics(strategyID string) core.OrderStatistics {
	stats := core.OrderStatistics{StrategyID: strategyID}
	add := func(o *core.Order) {
		stats.OrderCount++
		switch o.Status {
		case core.OrderFilled:
			stats.FilledCount++
		case core.OrderCancelled:
			stats.CancelCount++
		case core.OrderRejected:
			stats.RejectCount++
		}
		if o.Filled.IsPositive() {
			stats.TotalFilled = stats.TotalFilled.Add(o.Filled)
			price := o.AvgPrice
			if !price.IsPositive() {
				price = o.Price
			}
			stats.TotalNotional = stats.TotalNotional.Add(o.Filled.Mul(price))
		}
	}
	for _, o := range s.ActiveOrders(strategyID) {
		add(o)
	}
	for _, o := range s.FinishedOrders(strategyID) {
		add(o)
	}
	if stats.TotalFilled.IsPositive() {
		stats.AvgPrice = stats.TotalNotional.Div(stats.TotalFilled)
	}
	return stats
}
