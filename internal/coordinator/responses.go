package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"execution_engine/internal/core"
	apperrors "execution_engine/pkg/errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// onTradeResponseMessage is the bus handler for the gateway response channel
func (m *StrategyMaster) onTradeResponseMessage(message []byte) {
	var resp core.TradeResponse
	if err := json.Unmarshal(message, &resp); err != nil {
		m.logger.Error("Malformed trade response", "error", err)
		return
	}
	m.Enqueue(func() { m.processResponse(&resp) })
}

func (m *StrategyMaster) processResponse(resp *core.TradeResponse) {
	if resp.TaskID != "" && resp.TaskID != m.task.TaskID {
		return
	}
	if resp.Strategy != "" && resp.Strategy != m.deps.Cfg.App.StrategyName {
		return
	}
	s, ok := m.strategyFor(resp)
	if !ok {
		m.logger.Debug("Response for unknown strategy dropped", "ref_id", resp.RefID)
		return
	}

	if sentAt, ok := m.requestSentAt[resp.RefID]; ok && m.responseLatency != nil {
		m.responseLatency.Record(context.Background(),
			float64(m.clock().Sub(sentAt).Milliseconds()),
			metric.WithAttributes(attribute.String("action", string(resp.Action))))
	}

	switch resp.Action {
	case core.ActionPlaceOrder:
		m.handleSendResponse(s, resp)
	case core.ActionCancelOrder, core.ActionCancelAllOrders:
		m.handleCancelResponse(s, resp)
	case core.ActionInspectOrder:
		m.handleInspectResponse(s, resp)
	default:
		m.logger.Warn("Response with unknown action", "action", resp.Action, "ref_id", resp.RefID)
	}
}

// handleSendResponse resolves a placement: the ref must still be pending,
// anything else is a duplicate the gateway redelivered
func (m *StrategyMaster) handleSendResponse(s core.IStrategy, resp *core.TradeResponse) {
	origin, ok := m.store.Pending(resp.RefID)
	if !ok {
		m.logger.Debug("Duplicate placement response dropped", "ref_id", resp.RefID)
		return
	}

	if !resp.Result {
		m.handleGatewayError(s, resp)
		if resp.OrderInfo == nil {
			resp.OrderInfo = &core.OrderInfo{Status: core.OrderRejected}
		}
		if resp.OrderInfo.Status == "" {
			resp.OrderInfo.Status = core.OrderRejected
		}
		// Gateways report failures with a bare or partial order_info; the
		// rejection must still release the full reservation
		if !resp.OrderInfo.OriginalAmount.IsPositive() {
			resp.OrderInfo.OriginalAmount = origin.Quantity
		}
		m.applyOrderInfo(s, resp)
		return
	}

	var orderID, accountID string
	if resp.OrderInfo != nil {
		orderID, accountID = resp.OrderInfo.OrderID, resp.OrderInfo.AccountID
	}
	indexVenue := m.deps.Cfg.Exchanges.OrderUpdate[s.Task().Exchange]
	m.store.Accept(resp.RefID, orderID, accountID, indexVenue)

	if resp.OrderInfo != nil && resp.OrderInfo.Status != "" && resp.OrderInfo.Status != core.OrderSubmitted {
		// Some venues fill inside the placement ack
		m.applyOrderInfo(s, resp)
	}
}

// handleCancelResponse never finishes the order by itself: every cancel is
// confirmed by a follow-up inspection
func (m *StrategyMaster) handleCancelResponse(s core.IStrategy, resp *core.TradeResponse) {
	origin, ok := m.store.Active(resp.RefID)
	if !ok {
		m.logger.Debug("Cancel response for non-active order dropped", "ref_id", resp.RefID)
		return
	}

	if !resp.Result {
		origin.PendingCancel = false
		if !apperrors.IsCancelUnknown(resp.ErrorCode, resp.ErrorMsg) {
			m.handleGatewayError(s, resp)
		}
	}
	if err := m.InspectOrder(resp.RefID); err != nil {
		m.logger.Error("Post-cancel inspect failed", "ref_id", resp.RefID, "error", err)
	}
}

func (m *StrategyMaster) handleInspectResponse(s core.IStrategy, resp *core.TradeResponse) {
	if resp.Result {
		m.applyOrderInfo(s, resp)
		return
	}

	// A venue that no longer knows the order is telling us the cancel
	// already landed: synthesize the terminal state instead of erroring
	if apperrors.IsCancelUnknown(resp.ErrorCode, resp.ErrorMsg) {
		origin, ok := m.store.Lookup(resp.RefID)
		if !ok {
			return
		}
		info := resp.OrderInfo
		if info == nil || info.Status == "" {
			info = &core.OrderInfo{
				OriginalAmount:   origin.Quantity,
				FilledAmount:     origin.Filled,
				AvgExecutedPrice: origin.AvgPrice,
			}
		}
		info.Status = core.OrderCancelled
		synthetic := *resp
		synthetic.Result = true
		synthetic.OrderInfo = info
		m.applyOrderInfo(s, &synthetic)
		return
	}
	m.handleGatewayError(s, resp)
}

// applyOrderInfo is the single reconciliation path: global ledger, then the
// strategy's own ledger and reaction, then the store move, in that order so
// both ledgers see the pre-move fill state. Redelivered terminal responses
// and inspections that report less than the known fill are dropped before
// either ledger is touched.
func (m *StrategyMaster) applyOrderInfo(s core.IStrategy, resp *core.TradeResponse) {
	info := resp.OrderInfo
	if info == nil {
		return
	}
	origin, ok := m.store.Lookup(resp.RefID)
	if !ok {
		m.logger.Debug("Order info for unknown ref dropped", "ref_id", resp.RefID)
		return
	}
	if _, done := m.store.Finished(resp.RefID); done {
		m.logger.Debug("Order info for finished ref dropped", "ref_id", resp.RefID)
		return
	}
	if info.FilledAmount.LessThan(origin.Filled) {
		m.logger.Warn("Stale order info dropped",
			"ref_id", resp.RefID, "known", origin.Filled, "reported", info.FilledAmount)
		return
	}

	sym := m.symbolForOrder(origin)
	m.ledger.ApplyResponse(sym, origin, info)
	s.OnResponse(resp)

	attrs := metric.WithAttributes(attribute.String("strategy", origin.Notes.StrategyID))
	switch info.Status {
	case core.OrderPartiallyFilled:
		m.store.UpdateFill(resp.RefID, info.FilledAmount, info.AvgExecutedPrice)
	case core.OrderFilled:
		m.finishOrder(resp.RefID, info)
		if m.ordersFilled != nil {
			m.ordersFilled.Add(context.Background(), 1, attrs)
		}
	case core.OrderCancelled:
		m.finishOrder(resp.RefID, info)
		if m.ordersCancelled != nil {
			m.ordersCancelled.Add(context.Background(), 1, attrs)
		}
	case core.OrderRejected:
		m.store.Reject(resp.RefID)
		m.archiveOrder(resp.RefID)
		if m.ordersRejected != nil {
			m.ordersRejected.Add(context.Background(), 1, attrs)
		}
	}
	delete(m.requestSentAt, resp.RefID)
}

func (m *StrategyMaster) finishOrder(refID string, info *core.OrderInfo) {
	if _, ok := m.store.Finish(refID, info.Status, info.FilledAmount, info.AvgExecutedPrice); !ok {
		return
	}
	m.archiveOrder(refID)
}

func (m *StrategyMaster) archiveOrder(refID string) {
	if m.deps.History == nil {
		return
	}
	order, ok := m.store.Finished(refID)
	if !ok {
		return
	}
	// Copy before handing off the write to the pool
	record := *order
	write := func() {
		if err := m.deps.History.Record(&record); err != nil {
			m.logger.Error("Order archive failed", "ref_id", refID, "error", err)
		}
	}
	if m.deps.Pool != nil {
		if err := m.deps.Pool.Submit(write); err != nil {
			m.logger.Warn("Archive queue full, writing inline", "ref_id", refID)
			write()
		}
		return
	}
	write()
}

// onOrderUpdateMessage is the bus handler for venue order-state pushes. The
// update is mapped back to a ref id through the venue index and folded into
// the normal inspection path.
func (m *StrategyMaster) onOrderUpdateMessage(message []byte) {
	var update core.OrderUpdate
	if err := json.Unmarshal(message, &update); err != nil {
		m.logger.Error("Malformed order update", "error", err)
		return
	}
	m.Enqueue(func() { m.processOrderUpdate(&update) })
}

func (m *StrategyMaster) processOrderUpdate(update *core.OrderUpdate) {
	origin, ok := m.store.LookupByVenueOrder(update.Exchange, update.Symbol, update.OrderID)
	if !ok {
		return
	}
	s, ok := m.strategies[origin.Notes.StrategyID]
	if !ok {
		return
	}
	resp := &core.TradeResponse{
		Strategy:   m.deps.Cfg.App.StrategyName,
		TaskID:     m.task.TaskID,
		StrategyID: origin.Notes.StrategyID,
		RefID:      origin.RefID,
		Action:     core.ActionInspectOrder,
		Result:     true,
		OrderInfo: &core.OrderInfo{
			OrderID:          update.OrderID,
			OriginalAmount:   update.OriginalAmount,
			FilledAmount:     update.FilledAmount,
			AvgExecutedPrice: update.AvgExecutedPrice,
			Status:           update.Status,
		},
	}
	m.applyOrderInfo(s, resp)
}

// inspectOrdersOnTime paces periodic order inspections. Venues that stream
// order updates are inspected far less often; rate-limit pushback widens
// the pacing further.
func (m *StrategyMaster) inspectOrdersOnTime() {
	for id, s := range m.strategies {
		m.inspectTicks[id]++
		every := 1
		if m.deps.Cfg.Exchanges.OrderUpdate[s.Task().Exchange] {
			every = 20
		}
		if backoff, ok := s.(interface{ InspectBackoff() time.Duration }); ok {
			interval := time.Duration(m.deps.Cfg.Engine.TimerIntervalSec) * time.Second
			if interval > 0 {
				every += int(backoff.InspectBackoff() / interval)
			}
		}
		if m.inspectTicks[id] < every {
			continue
		}
		m.inspectTicks[id] = 0
		for _, order := range m.store.ActiveOrders(id) {
			if err := m.InspectOrder(order.RefID); err != nil {
				m.logger.Error("Scheduled inspect failed", "ref_id", order.RefID, "error", err)
			}
		}
	}
}
