package mock

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"

	"execution_engine/internal/bus"
	"execution_engine/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gateway simulates the order gateway for test-mode tasks. Placements are
// acknowledged immediately; fills accrue on each inspection, a random slice
// of the remainder at a time, so strategies see realistic partial-fill
// sequences without a venue behind them.
type Gateway struct {
	bus          core.IBus
	strategyName string
	logger       core.ILogger
	rng          func() float64

	mu       sync.Mutex
	orders   map[string]*simOrder
	balances map[string]map[string]core.BalanceRecord
}

type simOrder struct {
	venueID   string
	quantity  decimal.Decimal
	price     decimal.Decimal
	filled    decimal.Decimal
	cancelled bool
}

func NewGateway(b core.IBus, strategyName string, logger core.ILogger) *Gateway {
	return &Gateway{
		bus:          b,
		strategyName: strategyName,
		logger:       logger.WithField("component", "mock_gateway"),
		rng:          rand.Float64,
		orders:       make(map[string]*simOrder),
		balances:     make(map[string]map[string]core.BalanceRecord),
	}
}

// SetBalance seeds a simulated account balance for query_balance requests
func (g *Gateway) SetBalance(account, currency string, rec core.BalanceRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.balances[account] == nil {
		g.balances[account] = make(map[string]core.BalanceRecord)
	}
	g.balances[account][currency] = rec
}

// Start subscribes the test-mode request channel
func (g *Gateway) Start(ctx context.Context) error {
	channel := bus.TradeRequestChannel(g.strategyName, true)
	return g.bus.Subscribe(ctx, channel, g.onRequest)
}

func (g *Gateway) Stop(ctx context.Context) error {
	return g.bus.Unsubscribe(ctx, bus.TradeRequestChannel(g.strategyName, true))
}

func (g *Gateway) onRequest(message []byte) {
	var req core.TradeRequest
	if err := json.Unmarshal(message, &req); err != nil {
		g.logger.Error("Malformed trade request", "error", err)
		return
	}

	resp := &core.TradeResponse{
		Strategy:   req.Strategy,
		TaskID:     req.TaskID,
		StrategyID: req.StrategyID,
		RefID:      req.RefID,
		Action:     req.Action,
	}

	g.mu.Lock()
	switch req.Action {
	case core.ActionPlaceOrder:
		g.place(&req, resp)
	case core.ActionCancelOrder:
		g.cancel(&req, resp)
	case core.ActionInspectOrder:
		g.inspect(&req, resp)
	case core.ActionQueryBalance:
		g.queryBalance(&req, resp)
	default:
		resp.Result = false
		resp.ErrorCode = "400"
		resp.ErrorMsg = "unsupported action"
	}
	g.mu.Unlock()

	channel := bus.TradeResponseChannel(g.strategyName, true)
	if err := g.bus.Publish(context.Background(), channel, resp); err != nil {
		g.logger.Error("Response publish failed", "ref_id", req.RefID, "error", err)
	}
}

func (g *Gateway) place(req *core.TradeRequest, resp *core.TradeResponse) {
	if req.Metadata == nil {
		resp.Result = false
		resp.ErrorCode = "400"
		resp.ErrorMsg = "placement without order"
		return
	}
	order := &simOrder{
		venueID:  uuid.NewString(),
		quantity: req.Metadata.Quantity,
		price:    req.Metadata.Price,
	}
	g.orders[req.RefID] = order
	resp.Result = true
	resp.OrderInfo = &core.OrderInfo{
		OrderID:        order.venueID,
		OriginalAmount: order.quantity,
		OriginalPrice:  order.price,
		Status:         core.OrderSubmitted,
	}
}

func (g *Gateway) cancel(req *core.TradeRequest, resp *core.TradeResponse) {
	order, ok := g.orders[req.RefID]
	if !ok {
		resp.Result = false
		resp.ErrorCode = "535"
		resp.ErrorMsg = "order not found"
		return
	}
	order.cancelled = true
	resp.Result = true
}

func (g *Gateway) inspect(req *core.TradeRequest, resp *core.TradeResponse) {
	order, ok := g.orders[req.RefID]
	if !ok {
		resp.Result = false
		resp.ErrorCode = "535"
		resp.ErrorMsg = "order not found"
		return
	}

	if !order.cancelled {
		remaining := order.quantity.Sub(order.filled)
		if remaining.IsPositive() {
			slice := remaining.Mul(decimal.NewFromFloat(g.rng()))
			order.filled = order.filled.Add(slice)
			if order.quantity.Sub(order.filled).LessThan(order.quantity.Mul(decimal.NewFromFloat(0.01))) {
				order.filled = order.quantity
			}
		}
	}

	resp.Result = true
	resp.OrderInfo = &core.OrderInfo{
		OrderID:          order.venueID,
		OriginalAmount:   order.quantity,
		OriginalPrice:    order.price,
		FilledAmount:     order.filled,
		AvgExecutedPrice: order.price,
		Status:           g.status(order),
	}
	if order.filled.Equal(order.quantity) || order.cancelled {
		delete(g.orders, req.RefID)
	}
}

func (g *Gateway) queryBalance(req *core.TradeRequest, resp *core.TradeResponse) {
	account := ""
	if req.Metadata != nil {
		account = req.Metadata.AccountID
	}

	inner := make(map[string]interface{}, len(g.balances[account])+2)
	for currency, rec := range g.balances[account] {
		inner[currency] = rec
	}
	inner["account_id"] = account
	inner["result"] = true

	resp.Result = true
	resp.Metadata = map[string]interface{}{"metadata": inner}
}

func (g *Gateway) status(order *simOrder) core.OrderStatus {
	switch {
	case order.filled.Equal(order.quantity):
		return core.OrderFilled
	case order.cancelled:
		return core.OrderCancelled
	case order.filled.IsPositive():
		return core.OrderPartiallyFilled
	default:
		return core.OrderSubmitted
	}
}
