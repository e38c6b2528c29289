package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"execution_engine/internal/bus"
	"execution_engine/internal/config"
	"execution_engine/internal/core"

	"github.com/shopspring/decimal"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{})          {}
func (nopLogger) Info(msg string, fields ...interface{})           {}
func (nopLogger) Warn(msg string, fields ...interface{})           {}
func (nopLogger) Error(msg string, fields ...interface{})          {}
func (nopLogger) Fatal(msg string, fields ...interface{})          {}
func (l nopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

type busMessage struct {
	Channel string
	Payload interface{}
}

// fakeBus records publishes and keeps handlers so tests can observe what the
// master put on the wire
type fakeBus struct {
	mu           sync.Mutex
	published    []busMessage
	handlers     map[string]func([]byte)
	unsubscribed []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]func([]byte))}
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, busMessage{Channel: channel, Payload: payload})
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = handler
	return nil
}

func (b *fakeBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, channel)
	delete(b.handlers, channel)
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) sent(channel string) []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []interface{}
	for _, msg := range b.published {
		if msg.Channel == channel {
			out = append(out, msg.Payload)
		}
	}
	return out
}

func (b *fakeBus) requests(channel string) []*core.TradeRequest {
	var out []*core.TradeRequest
	for _, payload := range b.sent(channel) {
		if req, ok := payload.(*core.TradeRequest); ok {
			out = append(out, req)
		}
	}
	return out
}

func (b *fakeBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testTask(exchange string) *core.Task {
	return &core.Task{
		TaskID: "task-1",
		InitialBalance: map[string]decimal.Decimal{
			"BTC":  dec("200"),
			"USDT": dec("20000000"),
		},
		Strategies: map[string]*core.StrategyTask{
			"st-1": {
				Algorithm:    core.AlgoTWAP,
				Exchange:     exchange,
				Account:      "acc1",
				Symbol:       []string{"BTCUSDT", "BTC", "USDT"},
				Direction:    core.Buy,
				CurrencyType: core.CurrencyBase,
				TotalSize:    dec("100"),
				StartTime:    "2026-03-01 00:00:00",
				EndTime:      "2026-03-01 02:00:00",
			},
		},
		CoinConfig: map[string]map[string]core.CoinConfig{
			exchange: {
				"BTCUSDT": {
					BaseMinOrderSize:  dec("0.001"),
					QuoteMinOrderSize: dec("10"),
					PricePrecision:    dec("0.01"),
					SizePrecision:     dec("0.0001"),
				},
			},
		},
		Alarm:    true,
		TestMode: false,
	}
}

type harness struct {
	master *StrategyMaster
	bus    *fakeBus
	cfg    *config.Config
	now    time.Time
}

func newHarness(t *testing.T, exchange string) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	bus := newFakeBus()
	h := &harness{bus: bus, cfg: cfg}
	h.now = time.Date(2026, 3, 1, 0, 30, 0, 0, time.Local)

	task := testTask(exchange)
	master, err := NewStrategyMaster(task, Deps{
		Cfg:    cfg,
		Bus:    bus,
		Logger: nopLogger{},
		Clock:  func() time.Time { return h.now },
	})
	if err != nil {
		t.Fatalf("NewStrategyMaster: %v", err)
	}
	h.master = master
	return h
}

func (h *harness) requestChannel() string {
	return bus.TradeRequestChannel(h.cfg.App.StrategyName, false)
}

// place sends one order through the ExecutionContext and returns its ref id
func (h *harness) place(price, qty string) string {
	s := h.master.strategies["st-1"]
	refID, err := h.master.SendOrder(s.Task(), &core.Order{
		Exchange:  s.Task().Exchange,
		Symbol:    "BTCUSDT",
		Direction: core.Buy,
		OrderType: core.OrderTypeLimit,
		Price:     dec(price),
		Quantity:  dec(qty),
	})
	if err != nil {
		panic(err)
	}
	return refID
}

// accept replays a successful placement response for the ref
func (h *harness) accept(refID, orderID string) {
	h.master.processResponse(&core.TradeResponse{
		TaskID:     "task-1",
		StrategyID: "st-1",
		RefID:      refID,
		Action:     core.ActionPlaceOrder,
		Result:     true,
		OrderInfo:  &core.OrderInfo{OrderID: orderID, Status: core.OrderSubmitted},
	})
}
