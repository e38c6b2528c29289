package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IBus is the pub/sub transport connecting the engine to gateways and the UI
type IBus interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}

// IStrategy is the hook set every execution algorithm implements.
// Implementations embed BaseStrategy, which provides no-op defaults, and
// override only the hooks their algorithm needs.
type IStrategy interface {
	StrategyID() string
	Task() *StrategyTask
	Status() TaskStatus
	SetStatus(status TaskStatus, msg string)

	OnOrderbookReady(book *Orderbook)
	ObserveOrderbook(book *Orderbook)
	OnTradeReady(trade *MarketTrade)
	OnKlineReady(kline *Kline)
	OnQuoteReady(message []byte)
	OnResponse(resp *TradeResponse)
	OnTimer()
	OnFinish()

	CurrentPrice() decimal.Decimal
	DealSize() decimal.Decimal
	Attention() bool
	ProcessFrequencyError(action OrderAction)
	CheckDealSize()
	CheckEndTime()
}

// ExecutionContext is the capability handle a strategy uses to act on the
// world. The coordinator implements it; strategies never reach into the
// coordinator's internals directly.
type ExecutionContext interface {
	SendOrder(st *StrategyTask, order *Order) (string, error)
	CancelOrder(refID string, force bool) error
	InspectOrder(refID string) error
	LookupOrder(refID string) *Order
	ActiveOrders(strategyID string) []*Order
	PendingOrders(strategyID string) []*Order
	Balance(strategyID string) map[string]*BalanceRecord
	UpdateStatus(strategyID string, status TaskStatus, msg string)
	Alarm(msg string, code AlarmCode)
	ClearTimeoutPendingOrders(strategyID string)
	Now() int64
}

// IAlarmSink receives operator alarms raised anywhere in the engine
type IAlarmSink interface {
	Alarm(msg string, code AlarmCode)
}
