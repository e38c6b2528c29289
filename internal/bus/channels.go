// Package bus connects the engine to the gateway and UI over pub/sub channels
package bus

import (
	"fmt"

	"execution_engine/internal/core"
)

// Channel scopes. A channel name is "{scope}:{topic}"; test mode prefixes the
// whole name with "Test" so live consumers never see test traffic.
const (
	ScopeTrade      = "Trade"
	ScopeMarketData = "MD"
	ScopePosition   = "Position"
	ScopeAlarm      = "MM"
)

func prefix(testMode bool) string {
	if testMode {
		return "Test"
	}
	return ""
}

// TradeRequestChannel is where the engine publishes order actions
func TradeRequestChannel(strategyName string, testMode bool) string {
	return fmt.Sprintf("%s%s:%s_request", prefix(testMode), ScopeTrade, strategyName)
}

// TradeResponseChannel is where the gateway answers order actions
func TradeResponseChannel(strategyName string, testMode bool) string {
	return fmt.Sprintf("%s%s:%s_response", prefix(testMode), ScopeTrade, strategyName)
}

// OrderUpdateChannel carries unsolicited order pushes from venues that
// stream order state
func OrderUpdateChannel(exchange, account string, testMode bool) string {
	return fmt.Sprintf("%s%s:%s|%s|spot|order", prefix(testMode), ScopeTrade, exchange, account)
}

// BalanceChannel carries the scheduled account balance snapshots the
// gateway pushes per exchange and account
func BalanceChannel(exchange, account string, testMode bool) string {
	return fmt.Sprintf("%s%s:%s|%s", prefix(testMode), ScopePosition, exchange, account)
}

// MarketDataChannel names a market data stream. Orderbook channels carry a
// depth suffix and klines an interval suffix; trade channels carry none.
func MarketDataChannel(exchange, symbol string, dataType core.MarketDataType, testMode bool) string {
	topic := fmt.Sprintf("%s|%s|spot|%s", exchange, symbol, dataType)
	switch dataType {
	case core.DataOrderbook:
		topic += "|20"
	case core.DataKline:
		topic += "|1m"
	}
	return fmt.Sprintf("%s%s:%s", prefix(testMode), ScopeMarketData, topic)
}

// AlarmChannel is where operator alarms are published
func AlarmChannel() string {
	return ScopeAlarm + ":strategy_alarm"
}

// MonitorKey names the status monitor bucket for UI dashboards
func MonitorKey(base string, testMode bool) string {
	if testMode {
		return "test_" + base
	}
	return base
}
