package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"execution_engine/internal/bus"
	"execution_engine/internal/core"
)

type legged interface {
	Legs() []core.Symbol
}

// strategySymbols returns every symbol a strategy consumes market data for
func strategySymbols(s core.IStrategy) []string {
	var out []string
	if sym, ok := core.SymbolFromList(s.Task().Symbol); ok {
		out = append(out, sym.Name)
	}
	if l, ok := s.(legged); ok {
		for _, leg := range l.Legs() {
			out = append(out, leg.Name)
		}
	}
	return out
}

// subscribeAll wires the task's bus channels: gateway responses, venue
// order pushes, the command channel, and one market data stream per
// strategy symbol
func (m *StrategyMaster) subscribeAll(ctx context.Context) error {
	testMode := m.task.TestMode

	if err := m.subscribe(ctx,
		bus.TradeResponseChannel(m.deps.Cfg.App.StrategyName, testMode),
		m.onTradeResponseMessage); err != nil {
		return err
	}
	if err := m.subscribe(ctx, m.deps.Cfg.Channels.TaskCommand, m.onCommandMessage); err != nil {
		return err
	}

	for _, s := range m.strategies {
		st := s.Task()
		if err := m.subscribe(ctx,
			bus.BalanceChannel(st.Exchange, st.Account, testMode),
			m.onBalanceMessage); err != nil {
			return err
		}
		if m.deps.Cfg.Exchanges.OrderUpdate[st.Exchange] {
			ch := bus.OrderUpdateChannel(st.Exchange, st.Account, testMode)
			if _, done := m.subscriptions[ch]; !done {
				if err := m.subscribe(ctx, ch, m.onOrderUpdateMessage); err != nil {
					return err
				}
			}
		}

		for _, symbol := range strategySymbols(s) {
			if err := m.subscribeMarketData(ctx, st.Exchange, symbol, core.DataOrderbook); err != nil {
				return err
			}
			if err := m.subscribeMarketData(ctx, st.Exchange, symbol, core.DataTrade); err != nil {
				return err
			}
		}
		if st.Algorithm == core.AlgoVWAP {
			sym, _ := core.SymbolFromList(st.Symbol)
			if err := m.subscribeMarketData(ctx, st.Exchange, sym.Name, core.DataKline); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *StrategyMaster) subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	if _, ok := m.subscriptions[channel]; ok {
		return nil
	}
	if err := m.deps.Bus.Subscribe(ctx, channel, handler); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	m.subscriptions[channel] = struct{}{}
	return nil
}

func (m *StrategyMaster) subscribeMarketData(ctx context.Context, exchange, symbol string, dataType core.MarketDataType) error {
	channel := bus.MarketDataChannel(exchange, symbol, dataType, m.task.TestMode)
	if _, ok := m.subscriptions[channel]; ok {
		return nil
	}
	var handler func([]byte)
	switch dataType {
	case core.DataOrderbook:
		handler = func(message []byte) { m.onOrderbookMessage(channel, message) }
	case core.DataTrade:
		handler = func(message []byte) { m.onTradeMessage(channel, message) }
	case core.DataKline:
		handler = func(message []byte) { m.onKlineMessage(channel, message) }
	default:
		return fmt.Errorf("unsupported market data type %q", dataType)
	}
	if err := m.subscribe(ctx, channel, handler); err != nil {
		return err
	}
	m.mdLastSeen[channel] = m.clock()
	m.mdType[channel] = dataType
	return nil
}

func (m *StrategyMaster) onOrderbookMessage(channel string, message []byte) {
	var book core.Orderbook
	if err := json.Unmarshal(message, &book); err != nil {
		m.logger.Error("Malformed orderbook", "channel", channel, "error", err)
		return
	}
	m.Enqueue(func() { m.processOrderbook(channel, &book) })
}

func (m *StrategyMaster) processOrderbook(channel string, book *core.Orderbook) {
	if !m.touchMarketData(channel, book.Symbol, book.Timestamp) {
		return
	}
	tolerance := time.Duration(m.deps.Cfg.Engine.MarketDataToleranceSec) * time.Second
	if !core.MarketDataFresh(book.Timestamp, tolerance, m.clock()) {
		// Outdated books still reach the strategies: a slightly old price
		// beats no price, but the operator hears about it
		if !m.mdStaleAlarmed[channel] {
			m.mdStaleAlarmed[channel] = true
			m.Alarm(fmt.Sprintf("orderbook %s is older than %s", channel, tolerance), core.AlarmDataOutdated)
		}
	} else {
		delete(m.mdStaleAlarmed, channel)
	}

	// A paused task keeps its reference prices current but places nothing
	if m.status == core.TaskPaused {
		for _, s := range m.strategies {
			if m.consumes(s, book.Symbol) {
				s.ObserveOrderbook(book)
			}
		}
		return
	}
	for _, s := range m.strategies {
		if m.consumes(s, book.Symbol) {
			s.OnOrderbookReady(book)
		}
	}
}

func (m *StrategyMaster) onTradeMessage(channel string, message []byte) {
	var trade core.MarketTrade
	if err := json.Unmarshal(message, &trade); err != nil {
		m.logger.Error("Malformed market trade", "channel", channel, "error", err)
		return
	}
	m.Enqueue(func() {
		if !m.touchMarketData(channel, trade.Symbol, trade.Timestamp) {
			return
		}
		if m.status == core.TaskPaused {
			return
		}
		for _, s := range m.strategies {
			if m.consumes(s, trade.Symbol) {
				s.OnTradeReady(&trade)
			}
		}
	})
}

func (m *StrategyMaster) onKlineMessage(channel string, message []byte) {
	var kline core.Kline
	if err := json.Unmarshal(message, &kline); err != nil {
		m.logger.Error("Malformed kline", "channel", channel, "error", err)
		return
	}
	m.Enqueue(func() {
		if !m.touchMarketData(channel, kline.Symbol, kline.Timestamp) {
			return
		}
		if m.status == core.TaskPaused {
			return
		}
		for _, s := range m.strategies {
			if m.consumes(s, kline.Symbol) {
				s.OnKlineReady(&kline)
			}
		}
	})
}

// touchMarketData validates membership and timestamp shape, and resets the
// channel's staleness accounting
func (m *StrategyMaster) touchMarketData(channel, symbol, timestamp string) bool {
	if !m.anyConsumes(symbol) {
		return false
	}
	if !core.ValidTimestamp(timestamp) {
		m.logger.Warn("Market data with malformed timestamp dropped", "channel", channel, "timestamp", timestamp)
		return false
	}
	m.mdLastSeen[channel] = m.clock()
	m.mdMissCount[channel] = 0
	return true
}

func (m *StrategyMaster) consumes(s core.IStrategy, symbol string) bool {
	for _, name := range strategySymbols(s) {
		if name == symbol {
			return true
		}
	}
	return false
}

func (m *StrategyMaster) anyConsumes(symbol string) bool {
	for _, s := range m.strategies {
		if m.consumes(s, symbol) {
			return true
		}
	}
	return false
}

// checkMarketData watches for feeds that stopped arriving entirely. The
// first miss of an episode alarms and every miss resubscribes; trades are
// allowed a much longer silence than books and klines.
func (m *StrategyMaster) checkMarketData() {
	now := m.clock()
	for channel, lastSeen := range m.mdLastSeen {
		threshold := time.Duration(m.deps.Cfg.Engine.DataStaleSec) * time.Second
		if m.mdType[channel] == core.DataTrade {
			threshold = time.Duration(m.deps.Cfg.Engine.TradeStaleSec) * time.Second
		}
		if now.Sub(lastSeen) <= threshold {
			continue
		}
		m.mdLastSeen[channel] = now
		m.mdMissCount[channel]++
		if m.mdMissCount[channel] == 1 {
			m.Alarm(fmt.Sprintf("no data on %s for %s", channel, threshold), core.AlarmDataUnreceived)
		}
		m.resubscribeMarketData(channel)
	}
}

func (m *StrategyMaster) resubscribeMarketData(channel string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var handler func([]byte)
	switch m.mdType[channel] {
	case core.DataOrderbook:
		handler = func(message []byte) { m.onOrderbookMessage(channel, message) }
	case core.DataTrade:
		handler = func(message []byte) { m.onTradeMessage(channel, message) }
	case core.DataKline:
		handler = func(message []byte) { m.onKlineMessage(channel, message) }
	default:
		return
	}
	if err := m.deps.Bus.Unsubscribe(ctx, channel); err != nil {
		m.logger.Warn("Resubscribe unsubscribe failed", "channel", channel, "error", err)
	}
	if err := m.deps.Bus.Subscribe(ctx, channel, handler); err != nil {
		m.logger.Error("Resubscribe failed", "channel", channel, "error", err)
	}
}
