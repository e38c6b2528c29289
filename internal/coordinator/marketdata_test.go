package coordinator

import (
	"testing"
	"time"

	"execution_engine/internal/bus"
	"execution_engine/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bookAt(symbol, bid, ask string, ts time.Time) *core.Orderbook {
	return &core.Orderbook{
		Exchange:  "Huobi",
		Symbol:    symbol,
		Timestamp: core.FormatTimestamp(ts),
		Bids:      []core.PriceLevel{{Price: dec(bid), Size: dec("5")}},
		Asks:      []core.PriceLevel{{Price: dec(ask), Size: dec("5")}},
	}
}

func outdatedAlarms(h *harness) int {
	count := 0
	for _, payload := range h.bus.sent(h.cfg.Channels.StrategyAlarm) {
		if msg, ok := payload.(*core.AlarmMessage); ok && msg.Code == core.AlarmDataOutdated {
			count++
		}
	}
	return count
}

func TestOutdatedBookAlarmsOncePerEpisode(t *testing.T) {
	h := newHarness(t, "Huobi")
	channel := bus.MarketDataChannel("Huobi", "BTCUSDT", core.DataOrderbook, false)
	stale := h.now.Add(-time.Minute)

	h.master.processOrderbook(channel, bookAt("BTCUSDT", "100.00", "100.02", stale))
	h.master.processOrderbook(channel, bookAt("BTCUSDT", "100.00", "100.02", stale))
	assert.Equal(t, 1, outdatedAlarms(h), "one alarm per stale episode")

	// A fresh book closes the episode; going stale again is a new one
	h.master.processOrderbook(channel, bookAt("BTCUSDT", "100.00", "100.02", h.now))
	h.master.processOrderbook(channel, bookAt("BTCUSDT", "100.00", "100.02", stale))
	assert.Equal(t, 2, outdatedAlarms(h))
}

func TestNoDataAlarmsOncePerEpisode(t *testing.T) {
	h := newHarness(t, "Huobi")
	channel := bus.MarketDataChannel("Huobi", "BTCUSDT", core.DataOrderbook, false)
	h.master.mdLastSeen[channel] = h.now
	h.master.mdType[channel] = core.DataOrderbook

	threshold := time.Duration(h.cfg.Engine.DataStaleSec) * time.Second
	h.now = h.now.Add(threshold + time.Second)
	h.master.checkMarketData()
	h.now = h.now.Add(threshold + time.Second)
	h.master.checkMarketData()

	unreceived := 0
	for _, payload := range h.bus.sent(h.cfg.Channels.StrategyAlarm) {
		if msg, ok := payload.(*core.AlarmMessage); ok && msg.Code == core.AlarmDataUnreceived {
			unreceived++
		}
	}
	assert.Equal(t, 1, unreceived, "the first miss of an episode alarms, later misses only resubscribe")

	// Data coming back closes the episode
	h.master.processOrderbook(channel, bookAt("BTCUSDT", "100.00", "100.02", h.now))
	require.Equal(t, 0, h.master.mdMissCount[channel])
}

func TestPausedTaskKeepsTrackingPrice(t *testing.T) {
	h := newHarness(t, "Huobi")
	channel := bus.MarketDataChannel("Huobi", "BTCUSDT", core.DataOrderbook, false)
	h.master.status = core.TaskPaused

	h.master.processOrderbook(channel, bookAt("BTCUSDT", "99.98", "100.00", h.now))
	s := h.master.strategies["st-1"]
	require.True(t, s.CurrentPrice().Equal(dec("100.00")),
		"paused task froze its reference price at %s", s.CurrentPrice())

	h.master.processOrderbook(channel, bookAt("BTCUSDT", "100.08", "100.10", h.now))
	assert.True(t, s.CurrentPrice().Equal(dec("100.10")))
	// Observation places nothing
	assert.Empty(t, h.bus.requests(h.requestChannel()))
}
