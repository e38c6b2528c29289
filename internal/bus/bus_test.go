package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"execution_engine/internal/core"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func TestChannelNaming(t *testing.T) {
	assert.Equal(t, "Trade:eaas_execution_request", TradeRequestChannel("eaas_execution", false))
	assert.Equal(t, "TestTrade:eaas_execution_request", TradeRequestChannel("eaas_execution", true))
	assert.Equal(t, "Trade:eaas_execution_response", TradeResponseChannel("eaas_execution", false))

	assert.Equal(t, "MD:Binance|BTCUSDT|spot|orderbook|20",
		MarketDataChannel("Binance", "BTCUSDT", core.DataOrderbook, false))
	assert.Equal(t, "MD:Binance|BTCUSDT|spot|kline|1m",
		MarketDataChannel("Binance", "BTCUSDT", core.DataKline, false))
	assert.Equal(t, "MD:Binance|BTCUSDT|spot|trade",
		MarketDataChannel("Binance", "BTCUSDT", core.DataTrade, false))
	assert.Equal(t, "TestMD:Binance|BTCUSDT|spot|trade",
		MarketDataChannel("Binance", "BTCUSDT", core.DataTrade, true))

	assert.Equal(t, "Position:Binance|acc1", BalanceChannel("Binance", "acc1", false))
	assert.Equal(t, "TestPosition:Binance|acc1", BalanceChannel("Binance", "acc1", true))
	assert.Equal(t, "MM:strategy_alarm", AlarmChannel())
	assert.Equal(t, "test_eaas_status_monitor", MonitorKey("eaas_status_monitor", true))
	assert.Equal(t, "eaas_status_monitor", MonitorKey("eaas_status_monitor", false))
}

// echoBusServer accepts one connection, records subscriptions, and bounces
// published envelopes back as messages on their channel
func echoBusServer(t *testing.T) (*httptest.Server, *sync.Map) {
	var subs sync.Map
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Type {
			case "subscribe":
				subs.Store(env.Channel, true)
			case "publish":
				out := Envelope{Type: "message", Channel: env.Channel, Payload: env.Payload}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			}
		}
	}))
	return server, &subs
}

func TestClientPublishSubscribeRoundTrip(t *testing.T) {
	server, subs := echoBusServer(t)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	client := NewClient(url, 100, 10, &noopLogger{})
	client.Start()
	defer client.Close()

	received := make(chan []byte, 1)
	ctx := context.Background()

	// Wait for the connection before subscribing
	require.Eventually(t, func() bool {
		return client.Subscribe(ctx, "Trade:test_response", func(msg []byte) {
			received <- msg
		}) == nil
	}, 3*time.Second, 50*time.Millisecond)

	payload := map[string]string{"ref_id": "20190725152929_00000001"}
	require.NoError(t, client.Publish(ctx, "Trade:test_response", payload))

	select {
	case msg := <-received:
		var got map[string]string
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, "20190725152929_00000001", got["ref_id"])
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}

	_, ok := subs.Load("Trade:test_response")
	assert.True(t, ok, "server should have seen the subscription")
}

func TestClientHandlerPanicDoesNotKillReadLoop(t *testing.T) {
	server, _ := echoBusServer(t)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	client := NewClient(url, 100, 10, &noopLogger{})
	client.Start()
	defer client.Close()

	ctx := context.Background()
	delivered := make(chan struct{}, 2)
	first := true

	require.Eventually(t, func() bool {
		return client.Subscribe(ctx, "MD:test", func(msg []byte) {
			if first {
				first = false
				panic("boom")
			}
			delivered <- struct{}{}
		}) == nil
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, client.Publish(ctx, "MD:test", "one"))
	require.NoError(t, client.Publish(ctx, "MD:test", "two"))

	select {
	case <-delivered:
		// Second message survived the first handler's panic
	case <-time.After(3 * time.Second):
		t.Fatal("read loop died after handler panic")
	}
}

func TestClientPublishAfterCloseFails(t *testing.T) {
	server, _ := echoBusServer(t)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	client := NewClient(url, 100, 10, &noopLogger{})
	client.Start()
	require.NoError(t, client.Close())

	err := client.Publish(context.Background(), "MD:test", "data")
	assert.Error(t, err)
}
