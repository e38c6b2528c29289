package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"execution_engine/internal/core"
	apperrors "execution_engine/pkg/errors"
	"execution_engine/pkg/telemetry"
	"execution_engine/pkg/websocket"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Envelope is the wire frame for every bus message
type Envelope struct {
	Type    string          `json:"type"` // subscribe, unsubscribe, publish, message
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client implements core.IBus over a resilient WebSocket connection.
// Subscriptions survive reconnects: the underlying client replays them every
// time the connection comes back.
type Client struct {
	ws      *websocket.Client
	limiter *rate.Limiter
	sender  failsafe.Executor[any]
	logger  core.ILogger

	mu       sync.RWMutex
	handlers map[string]func(message []byte)
	closed   bool

	msgCounter   metric.Int64Counter
	errCounter   metric.Int64Counter
	reconCounter metric.Int64Counter
}

// NewClient dials the bus endpoint. publishRate/publishBurst throttle
// outbound traffic so a misbehaving strategy cannot flood the gateway.
func NewClient(url string, publishRate float64, publishBurst int, logger core.ILogger) *Client {
	retryPolicy := retrypolicy.NewBuilder[any]().
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	meter := telemetry.GetMeter("bus-client")
	msgCounter, _ := meter.Int64Counter("bus_messages_total",
		metric.WithDescription("Total number of bus messages received"))
	errCounter, _ := meter.Int64Counter("bus_errors_total",
		metric.WithDescription("Total number of undeliverable or malformed bus messages"))
	reconCounter, _ := meter.Int64Counter("bus_reconnects_total",
		metric.WithDescription("Total number of bus reconnections"))

	c := &Client{
		limiter:      rate.NewLimiter(rate.Limit(publishRate), publishBurst),
		sender:       failsafe.With[any](retryPolicy),
		logger:       logger.WithField("component", "bus"),
		handlers:     make(map[string]func(message []byte)),
		msgCounter:   msgCounter,
		errCounter:   errCounter,
		reconCounter: reconCounter,
	}

	c.ws = websocket.NewClient(url, c.dispatch, c.logger)
	c.ws.SetOnConnected(c.resubscribe)
	return c
}

// Start opens the connection and begins dispatching messages
func (c *Client) Start() {
	c.ws.Start()
}

// dispatch routes one inbound frame to its channel handler. A panicking or
// failing handler only loses that one message.
func (c *Client) dispatch(message []byte) {
	ctx := context.Background()
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
		c.logger.Warn("Dropping malformed bus frame", "error", err)
		return
	}

	c.mu.RLock()
	handler, ok := c.handlers[env.Channel]
	c.mu.RUnlock()
	if !ok {
		return
	}

	c.msgCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", env.Channel)))

	defer func() {
		if r := recover(); r != nil {
			c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "handler_panic")))
			c.logger.Error("Bus handler panic recovered", "channel", env.Channel, "panic", r)
		}
	}()
	handler(env.Payload)
}

// resubscribe replays all subscriptions after a (re)connect
func (c *Client) resubscribe() {
	c.mu.RLock()
	channels := make([]string, 0, len(c.handlers))
	for ch := range c.handlers {
		channels = append(channels, ch)
	}
	c.mu.RUnlock()

	c.reconCounter.Add(context.Background(), 1)
	for _, ch := range channels {
		if err := c.ws.Send(Envelope{Type: "subscribe", Channel: ch}); err != nil {
			c.logger.Error("Resubscribe failed", "channel", ch, "error", err)
		}
	}
}

// Publish sends a payload to a channel, throttled and retried
func (c *Client) Publish(ctx context.Context, channel string, payload interface{}) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return apperrors.ErrBusClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", channel, err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("publish throttle: %w", err)
	}

	env := Envelope{Type: "publish", Channel: channel, Payload: data}
	if err := c.sender.Run(func() error { return c.ws.Send(env) }); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a handler and announces the subscription. The handler
// runs on the read loop goroutine; it must not block.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.ErrBusClosed
	}
	c.handlers[channel] = handler
	c.mu.Unlock()

	return c.sender.Run(func() error {
		return c.ws.Send(Envelope{Type: "subscribe", Channel: channel})
	})
}

// Unsubscribe drops the handler and announces the unsubscription
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	delete(c.handlers, channel)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	return c.sender.Run(func() error {
		return c.ws.Send(Envelope{Type: "unsubscribe", Channel: channel})
	})
}

// Close shuts the connection down
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.ws.Stop()
	return nil
}
