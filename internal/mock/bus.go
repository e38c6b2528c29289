// Package mock provides in-process stand-ins for the bus and the order
// gateway, used by tests and by test-mode tasks.
package mock

import (
	"context"
	"encoding/json"
	"sync"

	apperrors "execution_engine/pkg/errors"
)

// Bus is an in-memory core.IBus. Publishes are delivered synchronously to
// every handler subscribed on the channel, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]func(message []byte)
	closed   bool
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]func(message []byte))}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return apperrors.ErrBusClosed
	}
	handlers := append([]func([]byte){}, b.handlers[channel]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return apperrors.ErrBusClosed
	}
	b.handlers[channel] = append(b.handlers[channel], handler)
	return nil
}

func (b *Bus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, channel)
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]func(message []byte))
	return nil
}
