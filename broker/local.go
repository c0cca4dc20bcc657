package broker

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("broker closed")

// LocalBroker delivers in-process. Used when a single monitor instance
// serves all observers.
type LocalBroker struct {
	subscribers map[string][]MessageHandler
	closed      bool
	mu          sync.RWMutex
}

func NewLocal() *LocalBroker {
	return &LocalBroker{
		subscribers: make(map[string][]MessageHandler),
	}
}

// Publish invokes every handler for channel synchronously, in subscription order.
func (b *LocalBroker) Publish(_ context.Context, channel string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := append([]MessageHandler(nil), b.subscribers[channel]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(channel, data)
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, channel string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.subscribers[channel] = append(b.subscribers[channel], handler)
	return nil
}

func (b *LocalBroker) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, channel)
	return nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = make(map[string][]MessageHandler)
	return nil
}
