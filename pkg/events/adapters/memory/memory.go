// Package memory provides an in-process events.Bus backed by a simple
// topic->handlers fan-out, for single-process pub/sub and tests.
package memory

import (
	"context"
	"sync"

	"github.com/nova-corefabric/corefabric/pkg/events"
	"github.com/nova-corefabric/corefabric/pkg/logger"
)

// Bus is a synchronous, in-process events.Bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]events.Handler
	closed   bool
}

func New() *Bus {
	return &Bus{handlers: make(map[string][]events.Handler)}
}

func (b *Bus) Subscribe(ctx context.Context, topic string, handler events.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

// Publish invokes every subscriber for topic synchronously. A handler error
// is logged and does not stop delivery to remaining subscribers.
func (b *Bus) Publish(ctx context.Context, topic string, event events.Event) error {
	b.mu.RLock()
	handlers := append([]events.Handler{}, b.handlers[topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			logger.L().ErrorContext(ctx, "event handler failed", "topic", topic, "error", err)
		}
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
