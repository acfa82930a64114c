// Package router fans incoming security events out to the playbooks and
// automated responses whose triggers match, and carries the engine's
// lifecycle events to outbound subscribers.
package router

import (
	"context"
	"log/slog"
	"sync"
)

// Handler receives one published lifecycle event.
type Handler func(ctx context.Context, eventType string, payload map[string]any)

// Bus is an in-process publish/subscribe fan-out. A panicking subscriber is
// contained and logged; it never takes down the publisher or its siblings.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers a handler for all published events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers the event to every subscriber synchronously, in
// registration order.
func (b *Bus) Publish(ctx context.Context, eventType string, payload map[string]any) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, h, eventType, payload)
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, eventType string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "event_type", eventType, "panic", r)
		}
	}()
	h(ctx, eventType, payload)
}
