// Package event provides the in-process pub/sub bus that YetiLink modules
// use to exchange device deltas, session transitions, and command outcomes.
package event

import (
	"context"
	"sync"

	"github.com/trailside/yetilink/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ plugin.EventBus = (*Bus)(nil)

type subscriber struct {
	id      int
	handler plugin.EventHandler
}

// Bus is a thread-safe topic-based event bus. Handlers for an exact topic
// run first, then wildcard handlers, in subscription order. A panicking
// handler is recovered and logged so it cannot take down its siblings.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	topics   map[string][]subscriber
	wildcard []subscriber
	logger   *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		topics: make(map[string][]subscriber),
		logger: logger,
	}
}

// Subscribe registers a handler for an exact topic and returns an
// unsubscribe function.
func (b *Bus) Subscribe(topic string, handler plugin.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscriber{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, s := range subs {
			if s.id == id {
				b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for every topic and returns an
// unsubscribe function.
func (b *Bus) SubscribeAll(handler plugin.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscriber{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.wildcard {
			if s.id == id {
				b.wildcard = append(b.wildcard[:i:i], b.wildcard[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event synchronously to all matching subscribers.
// Publishing with no subscribers is not an error.
func (b *Bus) Publish(ctx context.Context, event plugin.Event) error {
	for _, s := range b.snapshot(event.Topic) {
		b.dispatch(ctx, s, event)
	}
	return nil
}

// PublishAsync delivers the event on a separate goroutine.
func (b *Bus) PublishAsync(ctx context.Context, event plugin.Event) {
	subs := b.snapshot(event.Topic)
	go func() {
		for _, s := range subs {
			b.dispatch(ctx, s, event)
		}
	}()
}

// snapshot copies the matching subscriber list so handlers can subscribe or
// unsubscribe without deadlocking the bus.
func (b *Bus) snapshot(topic string) []subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]subscriber, 0, len(b.topics[topic])+len(b.wildcard))
	out = append(out, b.topics[topic]...)
	out = append(out, b.wildcard...)
	return out
}

func (b *Bus) dispatch(ctx context.Context, s subscriber, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.Any("panic", r),
			)
		}
	}()
	s.handler(ctx, event)
}
