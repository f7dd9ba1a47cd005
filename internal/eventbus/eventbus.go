// Package eventbus is a single in-process, synchronous publish/subscribe
// bus. Publish is fire-and-forget: a panicking or erroring subscriber is
// logged and swallowed, never propagated back to the publisher.
package eventbus

import (
	"sync"

	"tradingcore/pkg/logging"
)

// Handler receives one published event's payload.
type Handler func(payload any)

// Bus is a topic -> subscriber-list map guarded by a single mutex.
// Dispatch is synchronous and in the publisher's goroutine by design: the
// router publishes `order.filled` and expects the Reconciler's handler
// to have run (or failed loudly in the log) before the router moves on.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string][]Handler)}
}

// Subscribe registers handler for topic. Order of delivery among multiple
// subscribers to the same topic matches subscription order.
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
}

// Publish delivers payload synchronously to every subscriber of topic.
// A subscriber panic is recovered and logged; it never reaches the
// publisher and never prevents the remaining subscribers from running.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.subscribers[topic]))
	copy(handlers, b.subscribers[topic])
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeInvoke(topic, h, payload)
	}
}

func (b *Bus) safeInvoke(topic string, handler Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("eventbus subscriber panicked", "topic", topic, "panic", r)
		}
	}()
	handler(payload)
}
