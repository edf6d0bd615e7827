// Package event provides the scope-keyed pub/sub bus the relay fans out
// through, using watermill. Subscribers register on a scope routing key
// ("session:<id>", "machine:<id>", "account:<id>"); every published
// envelope reaches all current subscribers of its scope.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/happy-coder/happy/pkg/types"
)

// Envelope is one routed item: a wire frame bound for a scope, tagged with
// the producer connection so deliveries can suppress self-echo.
type Envelope struct {
	Scope    string
	Producer string
	// Seq is set for persistent updates (0 for ephemeral and RPC traffic)
	// so connections can dedup deliveries that arrive via multiple scopes.
	Seq   int64
	Frame types.Frame
}

// Subscriber receives envelopes for a scope.
type Subscriber func(env Envelope)

// subscriberEntry wraps a subscriber with an ID for removal.
type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus routes envelopes to scope subscribers. It uses watermill's gochannel
// for infrastructure while keeping direct-call semantics so frames keep
// their types end to end.
type Bus struct {
	mu sync.RWMutex

	pubsub      *gochannel.GoChannel
	subscribers map[string][]subscriberEntry

	nextID       uint64
	closed       bool
	closedCtx    context.Context
	closedCancel context.CancelFunc
}

// NewBus creates a new scope bus.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 256,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers:  make(map[string][]subscriberEntry),
		closedCtx:    ctx,
		closedCancel: cancel,
	}
}

// Subscribe registers a subscriber for a scope key.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(scope string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.subscribers[scope] = append(b.subscribers[scope], subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribe(scope, id)
	}
}

func (b *Bus) unsubscribe(scope string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[scope]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[scope] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[scope]) == 0 {
		delete(b.subscribers, scope)
	}
}

// Publish delivers the envelope to all subscribers of its scope
// synchronously. Callers that must not block hand delivery to their own
// outbound queues inside the subscriber.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.subscribers[env.Scope]))
	for _, entry := range b.subscribers[env.Scope] {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(env)
	}
}

// SubscriberCount returns the number of subscribers on a scope.
func (b *Bus) SubscriberCount(scope string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[scope])
}

// Close shuts down the bus; further subscribes are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.closedCancel()
	b.subscribers = make(map[string][]subscriberEntry)
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel for advanced use cases
// (middleware, or switching to a distributed backend).
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
