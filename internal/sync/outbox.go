package sync

import (
	"sync"

	"github.com/happy-coder/happy/pkg/types"
)

// DefaultOutboxLimit bounds pending publishes while offline.
const DefaultOutboxLimit = 256

// Outbox buffers publishes that could not reach the relay. Entity-channel
// updates coalesce by entity ref (the newest state supersedes the queued
// one); message-channel publishes never coalesce. A full outbox surfaces
// backpressure to the caller instead of dropping silently.
type Outbox struct {
	mu      sync.Mutex
	limit   int
	entries []types.UpdatePayload
}

// NewOutbox creates an Outbox. limit <= 0 uses DefaultOutboxLimit.
func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = DefaultOutboxLimit
	}
	return &Outbox{limit: limit}
}

// Enqueue buffers one publish. Returns types.ErrBackpressure when the
// entry cannot coalesce and the outbox is full.
func (o *Outbox) Enqueue(p types.UpdatePayload) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p.Channel == "" {
		for i, existing := range o.entries {
			if existing.Channel == "" && existing.Entity == p.Entity {
				o.entries[i] = p
				return nil
			}
		}
	}

	if len(o.entries) >= o.limit {
		return types.ErrBackpressure
	}
	o.entries = append(o.entries, p)
	return nil
}

// Drain removes and returns all pending entries in insertion order.
func (o *Outbox) Drain() []types.UpdatePayload {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.entries
	o.entries = nil
	return out
}

// Requeue puts unflushed entries back at the front, keeping order.
func (o *Outbox) Requeue(entries []types.UpdatePayload) {
	if len(entries) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(entries, o.entries...)
}

// Len reports the number of pending entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
