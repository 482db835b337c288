// ABOUTME: Bounded-channel pub/sub bus scoped to the bridge server's lifetime
// ABOUTME: Non-blocking publish drops events for slow subscribers instead of stalling

package events

import (
	"log/slog"
	"sync"
)

// Event types published on the bus.
const (
	TypeCardsChanged    = "cards_changed"
	TypeCommentsChanged = "comments_changed"
	TypeSessionLog      = "session_log"
)

// Event is a single board mutation notification.
type Event struct {
	Type      string `json:"type"`
	CardID    int64  `json:"cardId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Subscription is a handle to one subscriber's event stream. C is closed by
// Unsubscribe or Bus.Close, never by the subscriber.
type Subscription struct {
	C chan Event
}

// Bus fans local events out to all active subscriptions.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	logger *slog.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: slog.Default().With("component", "events"),
	}
}

// Subscribe registers a new subscription with the given channel buffer.
// Returns nil if the bus is already closed.
func (b *Bus) Subscribe(buffer int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	sub := &Subscription{C: make(chan Event, buffer)}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe releases a subscription and closes its channel. Safe to call
// with a subscription that was already released.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.C)
	}
}

// Publish delivers the event to every subscription without blocking. A
// subscriber whose buffer is full misses the event; UI clients resync on
// their next fetch, so dropped notifications are harmless.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.C <- ev:
		default:
			b.logger.Debug("subscriber buffer full, dropping event", "type", ev.Type)
		}
	}
}

// Close releases every subscription. Publish and Subscribe become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.C)
	}
}
