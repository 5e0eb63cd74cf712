package bus

import (
	"strings"
	"sync"
)

// recentCap bounds the replay buffer handed to late change-feed subscribers.
const recentCap = 64

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Delivery to a subscriber is non-blocking: a full buffer drops the event,
// so slow consumers can never stall a publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	next   int
	recent []Event
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind, and records it in the recent-events ring.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	b.recent = append(b.recent, evt)
	if len(b.recent) > recentCap {
		b.recent = b.recent[len(b.recent)-recentCap:]
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given
// namespace prefix. bufSize controls the channel buffer. Returns the channel
// and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Recent returns up to n of the most recently published events matching the
// namespace prefix, oldest first. It is the change feed's bounded replay;
// there is no guarantee beyond this buffer.
func (b *Bus) Recent(namespace string, n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, evt := range b.recent {
		if strings.HasPrefix(evt.Kind, namespace) {
			out = append(out, evt)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
