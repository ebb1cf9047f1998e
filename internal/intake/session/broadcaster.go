package session

import (
	"sync"

	"github.com/harbourhealth/intake/internal/intake/domain"
)

// Broadcaster fans authenticated-user changes out to subscribers. A nil
// user means logged out. Subscribing replays the current state immediately,
// so UI code that renders conditionally on auth state observes "current plus
// future" rather than only future changes.
//
// Deliveries are serialized: a notification raised from inside a subscriber
// callback is queued and delivered after the current fan-out completes, so
// every subscriber sees the same states in the same order.
type Broadcaster struct {
	mu        sync.Mutex
	subs      []*subscriber
	current   *domain.User
	notifying bool
	queue     []*domain.User
}

type subscriber struct {
	fn      func(*domain.User)
	removed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers fn, invokes it immediately with the current state,
// and returns an unsubscribe function.
func (b *Broadcaster) Subscribe(fn func(*domain.User)) func() {
	sub := &subscriber{fn: fn}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	current := b.current
	b.mu.Unlock()

	fn(current)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		sub.removed = true
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

// Notify delivers user to every subscriber in subscription order. Re-entrant
// calls append to the queue and return; the outermost call drains it.
func (b *Broadcaster) Notify(user *domain.User) {
	b.mu.Lock()
	b.queue = append(b.queue, user)
	if b.notifying {
		b.mu.Unlock()
		return
	}
	b.notifying = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.current = next

		// Snapshot under the lock, deliver outside it so callbacks may
		// subscribe, unsubscribe, or notify again.
		snapshot := make([]*subscriber, len(b.subs))
		copy(snapshot, b.subs)
		b.mu.Unlock()

		for _, sub := range snapshot {
			b.mu.Lock()
			removed := sub.removed
			b.mu.Unlock()
			if !removed {
				sub.fn(next)
			}
		}

		b.mu.Lock()
	}

	b.notifying = false
	b.mu.Unlock()
}

// Current returns the most recently broadcast state.
func (b *Broadcaster) Current() *domain.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
