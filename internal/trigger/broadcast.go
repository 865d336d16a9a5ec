package trigger

import (
	"sync"

	"github.com/google/uuid"
)

// Broadcaster fans Snapshots out to subscribers. Slow subscribers only ever
// miss intermediate snapshots; the most recent one is always delivered.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]chan Snapshot
	latest Snapshot
}

// NewBroadcaster returns a Broadcaster holding an Idle snapshot.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[string]chan Snapshot),
		latest: Snapshot{StateName: Idle.String()},
	}
}

// Subscribe returns a channel that receives every published snapshot the
// subscriber keeps up with, starting with the current one.
func (b *Broadcaster) Subscribe() (string, <-chan Snapshot) {
	id := uuid.NewString()
	ch := make(chan Snapshot, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	ch <- b.latest
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe closes and removes a subscription.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Publish records s as the latest snapshot and offers it to subscribers,
// replacing any snapshot they have not read yet.
func (b *Broadcaster) Publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = s
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Latest returns the most recently published snapshot.
func (b *Broadcaster) Latest() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// Close unsubscribes everyone.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
