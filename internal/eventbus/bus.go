package eventbus

import (
	"sync"
	"time"
)

// Event types published by the daemon.
const (
	EventArmed  = "chain.armed"
	EventFired  = "chain.fired"
	EventStale  = "chain.stale"
	EventBroken = "chain.broken"
	EventReset  = "chain.reset"
	EventHealth = "health.status"
)

// Event is an in-memory signal decoupling the chain from its observers.
// Data carries the chain's ArmedEvent/FiredEvent or a health report.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. Publish never blocks: a subscriber
// whose buffer is full misses the event.
func New() Bus {
	return &memBus{subs: map[int]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan Event
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; an unsubscribe closes its channel
	// under the write lock, so a send can never race the close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
