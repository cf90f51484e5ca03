package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the background process supervisor.
const (
	// TypeStatus carries a bgp.StatusEvent after every task transition.
	TypeStatus = "bgp.status"
	// TypeCancelTimeout carries a *bgp.CancellationTimeoutError.
	TypeCancelTimeout = "bgp.cancel_timeout"
	// TypeConfigReloaded carries the list of changed config sections.
	TypeConfigReloaded = "config.reloaded"
	// TypeInternet carries a checks.InternetStatus when reachability flips.
	TypeInternet = "checks.internet"
)

// Event is a small in-memory signal used to decouple components.
//
// Publish never blocks; a subscriber whose buffer is full misses events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
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
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock can never race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
