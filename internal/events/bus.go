package events

import (
	"sync"
	"sync/atomic"

	"github.com/loykin/procyard/internal/process"
)

// Bus fans events out to subscribers. A subscriber that falls behind loses
// events rather than stalling the engine; Dropped counts those losses.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Envelope
	next    uint64
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Envelope)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func closes the channel and must be called once.
func (b *Bus) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Envelope, buffer)
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
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) publish(e Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) StatusChanged(e StatusChanged) {
	b.publish(Envelope{Name: NameStatusChanged, Payload: e})
}

func (b *Bus) Log(e Log) {
	b.publish(Envelope{Name: NameLog, Payload: e})
}

func (b *Bus) StatsUpdated(infos []process.Info) {
	b.publish(Envelope{Name: NameStatsUpdated, Payload: infos})
}
