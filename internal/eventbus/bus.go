// Package eventbus provides a small in-memory fanout used to decouple the
// scheduler, notifier and transport layers from each other.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types.
const (
	// TypeConfigUpdated fires after the config file is reloaded. Data is the
	// new *config.Config.
	TypeConfigUpdated = "config.updated"

	// TypeInstanceTransition fires after a chore instance changes state.
	// Data is an InstanceTransition.
	TypeInstanceTransition = "chore.transition"

	// TypeInstanceSpawned fires when the scheduler creates a new instance
	// for a due definition. Data is an InstanceTransition with empty From.
	TypeInstanceSpawned = "chore.spawned"
)

// InstanceTransition describes a state change of a single chore instance.
type InstanceTransition struct {
	DefinitionID int64
	InstanceID   string
	From         string
	To           string
}

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
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
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a subscriber that unsubscribed concurrently
		// may have closed its channel, so recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
