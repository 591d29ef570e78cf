package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking for channel subscribers.
//   - Channel subscribers MUST use buffered channels; slow ones drop events.
//   - Func subscribers run synchronously inside Publish and never drop.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel receiving events whose Type is in
	// types (all events when types is empty).
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// SubscribeFunc registers fn to be called from Publish. fn must be fast and
	// safe for concurrent use.
	SubscribeFunc(fn func(Event), types ...string) (unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	fn    func(Event)
	types map[string]struct{}
}

func (s *sub) wants(typ string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	subs := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.fn != nil {
			s.fn(e)
			continue
		}
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) add(s *sub) uint64 {
	id := b.seq.Add(1)
	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()
	return id
}

func (b *memBus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), types: typeSet(types)}
	id := b.add(s)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.remove(id)
			// Closing is safe because Publish recovers from send panics.
			close(s.ch)
		})
	}
	return s.ch, unsub
}

func (b *memBus) SubscribeFunc(fn func(Event), types ...string) func() {
	if fn == nil {
		return func() {}
	}
	id := b.add(&sub{fn: fn, types: typeSet(types)})
	var once sync.Once
	return func() { once.Do(func() { b.remove(id) }) }
}

func typeSet(types []string) map[string]struct{} {
	if len(types) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}
