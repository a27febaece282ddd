package events

import (
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the per-subscriber queue capacity used when
// the bus is constructed with a non-positive buffer size.
const DefaultSubscriberBuffer = 256

// Filter selects which events a subscription receives. Zero-valued fields
// match everything.
type Filter struct {
	ExecutionID string
	UserID      string
	Kinds       []Type
}

func (f Filter) matches(e Event) bool {
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if len(f.Kinds) > 0 {
		for _, k := range f.Kinds {
			if e.Type == k {
				return true
			}
		}
		return false
	}
	return true
}

// Subscription is one subscriber's bounded event queue. Read from C();
// call Close when done. After Close, C() is closed and drained.
type Subscription struct {
	filter Filter
	ch     chan Event

	// pushMu serializes pushes so the drop-oldest fallback cannot
	// interleave between two publishers and reorder a single
	// execution's events.
	pushMu sync.Mutex

	closed atomic.Bool
	lagged atomic.Int64

	bus *Bus
	id  uint64
}

// C returns the receive channel. It is closed when the subscription is
// closed or the bus shuts down.
func (s *Subscription) C() <-chan Event { return s.ch }

// Lagged returns how many events were dropped because this subscriber
// fell behind.
func (s *Subscription) Lagged() int64 { return s.lagged.Load() }

// Close detaches the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.bus.remove(s.id)
	// Take pushMu so no publisher is mid-push when the channel closes.
	s.pushMu.Lock()
	close(s.ch)
	s.pushMu.Unlock()
}

// push enqueues the event, discarding the oldest buffered event when the
// queue is full. Never blocks.
func (s *Subscription) push(e Event) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- e:
		return
	default:
	}
	// Queue full: drop the oldest event, then retry once. The receive
	// cannot block because only push sends and we hold pushMu.
	select {
	case <-s.ch:
		s.lagged.Add(1)
	default:
	}
	select {
	case s.ch <- e:
	default:
		s.lagged.Add(1)
	}
}

// Bus is the process-wide event fan-out. Publish is synchronous from the
// emitter's perspective but never blocks on slow subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
}

// NewBus creates a bus whose subscribers each buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber matching the filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{
		filter: filter,
		ch:     make(chan Event, b.buffer),
		bus:    b,
		id:     b.nextID,
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers the event to every matching subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	// Snapshot subscriber pointers so pushes happen outside the lock.
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.matches(e) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.push(e)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
