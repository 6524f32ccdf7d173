// Package events carries session-scoped terminal events from the PTY pumps
// to whoever renders them.
package events

import (
	"strings"
	"sync"
)

// Type is the event kind.
type Type string

const (
	Output Type = "output"
	Closed Type = "closed"
)

// Event is one output chunk or the end of a session's stream.
type Event struct {
	Type      Type
	SessionID string
	Data      []byte
}

// Text decodes Data permissively; invalid UTF-8 becomes U+FFFD.
func (e Event) Text() string {
	return strings.ToValidUTF8(string(e.Data), "�")
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers. Publish blocks until every current
// subscriber has taken the event, so one session's events reach each
// subscriber in the order they were read.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one consumer of a Bus.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	done chan struct{}
	once sync.Once
	bus  *Bus
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a consumer with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, done: make(chan struct{}), bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.done) })
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers e to every subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- e:
		case <-sub.done:
		}
	}
}

// Close unsubscribes the consumer. Pending publishes to it are abandoned.
// C is closed once no publish can reach it any more.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)

		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s]; ok {
			delete(s.bus.subs, s)
			close(s.ch)
		}
	})
}

// Close detaches every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Func adapts a function to Publisher.
type Func func(Event)

func (f Func) Publish(e Event) { f(e) }
