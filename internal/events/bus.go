package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"tangled.org/arabica.social/murmur/internal/metrics"
)

// Handler consumes one event. A returned error is logged and does not stop
// delivery to the remaining handlers.
type Handler func(ctx context.Context, e Event) error

// Publisher is the narrow interface components use to emit events
type Publisher interface {
	Publish(ctx context.Context, e Event) Event
}

type subscription struct {
	id      uint64
	name    string
	typ     Type // empty for wildcard
	handler Handler
}

// Stats tracks bus activity
type Stats struct {
	Published       uint64
	HandlerFailures uint64
	Panics          uint64
}

// Bus delivers events synchronously in the publisher's goroutine. Handlers
// run in subscription order and never under the bus lock, so a handler may
// publish or (un)subscribe safely.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	seq       atomic.Uint64
	published atomic.Uint64
	failures  atomic.Uint64
	panics    atomic.Uint64

	now func() time.Time
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers handler for events of type t. The returned function
// removes the subscription and is safe to call more than once.
func (b *Bus) Subscribe(name string, t Type, handler Handler) func() {
	return b.add(name, t, handler)
}

// SubscribeAll registers handler for every event type
func (b *Bus) SubscribeAll(name string, handler Handler) func() {
	return b.add(name, "", handler)
}

func (b *Bus) add(name string, t Type, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, typ: t, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			// copy so snapshots taken by in-flight Publish calls stay intact
			next := make([]subscription, 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			b.subs = append(next, b.subs[i+1:]...)
			return
		}
	}
}

// Publish assigns the next sequence number and delivers e to every matching
// handler before returning the stamped event.
func (b *Bus) Publish(ctx context.Context, e Event) Event {
	e.Seq = b.seq.Add(1)
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	b.published.Add(1)
	metrics.EventsPublishedTotal.WithLabelValues(string(e.Type)).Inc()

	for _, s := range subs {
		if s.typ != "" && s.typ != e.Type {
			continue
		}
		b.deliver(ctx, s, e)
	}
	return e
}

func (b *Bus) deliver(ctx context.Context, s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.failures.Add(1)
			metrics.HandlerFailuresTotal.WithLabelValues(string(e.Type)).Inc()
			log.Error().
				Str("handler", s.name).
				Str("type", string(e.Type)).
				Uint64("seq", e.Seq).
				Str("panic", fmt.Sprint(r)).
				Msg("events: handler panicked")
		}
	}()

	if err := s.handler(ctx, e); err != nil {
		b.failures.Add(1)
		metrics.HandlerFailuresTotal.WithLabelValues(string(e.Type)).Inc()
		log.Warn().
			Err(err).
			Str("handler", s.name).
			Str("type", string(e.Type)).
			Uint64("seq", e.Seq).
			Msg("events: handler failed")
	}
}

// Stats returns a snapshot of the bus counters
func (b *Bus) Stats() Stats {
	return Stats{
		Published:       b.published.Load(),
		HandlerFailures: b.failures.Load(),
		Panics:          b.panics.Load(),
	}
}

// LastSeq returns the most recently assigned sequence number
func (b *Bus) LastSeq() uint64 {
	return b.seq.Load()
}
