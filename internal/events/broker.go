// Package events fans pipeline outcomes out to live subscribers.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultCapacity  = 100
	DefaultKeepalive = 30 * time.Second
)

// Event types.
const (
	TypeConnected = "connected"
	TypeKeepalive = "keepalive"
	TypeNewEmail  = "new_email"
)

// ErrClosed is returned by Next after the subscription was closed.
var ErrClosed = errors.New("subscription closed")

// Event is one message delivered to subscribers.
type Event struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// Broker is the registry of subscriber queues. Publish never blocks: a full
// queue drops the event for that subscriber only.
type Broker struct {
	mu        sync.Mutex
	subs      map[string]chan Event
	capacity  int
	keepalive time.Duration
	dropped   atomic.Uint64
}

// NewBroker creates a broker. Non-positive values select the defaults.
func NewBroker(capacity int, keepalive time.Duration) *Broker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return &Broker{
		subs:      make(map[string]chan Event),
		capacity:  capacity,
		keepalive: keepalive,
	}
}

// Publish delivers ev to every subscriber with room in its queue.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a new queue.
func (b *Broker) Subscribe() *Subscription {
	id := uuid.NewString()
	ch := make(chan Event, b.capacity)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	return &Subscription{id: id, ch: ch, broker: b}
}

// Subscribers returns the number of registered queues.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the number of events discarded on full queues.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscription is one subscriber's view of the broker. It is not safe for
// concurrent use by multiple readers.
type Subscription struct {
	id        string
	ch        chan Event
	broker    *Broker
	greeted   bool
	closeOnce sync.Once
}

// ID returns the subscriber id.
func (s *Subscription) ID() string {
	return s.id
}

// Next returns the connection acknowledgement first, then queued events. A
// keepalive event is returned when nothing arrives within the broker's
// keepalive interval.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	if !s.greeted {
		s.greeted = true
		return Event{Type: TypeConnected, ClientID: s.id}, nil
	}

	timer := time.NewTimer(s.broker.keepalive)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-timer.C:
		return Event{Type: TypeKeepalive}, nil
	}
}

// Close removes the queue from the broker. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { s.broker.remove(s.id) })
}
