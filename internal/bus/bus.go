package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Subscription receives events whose topic starts with its prefix.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub with topic prefix matching. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	now    func() time.Time
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
		now:  time.Now,
	}
}

// Subscribe registers for topics starting with prefix. An empty prefix matches all.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish fans an event out to matching subscribers. A nil Bus is a no-op so
// components can be built without one.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, At: b.now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
