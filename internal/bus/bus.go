// Package bus is an in-process pub/sub used to fan task lifecycle and stream
// events out to gateway subscribers.
package bus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is one published message. Payloads are the value types in topics.go
// or stream events.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives every event whose topic starts with its prefix.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus never blocks publishers: a subscriber that falls behind loses events
// and the loss is visible through Dropped.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscription
}

func New() *Bus { return &Bus{} }

// Subscribe registers a subscription with the default 100-event buffer. An
// empty prefix matches every topic.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, defaultBufferSize)
}

func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	sub := &Subscription{prefix: topicPrefix, ch: make(chan Event, size)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.Index(b.subs, sub)
	if i < 0 {
		return
	}
	b.subs = slices.Delete(b.subs, i, i+1)
	close(sub.ch)
}

// Publish offers the event to each matching subscriber and returns how many
// accepted it. Publishing on a nil Bus does nothing.
func (b *Bus) Publish(topic string, payload any) int {
	if b == nil {
		return 0
	}
	ev := Event{Topic: topic, Payload: payload}
	delivered := 0

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}
	return delivered
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
