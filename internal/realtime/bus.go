// Package realtime is the in-process publish/subscribe bus that carries
// row change events and ephemeral broadcasts to subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"

	"github.com/rs/zerolog/log"
)

const defaultBufferSize = 64

// Bus fans events out to topic subscribers. Delivery is at-least-once only
// while a subscription is alive; nothing is replayed after a drop.
type Bus struct {
	mu         sync.RWMutex
	topics     map[string]map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	now        func() time.Time
}

// Option configures a Bus
type Option func(*Bus)

// WithBufferSize sets how many undelivered events a subscriber may hold
// before it is dropped.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithClock overrides the time source for event timestamps
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewBus creates an empty bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		topics:     make(map[string]map[uint64]*Subscription),
		bufferSize: defaultBufferSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber on topic. The subscription is released
// when Close is called or ctx is done, whichever happens first.
func (b *Bus) Subscribe(ctx context.Context, topic string, filter Filter) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		topic:  topic,
		filter: filter,
		bus:    b,
		events: make(chan Event, b.bufferSize),
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.id] = sub
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()

	log.Debug().Str("topic", topic).Uint64("subscription_id", sub.id).Msg("Subscribed")
	return sub, nil
}

// EmitChange delivers a change-feed event and returns how many subscribers received it
func (b *Bus) EmitChange(topic string, change Change) int {
	return b.fanout(Event{
		Topic:  topic,
		Kind:   KindChange,
		Change: &change,
		SentAt: b.now(),
	})
}

// Publish delivers an ephemeral broadcast to the currently connected
// subscribers of topic and returns how many received it.
func (b *Bus) Publish(topic, sender string, payload any) (int, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}
	return b.fanout(Event{
		Topic:   topic,
		Kind:    KindBroadcast,
		Sender:  sender,
		Payload: raw,
		SentAt:  b.now(),
	}), nil
}

// SubscriberCount returns the number of live subscriptions on topic
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// DropTopic drops every subscriber of topic with ErrSubscriptionDropped
func (b *Bus) DropTopic(topic string) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for _, sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.drop()
	}
}

// Shutdown drops every subscriber so remote clients reconnect elsewhere
func (b *Bus) Shutdown() {
	b.mu.RLock()
	topics := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		topics = append(topics, topic)
	}
	b.mu.RUnlock()

	for _, topic := range topics {
		b.DropTopic(topic)
	}
}

func (b *Bus) fanout(e Event) int {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[e.Topic]))
	for _, sub := range b.topics[e.Topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.deliver(e) {
			delivered++
		}
	}
	return delivered
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Subscription is a handle on one topic subscription
type Subscription struct {
	id     uint64
	topic  string
	filter Filter
	bus    *Bus
	events chan Event
	stop   func() bool

	mu     sync.Mutex
	closed bool
	err    error
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() string { return s.topic }

// Events returns the event stream. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.events }

// Err returns ErrSubscriptionDropped if the bus dropped the subscriber,
// nil otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.end(nil)
	return nil
}

func (s *Subscription) drop() {
	if s.end(models.ErrSubscriptionDropped) {
		log.Warn().Str("topic", s.topic).Uint64("subscription_id", s.id).Msg("Subscriber dropped")
	}
}

func (s *Subscription) end(err error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.err = err
	close(s.events)
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.bus.remove(s)
	return true
}

func (s *Subscription) deliver(e Event) bool {
	if !s.filter.Matches(e) {
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	select {
	case s.events <- e:
		s.mu.Unlock()
		return true
	default:
		s.mu.Unlock()
		// The subscriber fell behind; it must resubscribe and re-read state.
		s.drop()
		return false
	}
}
