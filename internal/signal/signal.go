// Package signal is the in-process pub/sub fabric of the runtime.
// Publishing never blocks: each subscriber owns a bounded buffer and a
// message that finds the buffer full is dropped and counted, so a slow
// consumer can never stall the ingest or outbound paths.
package signal

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentjido/messaging/internal/observe"
)

// Well-known topics.
const (
	TopicMessageReceived    = "message.received"
	TopicMessageSent        = "message.sent"
	TopicMessageFailed      = "message.failed"
	TopicRoomMessageAdded   = "room.message_added"
	TopicRoomCreated        = "room.created"
	TopicBridgeStatus       = "bridge.status"
	TopicPressureTransition = "pressure.transition"
	TopicRetryScheduled     = "outbound.retry_scheduled"
	TopicDeadLetterCaptured = "dead_letter.captured"
	TopicConfigChanged      = "config.changed"
)

// Event is one published message.
type Event struct {
	Topic   string
	At      time.Time
	Payload map[string]any
}

// Subscription is a live topic subscription. Receive events from C and
// call Cancel when done; Cancel closes C.
type Subscription struct {
	C      <-chan Event
	bus    *Bus
	topic  string
	ch     chan Event
	closed atomic.Bool
}

// Cancel detaches the subscription from the bus and closes C.
func (s *Subscription) Cancel() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.bus.remove(s.topic, s.ch)
}

// Bus fans events out to topic subscribers.
type Bus struct {
	mu       sync.RWMutex
	topics   map[string][]chan Event
	buffer   int
	observer observe.Observer

	dropped sync.Map // topic → *atomic.Uint64
}

// NewBus creates a Bus whose subscribers get buffers of the given size.
func NewBus(buffer int, obs observe.Observer) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if obs == nil {
		obs = observe.Nop{}
	}
	return &Bus{
		topics:   map[string][]chan Event{},
		buffer:   buffer,
		observer: obs,
	}
}

// Subscribe registers a subscriber for the topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], ch)
	b.mu.Unlock()
	return &Subscription{C: ch, bus: b, topic: topic, ch: ch}
}

// remove detaches and closes a subscriber channel. The close happens
// under the write lock, so it can never overlap a Publish send.
func (b *Bus) remove(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for i, sub := range subs {
		if sub == ch {
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
	close(ch)
}

// Publish delivers the event to every current subscriber of the topic.
// Full subscriber buffers drop the event for that subscriber only.
func (b *Bus) Publish(topic string, payload map[string]any) {
	evt := Event{Topic: topic, At: time.Now(), Payload: payload}
	// The sends are non-blocking, so the read lock is held across the
	// loop; a channel can only be closed under the write lock.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.topics[topic] {
		select {
		case ch <- evt:
		default:
			b.countDrop(topic)
		}
	}
}

func (b *Bus) countDrop(topic string) {
	counter, _ := b.dropped.LoadOrStore(topic, &atomic.Uint64{})
	counter.(*atomic.Uint64).Add(1)
	b.observer.SignalDropped(topic)
}

// Dropped returns the number of events dropped on the topic so far.
func (b *Bus) Dropped(topic string) uint64 {
	counter, ok := b.dropped.Load(topic)
	if !ok {
		return 0
	}
	return counter.(*atomic.Uint64).Load()
}

// SubscriberCount returns the current number of subscribers for the topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
