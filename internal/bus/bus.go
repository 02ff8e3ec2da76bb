// Package bus provides the in-process pub/sub backbone of the gateway.
//
// Topics are plain strings; agent runs publish on "agent:<session_key>" and
// the cron executor publishes on "cron:results". Delivery is best-effort:
// slow subscribers lose the oldest buffered event rather than blocking a
// publisher. Consumers that need catch-up semantics read from the store,
// not the bus.
package bus

import (
	"sync"
	"sync/atomic"
)

// TopicCronResults receives cron run results that have no result session.
const TopicCronResults = "cron:results"

// AgentTopic returns the per-session topic name.
func AgentTopic(sessionKey string) string {
	return "agent:" + sessionKey
}

// subscriberBuffer is the per-subscriber channel capacity. When full, the
// oldest event is dropped to make room for the newest.
const subscriberBuffer = 256

type subscriber struct {
	id int64
	ch chan Event
}

// Bus is a many-writer / many-reader topic bus. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscriber
	nextID atomic.Int64
}

func New() *Bus {
	return &Bus{topics: make(map[string][]*subscriber)}
}

// Subscribe registers a subscriber on a topic. The returned cancel func
// removes the subscription and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	sub := &subscriber{
		id: b.nextID.Add(1),
		ch: make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			subs := b.topics[topic]
			for i, s := range subs {
				if s.id == sub.id {
					b.topics[topic] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			// Closed under the write lock: Publish holds the read lock
			// across its sends, so no send can race the close.
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to all subscribers of the topic. Never blocks:
// a full subscriber buffer drops its oldest event first.
func (b *Bus) Publish(topic string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.topics[topic] {
		select {
		case s.ch <- ev:
		default:
			// Drop-oldest, then retry once. If a concurrent reader drained
			// the channel in between, the second send just succeeds.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}

// SubscriberCount reports active subscriptions on a topic (for tests and
// health reporting).
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
