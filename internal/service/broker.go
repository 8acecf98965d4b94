package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/Strob0t/AgentForge/internal/domain/message"
)

// DeliverFunc receives an envelope emitted by the broker. The bus installs
// its inbound dispatch here.
type DeliverFunc func(ctx context.Context, env message.Envelope) error

// MessageBroker is a topic-keyed pub/sub fan-out with no durability.
// Delivery is synchronous notification through the installed DeliverFunc.
type MessageBroker struct {
	mu      sync.RWMutex
	topics  map[string]map[string]struct{} // topic -> subscriber agent ids
	deliver DeliverFunc
	logger  *slog.Logger
}

// NewMessageBroker creates an empty broker.
func NewMessageBroker(logger *slog.Logger) *MessageBroker {
	return &MessageBroker{
		topics: make(map[string]map[string]struct{}),
		logger: logger,
	}
}

// SetDeliver installs the emission target. Must be called before Publish or
// Deliver; the bus does this during construction.
func (b *MessageBroker) SetDeliver(fn DeliverFunc) {
	b.mu.Lock()
	b.deliver = fn
	b.mu.Unlock()
}

// Subscribe adds an agent to a topic's subscriber set.
func (b *MessageBroker) Subscribe(topic, agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		b.topics[topic] = subs
	}
	subs[agentID] = struct{}{}
}

// Unsubscribe removes an agent from a topic's subscriber set.
func (b *MessageBroker) Unsubscribe(topic, agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.topics[topic]; ok {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// UnsubscribeAll removes an agent from every topic.
func (b *MessageBroker) UnsubscribeAll(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.topics {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Subscribers returns the sorted subscriber ids of a topic.
func (b *MessageBroker) Subscribers(topic string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.topics[topic]
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Publish fans an envelope out to every subscriber of the topic except the
// excluded id (normally the sender), stamping the topic into metadata.
// Publishes to a topic with no subscribers are dropped. Per-subscriber
// delivery failures are isolated: one failing subscriber does not abort
// delivery to the rest. Returns the number of successful deliveries.
func (b *MessageBroker) Publish(ctx context.Context, topic string, env message.Envelope, exclude string) int {
	subs := b.Subscribers(topic)
	if len(subs) == 0 {
		b.logger.Debug("publish to topic without subscribers", "topic", topic, "message_id", env.ID)
		return 0
	}

	stamped := env.WithTopic(topic)
	delivered := 0
	for _, id := range subs {
		if id == exclude {
			continue
		}
		out := stamped
		out.To = id
		if err := b.emit(ctx, out); err != nil {
			b.logger.Warn("topic delivery failed",
				"topic", topic, "subscriber", id, "message_id", env.ID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Deliver emits an envelope immediately for direct (non-topic) delivery.
func (b *MessageBroker) Deliver(ctx context.Context, env message.Envelope) error {
	return b.emit(ctx, env)
}

func (b *MessageBroker) emit(ctx context.Context, env message.Envelope) error {
	b.mu.RLock()
	fn := b.deliver
	b.mu.RUnlock()

	if fn == nil {
		b.logger.Warn("broker has no deliver target", "message_id", env.ID)
		return nil
	}
	return fn(ctx, env)
}
