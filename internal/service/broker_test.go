package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/Strob0t/AgentForge/internal/domain/message"
)

// captureDeliver records emitted envelopes and fails ids in failFor.
type captureDeliver struct {
	mu      sync.Mutex
	got     []message.Envelope
	failFor map[string]bool
}

func (c *captureDeliver) fn(_ context.Context, env message.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failFor[env.To] {
		return fmt.Errorf("receiver %s: %w", env.To, errors.New("down"))
	}
	c.got = append(c.got, env)
	return nil
}

func TestBrokerSubscribeUnsubscribe(t *testing.T) {
	b := NewMessageBroker(testLogger())

	b.Subscribe("alpha", "a1")
	b.Subscribe("alpha", "a2")
	b.Subscribe("alpha", "a2") // idempotent
	b.Subscribe("beta", "a1")

	if got := b.Subscribers("alpha"); !reflect.DeepEqual(got, []string{"a1", "a2"}) {
		t.Errorf("alpha subscribers = %v", got)
	}

	b.Unsubscribe("alpha", "a1")
	if got := b.Subscribers("alpha"); !reflect.DeepEqual(got, []string{"a2"}) {
		t.Errorf("after unsubscribe = %v", got)
	}

	b.UnsubscribeAll("a2")
	if got := b.Subscribers("alpha"); len(got) != 0 {
		t.Errorf("after unsubscribe all = %v", got)
	}
	if got := b.Subscribers("beta"); !reflect.DeepEqual(got, []string{"a1"}) {
		t.Errorf("beta subscribers = %v", got)
	}
}

func TestBrokerPublishStampsTopic(t *testing.T) {
	b := NewMessageBroker(testLogger())
	sink := &captureDeliver{}
	b.SetDeliver(sink.fn)

	b.Subscribe("events", "a1")
	env := message.Envelope{ID: "m1", From: "sender", Metadata: map[string]string{"k": "v"}}

	if n := b.Publish(context.Background(), "events", env, "sender"); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}

	out := sink.got[0]
	if out.To != "a1" {
		t.Errorf("To = %s, want a1", out.To)
	}
	if out.Topic() != "events" {
		t.Errorf("topic = %q, want events", out.Topic())
	}
	if out.Metadata["k"] != "v" {
		t.Errorf("existing metadata lost: %v", out.Metadata)
	}
	// Stamping must not mutate the caller's map.
	if _, ok := env.Metadata[message.TopicMetadataKey]; ok {
		t.Error("original metadata mutated by publish")
	}
}

func TestBrokerPublishNoSubscribersDrops(t *testing.T) {
	b := NewMessageBroker(testLogger())
	sink := &captureDeliver{}
	b.SetDeliver(sink.fn)

	if n := b.Publish(context.Background(), "empty", message.Envelope{ID: "m1"}, ""); n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
	if len(sink.got) != 0 {
		t.Errorf("unexpected deliveries: %v", sink.got)
	}
}

func TestBrokerPublishExcludesSender(t *testing.T) {
	b := NewMessageBroker(testLogger())
	sink := &captureDeliver{}
	b.SetDeliver(sink.fn)

	b.Subscribe("events", "sender")
	b.Subscribe("events", "other")

	if n := b.Publish(context.Background(), "events", message.Envelope{From: "sender"}, "sender"); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if sink.got[0].To != "other" {
		t.Errorf("To = %s, want other", sink.got[0].To)
	}
}

func TestBrokerPublishIsolatesFailures(t *testing.T) {
	b := NewMessageBroker(testLogger())
	sink := &captureDeliver{failFor: map[string]bool{"bad": true}}
	b.SetDeliver(sink.fn)

	b.Subscribe("events", "bad")
	b.Subscribe("events", "good")

	if n := b.Publish(context.Background(), "events", message.Envelope{ID: "m1"}, ""); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if len(sink.got) != 1 || sink.got[0].To != "good" {
		t.Errorf("deliveries = %v, want only good", sink.got)
	}
}

func TestBrokerDeliverWithoutTarget(t *testing.T) {
	b := NewMessageBroker(testLogger())
	// No deliver target installed: emission is dropped, not an error.
	if err := b.Deliver(context.Background(), message.Envelope{ID: "m1"}); err != nil {
		t.Errorf("Deliver = %v, want nil", err)
	}
}
