// Package nats implements the transport port on NATS JetStream, mirroring
// envelope traffic onto a durable stream for external observers.
package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/AgentForge/internal/port/transport"
)

const streamName = "AGENTFORGE"

// Transport carries mirrored envelopes over a JetStream stream covering the
// agents.> subject space.
type Transport struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials NATS and ensures the mirror stream exists.
func Connect(ctx context.Context, url string) (*Transport, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"agents.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Transport{nc: nc, js: js}, nil
}

// JetStream exposes the underlying JetStream context, used to open the L2
// cache bucket on the same connection.
func (t *Transport) JetStream() jetstream.JetStream {
	return t.js
}

// Publish sends a message to the given subject.
func (t *Transport) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := t.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject.
func (t *Transport) Subscribe(ctx context.Context, subject string, handler transport.Handler) (func(), error) {
	consumer, err := t.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(ctx, msg.Subject(), msg.Data()); err != nil {
			slog.Error("mirror handler failed", "subject", msg.Subject(), "error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// Drain flushes pending messages and closes the connection gracefully.
func (t *Transport) Drain() error {
	return t.nc.Drain()
}

// Close shuts down the connection immediately.
func (t *Transport) Close() error {
	t.nc.Close()
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (t *Transport) IsConnected() bool {
	return t.nc.IsConnected()
}
