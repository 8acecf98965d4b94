// Package transport defines the optional port for mirroring message envelopes
// to an external broker. The in-process bus remains the authoritative
// delivery path; the mirror exists for external observers and workers.
package transport

import "context"

// Handler processes a message received from the transport.
type Handler func(ctx context.Context, subject string, data []byte) error

// Transport is the port interface for publishing and subscribing to mirrored
// envelopes.
type Transport interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the transport connection immediately.
	Close() error

	// IsConnected reports whether the transport is currently connected.
	IsConnected() bool
}

// Subject constants for mirrored AgentForge traffic.
const (
	SubjectMessages = "agents.messages" // agents.messages.{agent_id}
	SubjectStatus   = "agents.status"   // agent lifecycle transitions
	SubjectAlerts   = "agents.alerts"   // raised fault alerts
)
