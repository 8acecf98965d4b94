// Package broadcast defines the port for streaming real-time core events to
// connected clients.
package broadcast

import "context"

// Broadcaster sends a typed event to all connected clients. Implementations
// must never block the caller; slow clients are dropped, not waited on.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Nop is a Broadcaster that discards everything.
type Nop struct{}

func (Nop) BroadcastEvent(context.Context, string, any) {}
