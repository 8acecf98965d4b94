package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/Strob0t/AgentForge/internal/port/broadcast"
	"github.com/Strob0t/AgentForge/internal/port/transport"
)

// EventMirror forwards core events to an inner broadcaster and copies them
// onto the mirror stream's status and alert subjects for external observers.
// Publishing is best effort; a failed copy never blocks the event stream.
type EventMirror struct {
	mirror transport.Transport
	next   broadcast.Broadcaster
	logger *slog.Logger
}

// NewEventMirror wraps the given broadcaster with mirroring over the transport.
func NewEventMirror(t transport.Transport, next broadcast.Broadcaster, logger *slog.Logger) *EventMirror {
	if next == nil {
		next = broadcast.Nop{}
	}
	return &EventMirror{mirror: t, next: next, logger: logger}
}

// mirroredEvent is the wire shape published to the mirror subjects.
type mirroredEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// BroadcastEvent delivers the event to connected clients first, then
// publishes a copy to the matching mirror subject. Event types outside the
// agent and alert families stream to clients only.
func (m *EventMirror) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	m.next.BroadcastEvent(ctx, eventType, payload)

	subject := subjectForEvent(eventType)
	if subject == "" {
		return
	}

	data, err := json.Marshal(mirroredEvent{Type: eventType, Payload: payload})
	if err != nil {
		m.logger.Error("mirror event marshal failed", "type", eventType, "error", err)
		return
	}
	if err := m.mirror.Publish(ctx, subject, data); err != nil {
		m.logger.Debug("mirror event publish failed", "subject", subject, "error", err)
	}
}

// subjectForEvent maps an event type family to its mirror subject.
func subjectForEvent(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "agent."):
		return transport.SubjectStatus
	case strings.HasPrefix(eventType, "alert."):
		return transport.SubjectAlerts
	default:
		return ""
	}
}
