// Package message defines the message envelope exchanged between agents.
package message

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of message carried by an envelope.
type Type string

const (
	TypeCommand        Type = "command"
	TypeRequest        Type = "request"
	TypeResponse       Type = "response"
	TypeNotification   Type = "notification"
	TypeError          Type = "error"
	TypeStatus         Type = "status"
	TypeStateSync      Type = "state_sync"
	TypeTaskAssignment Type = "task_assignment"
	TypeTaskCompletion Type = "task_completion"
)

// Priority orders message delivery. High and Urgent share the high queue lane.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// BroadcastTarget is the reserved To value for topic fan-out delivery.
const BroadcastTarget = "broadcast"

// TopicMetadataKey is the metadata key carrying the originating topic.
const TopicMetadataKey = "topic"

// Envelope is the wire shape of a single message. CorrelationID round-trips
// unchanged so responses can be matched to their originating request.
type Envelope struct {
	ID              string            `json:"id"`
	From            string            `json:"from"`
	To              string            `json:"to"`
	Type            Type              `json:"type"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	Priority        Priority          `json:"priority"`
	Timestamp       time.Time         `json:"timestamp"`
	RequireResponse bool              `json:"require_response"`
	Timeout         time.Duration     `json:"timeout,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Topic returns the originating topic stamped by the broker, if any.
func (e Envelope) Topic() string {
	return e.Metadata[TopicMetadataKey]
}

// WithTopic returns a copy of the envelope with the topic stamped into
// metadata. The original metadata map is not mutated.
func (e Envelope) WithTopic(topic string) Envelope {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[TopicMetadataKey] = topic
	e.Metadata = md
	return e
}

// Queued wraps an envelope with queue-local delivery bookkeeping.
type Queued struct {
	Envelope    Envelope  `json:"envelope"`
	QueueID     string    `json:"queue_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	// DelayUntil defers delivery until the given time. Zero means deliverable.
	DelayUntil time.Time `json:"delay_until,omitempty"`
}
