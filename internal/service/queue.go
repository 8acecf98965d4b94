package service

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain/message"
	"github.com/Strob0t/AgentForge/internal/port/identity"
)

// ErrRetryExhausted is returned when a message has already been retried its
// maximum number of times.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// lane indexes the three priority queues, highest first.
type lane int

const (
	laneHigh lane = iota
	laneNormal
	laneLow
	laneCount
)

func (l lane) String() string {
	switch l {
	case laneHigh:
		return "high"
	case laneNormal:
		return "normal"
	case laneLow:
		return "low"
	}
	return "unknown"
}

// laneFor maps a message priority to its queue lane. The high lane absorbs
// both HIGH and URGENT.
func laneFor(p message.Priority) lane {
	switch p {
	case message.PriorityHigh, message.PriorityUrgent:
		return laneHigh
	case message.PriorityLow:
		return laneLow
	default:
		return laneNormal
	}
}

// MessageQueue holds three independent FIFO lanes keyed by priority.
//
// Dequeue scans high -> normal -> low. A head message whose DelayUntil is
// still in the future blocks its lane for that scan: the scan moves on to the
// next lane and the delayed head keeps its place at the front. Later messages
// in the same lane therefore wait behind a still-delayed head. This is a
// documented property of the ordering guarantee (strict FIFO within a lane),
// not a defect; delayed messages are promoted only reactively during scans.
type MessageQueue struct {
	mu          sync.Mutex
	lanes       [laneCount][]*message.Queued
	maxAttempts int
	ids         identity.Generator
	logger      *slog.Logger
	now         func() time.Time
}

// NewMessageQueue creates an empty queue. maxAttempts bounds redelivery per
// message (default 3 when <= 0).
func NewMessageQueue(maxAttempts int, ids identity.Generator, logger *slog.Logger) *MessageQueue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &MessageQueue{
		maxAttempts: maxAttempts,
		ids:         ids,
		logger:      logger,
		now:         time.Now,
	}
}

// Enqueue appends the envelope to its priority lane and returns the queued
// wrapper carrying the queue-local id and attempt bookkeeping.
func (q *MessageQueue) Enqueue(env message.Envelope) *message.Queued {
	qm := &message.Queued{
		Envelope:    env,
		QueueID:     q.ids.NewID(),
		EnqueuedAt:  q.now(),
		Attempts:    0,
		MaxAttempts: q.maxAttempts,
	}

	l := laneFor(env.Priority)
	q.mu.Lock()
	q.lanes[l] = append(q.lanes[l], qm)
	q.mu.Unlock()

	q.logger.Debug("message enqueued", "queue_id", qm.QueueID, "lane", l.String(), "message_id", env.ID)
	return qm
}

// Dequeue removes and returns the next deliverable message, scanning lanes in
// priority order. Returns nil when nothing is deliverable.
func (q *MessageQueue) Dequeue() *message.Queued {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for l := laneHigh; l < laneCount; l++ {
		msgs := q.lanes[l]
		if len(msgs) == 0 {
			continue
		}
		head := msgs[0]
		if !head.DelayUntil.IsZero() && head.DelayUntil.After(now) {
			// Still-delayed head blocks this lane; try the next one.
			continue
		}
		q.lanes[l] = msgs[1:]
		return head
	}
	return nil
}

// Retry re-enqueues a dequeued message at the back of its original lane with
// a delivery delay. Each call increments the attempt count by exactly one;
// once the count reaches MaxAttempts the message is refused with
// ErrRetryExhausted and must not be retried again.
func (q *MessageQueue) Retry(qm *message.Queued, delay time.Duration) error {
	if qm.Attempts >= qm.MaxAttempts {
		return fmt.Errorf("retry %s (attempts %d/%d): %w",
			qm.QueueID, qm.Attempts, qm.MaxAttempts, ErrRetryExhausted)
	}

	qm.Attempts++
	qm.DelayUntil = q.now().Add(delay)

	l := laneFor(qm.Envelope.Priority)
	q.mu.Lock()
	q.lanes[l] = append(q.lanes[l], qm)
	q.mu.Unlock()

	q.logger.Debug("message scheduled for retry",
		"queue_id", qm.QueueID, "attempts", qm.Attempts, "delay", delay)
	return nil
}

// Fail removes the message with the given queue id from all lanes
// permanently, reporting whether it was found.
func (q *MessageQueue) Fail(queueID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for l := laneHigh; l < laneCount; l++ {
		for i, qm := range q.lanes[l] {
			if qm.QueueID == queueID {
				q.lanes[l] = append(q.lanes[l][:i], q.lanes[l][i+1:]...)
				return true
			}
		}
	}
	return false
}

// Len returns the total number of queued messages across all lanes.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for l := laneHigh; l < laneCount; l++ {
		n += len(q.lanes[l])
	}
	return n
}
