package service

import (
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain/message"
)

func newTestQueue(maxAttempts int) *MessageQueue {
	return NewMessageQueue(maxAttempts, &seqIDs{}, testLogger())
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := newTestQueue(3)

	q.Enqueue(message.Envelope{ID: "m1", Priority: message.PriorityLow})
	q.Enqueue(message.Envelope{ID: "m2", Priority: message.PriorityHigh})
	q.Enqueue(message.Envelope{ID: "m3", Priority: message.PriorityNormal})
	q.Enqueue(message.Envelope{ID: "m4", Priority: message.PriorityUrgent})

	want := []string{"m2", "m4", "m3", "m1"}
	for i, id := range want {
		qm := q.Dequeue()
		if qm == nil {
			t.Fatalf("dequeue %d: got nil, want %s", i, id)
		}
		if qm.Envelope.ID != id {
			t.Errorf("dequeue %d: got %s, want %s", i, qm.Envelope.ID, id)
		}
	}
	if qm := q.Dequeue(); qm != nil {
		t.Errorf("dequeue on empty queue: got %v, want nil", qm)
	}
}

func TestQueueFIFOWithinLane(t *testing.T) {
	q := newTestQueue(3)

	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(message.Envelope{ID: id, Priority: message.PriorityNormal})
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := q.Dequeue().Envelope.ID; got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	}
}

func TestQueueDelayedHeadBlocksLane(t *testing.T) {
	q := newTestQueue(3)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	first := q.Enqueue(message.Envelope{ID: "delayed", Priority: message.PriorityNormal})
	q.Enqueue(message.Envelope{ID: "behind", Priority: message.PriorityNormal})
	q.Enqueue(message.Envelope{ID: "low", Priority: message.PriorityLow})
	first.DelayUntil = base.Add(time.Minute)

	// The delayed head blocks the normal lane, so the low lane wins the scan.
	if got := q.Dequeue().Envelope.ID; got != "low" {
		t.Fatalf("got %s, want low", got)
	}
	if qm := q.Dequeue(); qm != nil {
		t.Fatalf("lane with delayed head should yield nothing, got %s", qm.Envelope.ID)
	}

	// Once the delay elapses, the lane drains in FIFO order.
	q.now = func() time.Time { return base.Add(2 * time.Minute) }
	if got := q.Dequeue().Envelope.ID; got != "delayed" {
		t.Errorf("got %s, want delayed", got)
	}
	if got := q.Dequeue().Envelope.ID; got != "behind" {
		t.Errorf("got %s, want behind", got)
	}
}

func TestQueueRetryBound(t *testing.T) {
	q := newTestQueue(2)

	qm := q.Enqueue(message.Envelope{ID: "m1", Priority: message.PriorityNormal})
	if got := q.Dequeue(); got != qm {
		t.Fatalf("expected the enqueued message back")
	}

	if err := q.Retry(qm, 0); err != nil {
		t.Fatalf("first retry: %v", err)
	}
	if qm.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", qm.Attempts)
	}

	q.Dequeue()
	if err := q.Retry(qm, 0); err != nil {
		t.Fatalf("second retry: %v", err)
	}
	if qm.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", qm.Attempts)
	}

	q.Dequeue()
	err := q.Retry(qm, 0)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("third retry: got %v, want ErrRetryExhausted", err)
	}
	if qm.Attempts != 2 {
		t.Errorf("refused retry must not increment attempts, got %d", qm.Attempts)
	}
}

func TestQueueRetrySetsDelay(t *testing.T) {
	q := newTestQueue(3)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	qm := q.Enqueue(message.Envelope{ID: "m1", Priority: message.PriorityNormal})
	q.Dequeue()
	if err := q.Retry(qm, 5*time.Second); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if want := base.Add(5 * time.Second); !qm.DelayUntil.Equal(want) {
		t.Errorf("DelayUntil = %v, want %v", qm.DelayUntil, want)
	}

	// Still delayed: nothing deliverable.
	if got := q.Dequeue(); got != nil {
		t.Fatalf("expected nil while delayed, got %s", got.Envelope.ID)
	}
	q.now = func() time.Time { return base.Add(6 * time.Second) }
	if got := q.Dequeue(); got == nil || got.Envelope.ID != "m1" {
		t.Errorf("expected m1 after delay elapsed, got %v", got)
	}
}

func TestQueueFail(t *testing.T) {
	q := newTestQueue(3)

	qm := q.Enqueue(message.Envelope{ID: "m1", Priority: message.PriorityLow})
	q.Enqueue(message.Envelope{ID: "m2", Priority: message.PriorityLow})

	if !q.Fail(qm.QueueID) {
		t.Fatal("Fail should find the queued message")
	}
	if q.Fail(qm.QueueID) {
		t.Fatal("Fail should not find a removed message")
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
	if got := q.Dequeue().Envelope.ID; got != "m2" {
		t.Errorf("got %s, want m2", got)
	}
}

func TestQueueLen(t *testing.T) {
	q := newTestQueue(3)
	if q.Len() != 0 {
		t.Fatalf("empty queue Len = %d", q.Len())
	}
	q.Enqueue(message.Envelope{Priority: message.PriorityHigh})
	q.Enqueue(message.Envelope{Priority: message.PriorityNormal})
	q.Enqueue(message.Envelope{Priority: message.PriorityLow})
	if q.Len() != 3 {
		t.Errorf("Len = %d, want 3", q.Len())
	}
}
