package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/AgentForge/internal/config"
	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/fault"
	"github.com/Strob0t/AgentForge/internal/domain/message"
	"github.com/Strob0t/AgentForge/internal/port/identity"
	"github.com/Strob0t/AgentForge/internal/port/transport"
)

// Receiver is implemented by agents registered on the bus.
type Receiver interface {
	ID() string
	ReceiveMessage(ctx context.Context, env message.Envelope) error
}

// CommunicationBus composes the broker and the priority queue. It owns agent
// registration, topic subscription, direct send, broadcast, publish, and
// correlated request/response with timeout.
//
// Delivery is at-least-once with bounded retry for queued messages; exactly
// once is not guaranteed.
type CommunicationBus struct {
	mu     sync.RWMutex
	agents map[string]Receiver

	broker  *MessageBroker
	queue   *MessageQueue
	pending *responseTable
	faults  *ErrorHandler
	mirror  transport.Transport // optional, nil disables mirroring
	ids     identity.Generator
	logger  *slog.Logger

	requestTimeout   time.Duration
	retryDelay       time.Duration
	dispatchInterval time.Duration

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewCommunicationBus wires a bus over the given broker and queue and
// installs itself as the broker's delivery target.
func NewCommunicationBus(
	broker *MessageBroker,
	queue *MessageQueue,
	faults *ErrorHandler,
	ids identity.Generator,
	logger *slog.Logger,
	cfg config.Bus,
) *CommunicationBus {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 50 * time.Millisecond
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	b := &CommunicationBus{
		agents:           make(map[string]Receiver),
		broker:           broker,
		queue:            queue,
		pending:          newResponseTable(),
		faults:           faults,
		ids:              ids,
		logger:           logger,
		requestTimeout:   cfg.RequestTimeout,
		retryDelay:       cfg.RetryDelay,
		dispatchInterval: cfg.DispatchInterval,
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
		now:              time.Now,
	}
	broker.SetDeliver(b.dispatch)
	return b
}

// SetMirror installs an optional transport that receives a best-effort copy
// of every routed envelope. The in-process bus stays authoritative.
func (b *CommunicationBus) SetMirror(t transport.Transport) {
	b.mu.Lock()
	b.mirror = t
	b.mu.Unlock()
}

// Start launches the queue dispatcher. It returns immediately.
func (b *CommunicationBus) Start(ctx context.Context) {
	go b.dispatchLoop(ctx)
}

// Stop terminates the queue dispatcher. Safe to call more than once.
func (b *CommunicationBus) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// RegisterAgent adds a receiver to the bus. Agent ids are unique; a second
// registration with the same id fails.
func (b *CommunicationBus) RegisterAgent(r Receiver) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := r.ID()
	if _, exists := b.agents[id]; exists {
		return fmt.Errorf("register agent %s: %w", id, domain.ErrAlreadyRegistered)
	}
	b.agents[id] = r
	b.logger.Info("agent registered on bus", "agent_id", id)
	return nil
}

// UnregisterAgent removes a receiver and all of its topic subscriptions.
func (b *CommunicationBus) UnregisterAgent(id string) {
	b.mu.Lock()
	delete(b.agents, id)
	b.mu.Unlock()

	b.broker.UnsubscribeAll(id)
	b.logger.Info("agent unregistered from bus", "agent_id", id)
}

// SubscribeTopic subscribes a registered agent to a topic.
func (b *CommunicationBus) SubscribeTopic(agentID, topic string) error {
	b.mu.RLock()
	_, ok := b.agents[agentID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("subscribe %s to %s: %w", agentID, topic, domain.ErrNotFound)
	}
	b.broker.Subscribe(topic, agentID)
	return nil
}

// UnsubscribeTopic removes a topic subscription.
func (b *CommunicationBus) UnsubscribeTopic(agentID, topic string) {
	b.broker.Unsubscribe(topic, agentID)
}

// Send routes an envelope to its target. HIGH and URGENT priorities deliver
// immediately through the broker; everything else is queued. When the
// envelope requires a response, Send suspends until a response correlated to
// the message id arrives or the timeout (envelope's own, else the bus
// default) elapses.
//
// Delivery failures do not fail the caller; they route through the error
// engine. Send fails only on a response timeout or context cancellation.
func (b *CommunicationBus) Send(ctx context.Context, env message.Envelope) (*message.Envelope, error) {
	env = b.fillDefaults(env)

	var respCh <-chan *message.Envelope
	if env.RequireResponse {
		respCh = b.pending.await(env.ID)
	}

	b.route(ctx, env)

	if !env.RequireResponse {
		return nil, nil
	}

	timeout := env.Timeout
	if timeout <= 0 {
		timeout = b.requestTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		b.pending.cancel(env.ID)
		return nil, fmt.Errorf("request %s to %s timed out after %s: %w",
			env.ID, env.To, timeout, fault.ErrTimeout)
	case <-ctx.Done():
		b.pending.cancel(env.ID)
		return nil, fmt.Errorf("request %s to %s: %w", env.ID, env.To, ctx.Err())
	}
}

// Publish fans an envelope out to every subscriber of the topic except the
// sender. Per-subscriber failures are isolated and reported as fault events.
// Returns the number of successful deliveries.
func (b *CommunicationBus) Publish(ctx context.Context, topic string, env message.Envelope) int {
	env = b.fillDefaults(env)
	n := b.broker.Publish(ctx, topic, env, env.From)
	b.mirrorOut(ctx, env.WithTopic(topic))
	return n
}

// Broadcast delivers an envelope to every registered agent except the sender.
// Per-recipient failures are isolated and reported as fault events.
func (b *CommunicationBus) Broadcast(ctx context.Context, env message.Envelope) int {
	env = b.fillDefaults(env)

	b.mu.RLock()
	targets := make([]Receiver, 0, len(b.agents))
	for id, r := range b.agents {
		if id == env.From {
			continue
		}
		targets = append(targets, r)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, r := range targets {
		out := env
		out.To = r.ID()
		if err := r.ReceiveMessage(ctx, out); err != nil {
			b.deliveryFault(ctx, out, err)
			continue
		}
		delivered++
	}
	b.mirrorOut(ctx, env)
	return delivered
}

// fillDefaults stamps id, timestamp, and priority when absent.
func (b *CommunicationBus) fillDefaults(env message.Envelope) message.Envelope {
	if env.ID == "" {
		env.ID = b.ids.NewID()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = b.now()
	}
	if env.Priority == "" {
		env.Priority = message.PriorityNormal
	}
	return env
}

// route sends an envelope down the immediate or queued path.
func (b *CommunicationBus) route(ctx context.Context, env message.Envelope) {
	switch env.Priority {
	case message.PriorityHigh, message.PriorityUrgent:
		if err := b.broker.Deliver(ctx, env); err != nil {
			b.deliveryFault(ctx, env, err)
		}
	default:
		b.queue.Enqueue(env)
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	b.mirrorOut(ctx, env)
}

// dispatch is the inbound path for broker emissions and queue drains.
// Responses are matched to pending waiters first; "broadcast" targets are
// re-fanned-out via the topic stamped in metadata; everything else goes to
// the target agent directly. A missing recipient raises a fault event rather
// than an error; a receiver failure is returned so queued deliveries can be
// retried.
func (b *CommunicationBus) dispatch(ctx context.Context, env message.Envelope) error {
	if env.CorrelationID != "" && (env.Type == message.TypeResponse || env.Type == message.TypeError) {
		if b.pending.resolve(env.CorrelationID, &env) {
			return nil
		}
		// No requester waiting (late response): fall through to normal delivery.
		b.logger.Debug("no pending request for response", "correlation_id", env.CorrelationID)
	}

	if env.To == message.BroadcastTarget {
		if topic := env.Topic(); topic != "" {
			b.broker.Publish(ctx, topic, env, env.From)
		} else {
			b.Broadcast(ctx, env)
		}
		return nil
	}

	b.mu.RLock()
	r, ok := b.agents[env.To]
	b.mu.RUnlock()

	if !ok {
		err := fmt.Errorf("deliver message %s to %s: %w", env.ID, env.To, domain.ErrNotFound)
		b.deliveryFault(ctx, env, err)
		return nil
	}

	return r.ReceiveMessage(ctx, env)
}

// dispatchLoop drains the queue on a timer and on enqueue wake-ups.
func (b *CommunicationBus) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(b.dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case <-b.wake:
		case <-ticker.C:
		}
		b.drainQueue(ctx)
	}
}

// drainQueue dispatches deliverable messages until the queue yields nothing.
// Failed deliveries are re-queued with a delay until attempts are exhausted,
// then surfaced through the error engine.
func (b *CommunicationBus) drainQueue(ctx context.Context) {
	for {
		qm := b.queue.Dequeue()
		if qm == nil {
			return
		}

		err := b.dispatch(ctx, qm.Envelope)
		if err == nil {
			continue
		}

		if retryErr := b.queue.Retry(qm, b.retryDelay); retryErr != nil {
			b.deliveryFault(ctx, qm.Envelope,
				fmt.Errorf("message %s dropped after %d attempts: %w", qm.Envelope.ID, qm.Attempts, err))
		}
	}
}

// deliveryFault reports a delivery failure through the error engine without
// propagating it to the sender.
func (b *CommunicationBus) deliveryFault(ctx context.Context, env message.Envelope, err error) {
	b.logger.Warn("message delivery failed",
		"message_id", env.ID, "to", env.To, "type", string(env.Type), "error", err)
	b.faults.HandleError(ctx, err, fault.Context{
		AgentID:   env.To,
		Component: "bus",
		Operation: "deliver",
	})
}

// responseTable tracks in-flight request/response correlations for the bus.
// Each slot is a one-element buffered channel so resolving never blocks on a
// slow requester.
type responseTable struct {
	mu      sync.Mutex
	pending map[string]chan *message.Envelope
}

func newResponseTable() *responseTable {
	return &responseTable{pending: make(map[string]chan *message.Envelope)}
}

// await opens a slot for the request id and returns the channel its response
// will arrive on.
func (t *responseTable) await(requestID string) <-chan *message.Envelope {
	ch := make(chan *message.Envelope, 1)
	t.mu.Lock()
	t.pending[requestID] = ch
	t.mu.Unlock()
	return ch
}

// cancel abandons the slot for the request id. Responses arriving afterwards
// are treated as late and flow through normal delivery.
func (t *responseTable) cancel(requestID string) {
	t.mu.Lock()
	delete(t.pending, requestID)
	t.mu.Unlock()
}

// resolve hands the response to the requester waiting on the correlation id
// and closes the slot, reporting whether anyone was waiting.
func (t *responseTable) resolve(correlationID string, env *message.Envelope) bool {
	t.mu.Lock()
	ch, ok := t.pending[correlationID]
	delete(t.pending, correlationID)
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- env
	return true
}

// mirrorOut copies an envelope to the external transport, best effort.
func (b *CommunicationBus) mirrorOut(ctx context.Context, env message.Envelope) {
	b.mu.RLock()
	mirror := b.mirror
	b.mu.RUnlock()
	if mirror == nil {
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("mirror marshal failed", "message_id", env.ID, "error", err)
		return
	}
	subject := transport.SubjectMessages + "." + env.To
	if err := mirror.Publish(ctx, subject, data); err != nil {
		b.logger.Debug("mirror publish failed", "subject", subject, "error", err)
	}
}
