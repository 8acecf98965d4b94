package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/agent"
	"github.com/Strob0t/AgentForge/internal/domain/fault"
	"github.com/Strob0t/AgentForge/internal/domain/message"
	"github.com/Strob0t/AgentForge/internal/domain/state"
	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/port/monitor"
)

// Lifecycle precondition errors.
var (
	ErrNotInitialized = errors.New("agent not initialized")
	ErrNotRunning     = errors.New("agent not running")
)

// BaseAgent is the lifecycle finite-state machine every agent variant runs
// inside. Transitions: UNINITIALIZED -> IDLE (Initialize) -> RUNNING (Start)
// <-> PAUSED (Pause/Resume) -> STOPPED (Stop/Cleanup); STOPPED agents can be
// re-initialized.
//
// Fault policy follows three lanes: lifecycle failures are logged, forwarded
// to the error engine, and returned to the caller; task execution failures
// are converted into failed results and never returned as errors; message
// handling failures are converted into ERROR replies when the inbound message
// required a response.
type BaseAgent struct {
	mu          sync.Mutex
	info        agent.Info
	status      agent.Status
	initialized bool
	topics      []string

	runner  Runner
	bus     *CommunicationBus
	states  *StateManager
	faults  *ErrorHandler
	monitor monitor.Monitor
	logger  *slog.Logger
	now     func() time.Time
}

// NewBaseAgent creates an uninitialized agent around the given runner.
func NewBaseAgent(
	info agent.Info,
	topics []string,
	runner Runner,
	bus *CommunicationBus,
	states *StateManager,
	faults *ErrorHandler,
	mon monitor.Monitor,
	logger *slog.Logger,
) *BaseAgent {
	info.Status = agent.StatusUninitialized
	return &BaseAgent{
		info:    info,
		status:  agent.StatusUninitialized,
		topics:  topics,
		runner:  runner,
		bus:     bus,
		states:  states,
		faults:  faults,
		monitor: mon,
		logger:  logger.With("agent_id", info.ID, "agent_type", info.Type),
		now:     time.Now,
	}
}

// ID returns the agent's unique identifier.
func (a *BaseAgent) ID() string { return a.info.ID }

// Info returns a copy of the agent's identity with its current status.
func (a *BaseAgent) Info() agent.Info {
	a.mu.Lock()
	defer a.mu.Unlock()

	info := a.info
	info.Status = a.status
	info.Active = a.status == agent.StatusRunning
	return info
}

// Status returns the agent's current lifecycle state.
func (a *BaseAgent) Status() agent.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Initialize loads prior state best-effort, runs the variant hook, registers
// on the bus, and moves the agent to IDLE. Calling Initialize on an already
// initialized agent is a no-op with a warning. Failures are logged, forwarded
// to the error engine, and returned.
func (a *BaseAgent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		a.logger.Warn("initialize called on initialized agent")
		return nil
	}

	// Best-effort restore of prior state; a missing or failing load is not
	// an initialization failure.
	if st, err := a.states.GetState(ctx, a.info.ID); err == nil && st != nil {
		if err := a.applyStateLocked(st); err != nil {
			a.logger.Warn("prior state restore failed", "error", err)
		}
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		a.logger.Warn("prior state load failed", "error", err)
	}

	if err := a.runner.OnInitialize(ctx); err != nil {
		return a.lifecycleFault(ctx, "initialize", err)
	}

	if err := a.bus.RegisterAgent(a); err != nil {
		return a.lifecycleFault(ctx, "initialize", err)
	}
	for _, topic := range a.topics {
		if err := a.bus.SubscribeTopic(a.info.ID, topic); err != nil {
			a.bus.UnregisterAgent(a.info.ID)
			return a.lifecycleFault(ctx, "initialize", err)
		}
	}

	a.initialized = true
	a.status = agent.StatusIdle
	a.metric(ctx, "agent.initialized", 1)
	a.logger.Info("agent initialized")
	return nil
}

// Start moves an initialized agent to RUNNING. Starting an uninitialized
// agent fails; starting a running agent is a no-op with a warning.
func (a *BaseAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return a.lifecycleFault(ctx, "start", fmt.Errorf("start agent %s: %w", a.info.ID, ErrNotInitialized))
	}
	if a.status == agent.StatusRunning {
		a.logger.Warn("start called on running agent")
		return nil
	}

	if err := a.runner.OnStart(ctx); err != nil {
		return a.lifecycleFault(ctx, "start", err)
	}

	a.status = agent.StatusRunning
	a.metric(ctx, "agent.started", 1)
	a.logger.Info("agent started")
	return nil
}

// Stop moves a running or paused agent to STOPPED. Stopping an agent that is
// neither is a no-op with a warning.
func (a *BaseAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status != agent.StatusRunning && a.status != agent.StatusPaused {
		a.logger.Warn("stop called while not running", "status", string(a.status))
		return nil
	}

	if err := a.runner.OnStop(ctx); err != nil {
		return a.lifecycleFault(ctx, "stop", err)
	}

	a.status = agent.StatusStopped
	a.metric(ctx, "agent.stopped", 1)
	a.logger.Info("agent stopped")
	return nil
}

// Pause suspends a running agent. Pausing while not running is a no-op with
// a warning.
func (a *BaseAgent) Pause(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status != agent.StatusRunning {
		a.logger.Warn("pause called while not running", "status", string(a.status))
		return nil
	}

	if err := a.runner.OnPause(ctx); err != nil {
		return a.lifecycleFault(ctx, "pause", err)
	}

	a.status = agent.StatusPaused
	a.metric(ctx, "agent.paused", 1)
	a.logger.Info("agent paused")
	return nil
}

// Resume returns a paused agent to RUNNING. Resuming while not paused is a
// no-op with a warning.
func (a *BaseAgent) Resume(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status != agent.StatusPaused {
		a.logger.Warn("resume called while not paused", "status", string(a.status))
		return nil
	}

	if err := a.runner.OnResume(ctx); err != nil {
		return a.lifecycleFault(ctx, "resume", err)
	}

	a.status = agent.StatusRunning
	a.metric(ctx, "agent.resumed", 1)
	a.logger.Info("agent resumed")
	return nil
}

// Cleanup unsubscribes from the bus, runs the variant hook, persists final
// state, and resets the agent to STOPPED and uninitialized. A second Cleanup
// is a safe no-op.
func (a *BaseAgent) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		a.logger.Debug("cleanup called on uninitialized agent")
		return nil
	}

	a.bus.UnregisterAgent(a.info.ID)

	if err := a.runner.OnCleanup(ctx); err != nil {
		return a.lifecycleFault(ctx, "cleanup", err)
	}

	if err := a.states.SetState(ctx, a.info.ID, a.snapshotLocked(), "cleanup"); err != nil {
		return a.lifecycleFault(ctx, "cleanup", err)
	}

	a.initialized = false
	a.status = agent.StatusStopped
	a.metric(ctx, "agent.cleaned_up", 1)
	a.logger.Info("agent cleaned up")
	return nil
}

// Execute runs one task through the variant hook. It requires the agent to
// be initialized and RUNNING and fails otherwise; hook failures never
// propagate — they yield a failed Result, an error metric, and a fault event.
func (a *BaseAgent) Execute(ctx context.Context, t task.Task) (task.Result, error) {
	a.mu.Lock()
	ready := a.initialized && a.status == agent.StatusRunning
	a.mu.Unlock()

	if !ready {
		return task.Result{}, fmt.Errorf("execute task %s on agent %s: %w", t.ID, a.info.ID, ErrNotRunning)
	}

	start := a.now()
	out, err := a.runner.OnExecute(ctx, t)
	dur := a.now().Sub(start)

	if err != nil {
		a.metric(ctx, "agent.task.failed", 1)
		a.faults.HandleError(ctx, err, fault.Context{
			AgentID:   a.info.ID,
			Component: "execution",
			Operation: t.Type,
		})
		return task.Result{
			TaskID:      t.ID,
			Success:     false,
			Error:       err.Error(),
			Duration:    dur,
			CompletedAt: a.now(),
		}, nil
	}

	a.metric(ctx, "agent.task.completed", 1)
	return task.Result{
		TaskID:      t.ID,
		Success:     true,
		Output:      out,
		Duration:    dur,
		CompletedAt: a.now(),
	}, nil
}

// ReceiveMessage implements the bus Receiver. Handling an inbound message on
// an uninitialized agent is a no-op with a warning. When the variant hook
// fails and the message required a response, the failure is converted into an
// ERROR reply correlated to the inbound message id; otherwise the failure is
// returned so queued deliveries can be retried.
func (a *BaseAgent) ReceiveMessage(ctx context.Context, env message.Envelope) error {
	a.mu.Lock()
	initialized := a.initialized
	a.mu.Unlock()

	if !initialized {
		a.logger.Warn("message received by uninitialized agent", "message_id", env.ID)
		return nil
	}

	a.metric(ctx, "agent.message.received", 1)

	err := a.runner.OnMessage(ctx, env)
	if err == nil {
		return nil
	}

	a.logger.Warn("message handling failed", "message_id", env.ID, "error", err)

	if env.RequireResponse {
		a.sendErrorReply(ctx, env, err)
		return nil
	}
	return fmt.Errorf("handle message %s: %w", env.ID, err)
}

// sendErrorReply synthesizes an ERROR-type reply carrying the failure and the
// original message id as correlation id.
func (a *BaseAgent) sendErrorReply(ctx context.Context, env message.Envelope, cause error) {
	payload, err := json.Marshal(map[string]string{"error": cause.Error()})
	if err != nil {
		a.logger.Error("error reply marshal failed", "message_id", env.ID, "error", err)
		return
	}

	reply := message.Envelope{
		From:          a.info.ID,
		To:            env.From,
		Type:          message.TypeError,
		Payload:       payload,
		Priority:      message.PriorityHigh,
		CorrelationID: env.ID,
	}
	if _, err := a.bus.Send(ctx, reply); err != nil {
		a.logger.Error("error reply send failed", "message_id", env.ID, "error", err)
	}
}

// State serializes the lifecycle flags, status, config, metadata, and the
// variant's execution context.
func (a *BaseAgent) State() state.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *BaseAgent) snapshotLocked() state.AgentState {
	data := map[string]any{
		"initialized": a.initialized,
		"name":        a.info.Name,
		"type":        a.info.Type,
		"version":     a.info.Version,
	}
	if a.info.Config != nil {
		data["config"] = a.info.Config
	}

	md := make(map[string]any, len(a.info.Metadata))
	for k, v := range a.info.Metadata {
		md[k] = v
	}

	return state.AgentState{
		AgentID:   a.info.ID,
		Status:    string(a.status),
		Data:      data,
		Context:   a.runner.ExecutionContext(),
		Metadata:  md,
		UpdatedAt: a.now(),
	}
}

// SetState rehydrates the agent from a persisted state. Failures are logged,
// forwarded to the error engine, and returned.
func (a *BaseAgent) SetState(ctx context.Context, st *state.AgentState) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.applyStateLocked(st); err != nil {
		return a.lifecycleFault(ctx, "set_state", err)
	}
	return nil
}

func (a *BaseAgent) applyStateLocked(st *state.AgentState) error {
	if st == nil {
		return fmt.Errorf("apply state: %w", fault.ErrValidation)
	}

	if st.Status != "" && st.Status != unknownValue {
		a.status = agent.Status(st.Status)
	}
	if cfg, ok := st.Data["config"].(map[string]any); ok {
		a.info.Config = cfg
	}
	if len(st.Metadata) > 0 {
		if a.info.Metadata == nil {
			a.info.Metadata = map[string]any{}
		}
		for k, v := range st.Metadata {
			a.info.Metadata[k] = v
		}
	}

	if err := a.runner.RestoreExecutionContext(st.Context); err != nil {
		return fmt.Errorf("restore execution context: %w", err)
	}
	return nil
}

// SaveState persists the agent's current state through the state manager.
func (a *BaseAgent) SaveState(ctx context.Context, reason string) error {
	return a.states.SetState(ctx, a.info.ID, a.State(), reason)
}

// lifecycleFault logs, forwards, and returns a lifecycle failure.
func (a *BaseAgent) lifecycleFault(ctx context.Context, op string, err error) error {
	a.logger.Error("lifecycle operation failed", "operation", op, "error", err)
	a.faults.HandleError(ctx, err, fault.Context{
		AgentID:   a.info.ID,
		Component: fault.ComponentLifecycle,
		Operation: op,
	})
	return err
}

func (a *BaseAgent) metric(ctx context.Context, name string, value float64) {
	a.monitor.RecordMetric(ctx, a.info.ID, monitor.Metric{
		Name:  name,
		Value: value,
		Attrs: map[string]string{"agent_type": a.info.Type},
	})
}
