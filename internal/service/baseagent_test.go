package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain/agent"
	"github.com/Strob0t/AgentForge/internal/domain/fault"
	"github.com/Strob0t/AgentForge/internal/domain/message"
	"github.com/Strob0t/AgentForge/internal/domain/task"
)

// testRunner records hook invocations and fails where configured.
type testRunner struct {
	NopRunner

	calls []string

	initErr    error
	startErr   error
	executeErr error
	messageErr error
	output     any
	ectx       map[string]any
}

func (r *testRunner) OnInitialize(context.Context) error {
	r.calls = append(r.calls, "initialize")
	return r.initErr
}

func (r *testRunner) OnStart(context.Context) error {
	r.calls = append(r.calls, "start")
	return r.startErr
}

func (r *testRunner) OnExecute(_ context.Context, t task.Task) (any, error) {
	r.calls = append(r.calls, "execute:"+t.ID)
	return r.output, r.executeErr
}

func (r *testRunner) OnMessage(_ context.Context, env message.Envelope) error {
	r.calls = append(r.calls, "message:"+env.ID)
	return r.messageErr
}

func (r *testRunner) ExecutionContext() map[string]any {
	if r.ectx == nil {
		return map[string]any{}
	}
	return r.ectx
}

func (r *testRunner) RestoreExecutionContext(ectx map[string]any) error {
	r.ectx = ectx
	return nil
}

type agentFixture struct {
	agent  *BaseAgent
	runner *testRunner
	bus    *CommunicationBus
	faults *ErrorHandler
	mon    *recMonitor
	store  *fakeStore
	states *StateManager
}

func newAgentFixture(t *testing.T, topics []string) *agentFixture {
	t.Helper()

	bus, faults, mon := newTestBus(t)
	store := newFakeStore()
	states := newTestStateManager(store, newFakeCache())

	runner := &testRunner{}
	a := NewBaseAgent(agent.Info{
		ID: "agent-1", Name: "worker", Type: "test", Version: "1",
	}, topics, runner, bus, states, faults, mon, testLogger())

	return &agentFixture{
		agent: a, runner: runner, bus: bus, faults: faults,
		mon: mon, store: store, states: states,
	}
}

func TestAgentLifecycleHappyPath(t *testing.T) {
	f := newAgentFixture(t, []string{"events"})
	ctx := context.Background()
	a := f.agent

	if got := a.Status(); got != agent.StatusUninitialized {
		t.Fatalf("status = %s, want uninitialized", got)
	}

	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := a.Status(); got != agent.StatusIdle {
		t.Errorf("status = %s, want idle", got)
	}
	if subs := f.bus.broker.Subscribers("events"); len(subs) != 1 || subs[0] != "agent-1" {
		t.Errorf("topic subscriptions = %v", subs)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := a.Status(); got != agent.StatusRunning {
		t.Errorf("status = %s, want running", got)
	}
	if !a.Info().Active {
		t.Error("running agent must report active")
	}

	if err := a.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := a.Status(); got != agent.StatusPaused {
		t.Errorf("status = %s, want paused", got)
	}

	if err := a.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := a.Status(); got != agent.StatusRunning {
		t.Errorf("status = %s, want running", got)
	}

	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := a.Status(); got != agent.StatusStopped {
		t.Errorf("status = %s, want stopped", got)
	}

	if got := f.mon.metricCount("agent.initialized"); got != 1 {
		t.Errorf("agent.initialized metrics = %d, want 1", got)
	}
}

func TestAgentStartRequiresInitialize(t *testing.T) {
	f := newAgentFixture(t, nil)

	err := f.agent.Start(context.Background())
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}

	// Lifecycle failures are forwarded to the error engine.
	hist := f.faults.History("agent-1")
	if len(hist) != 1 || hist[0].Context.Component != fault.ComponentLifecycle {
		t.Fatalf("history = %+v, want one lifecycle entry", hist)
	}
	if !hist[0].Severity.AtLeast(fault.SeverityHigh) {
		t.Errorf("severity = %s, want at least high", hist[0].Severity)
	}
}

func TestAgentLifecycleNoOps(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()
	a := f.agent

	if err := a.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	// Second initialize, pause while idle, stop while idle, resume while
	// running: all warnings, never errors.
	if err := a.Initialize(ctx); err != nil {
		t.Errorf("re-initialize: %v", err)
	}
	if err := a.Pause(ctx); err != nil {
		t.Errorf("pause while idle: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Errorf("stop while idle: %v", err)
	}
	if got := a.Status(); got != agent.StatusIdle {
		t.Errorf("status = %s, want idle after no-ops", got)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		t.Errorf("start while running: %v", err)
	}
	if err := a.Resume(ctx); err != nil {
		t.Errorf("resume while running: %v", err)
	}

	// The runner only saw the real transitions.
	want := []string{"initialize", "start"}
	if len(f.runner.calls) != len(want) {
		t.Errorf("runner calls = %v, want %v", f.runner.calls, want)
	}
}

func TestAgentInitializeHookFailure(t *testing.T) {
	f := newAgentFixture(t, nil)
	f.runner.initErr = errors.New("boot failed")

	err := f.agent.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected initialize to fail")
	}
	if got := f.agent.Status(); got != agent.StatusUninitialized {
		t.Errorf("status = %s, want uninitialized after failure", got)
	}
	// The failed agent must not be registered on the bus.
	if err := f.bus.RegisterAgent(f.agent); err != nil {
		t.Errorf("bus registration leaked: %v", err)
	}
}

func TestAgentExecute(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()
	f.runner.output = map[string]any{"answer": 42}

	if _, err := f.agent.Execute(ctx, task.Task{ID: "t1"}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("execute before running: got %v, want ErrNotRunning", err)
	}

	if err := f.agent.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.agent.Start(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := f.agent.Execute(ctx, task.Task{ID: "t1", Type: "compute"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.TaskID != "t1" {
		t.Errorf("result = %+v", res)
	}
	if res.Duration < 0 {
		t.Errorf("duration = %s", res.Duration)
	}
	if out, ok := res.Output.(map[string]any); !ok || out["answer"] != 42 {
		t.Errorf("output = %v", res.Output)
	}
	if got := f.mon.metricCount("agent.task.completed"); got != 1 {
		t.Errorf("completed metrics = %d, want 1", got)
	}
}

func TestAgentExecuteFailureYieldsFailedResult(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()
	f.runner.executeErr = fmt.Errorf("compute: %w", fault.ErrTimeout)

	if err := f.agent.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.agent.Start(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := f.agent.Execute(ctx, task.Task{ID: "t1", Type: "compute"})
	if err != nil {
		t.Fatalf("hook failures must not propagate: %v", err)
	}
	if res.Success {
		t.Error("result must be failed")
	}
	if res.Error == "" {
		t.Error("result must carry the failure text")
	}
	if got := f.mon.metricCount("agent.task.failed"); got != 1 {
		t.Errorf("failed metrics = %d, want 1", got)
	}

	hist := f.faults.History("agent-1")
	if len(hist) != 1 || hist[0].Context.Component != "execution" || hist[0].Context.Operation != "compute" {
		t.Errorf("fault history = %+v", hist)
	}
}

func TestAgentReceiveMessage(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	// Uninitialized: dropped with a warning, not an error.
	if err := f.agent.ReceiveMessage(ctx, message.Envelope{ID: "m0"}); err != nil {
		t.Fatalf("uninitialized receive: %v", err)
	}
	if len(f.runner.calls) != 0 {
		t.Fatal("hook must not run before initialization")
	}

	if err := f.agent.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.agent.ReceiveMessage(ctx, message.Envelope{ID: "m1"}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got := f.runner.calls[len(f.runner.calls)-1]; got != "message:m1" {
		t.Errorf("last call = %s", got)
	}
}

func TestAgentMessageFailureReturnsErrorForRetry(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()
	f.runner.messageErr = errors.New("cannot handle")

	if err := f.agent.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	err := f.agent.ReceiveMessage(ctx, message.Envelope{ID: "m1"})
	if err == nil {
		t.Fatal("fire-and-forget handling failure must surface for retry")
	}
}

func TestAgentMessageFailureSendsErrorReply(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()
	f.runner.messageErr = errors.New("cannot handle")

	if err := f.agent.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	// A requester waits for the correlated reply.
	requester := &stubReceiver{id: "requester"}
	if err := f.bus.RegisterAgent(requester); err != nil {
		t.Fatal(err)
	}

	resp, err := f.bus.Send(ctx, message.Envelope{
		From: "requester", To: "agent-1",
		Type:            message.TypeRequest,
		Priority:        message.PriorityHigh,
		RequireResponse: true,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp == nil || resp.Type != message.TypeError {
		t.Fatalf("expected an error reply, got %+v", resp)
	}

	var body map[string]string
	if err := json.Unmarshal(resp.Payload, &body); err != nil {
		t.Fatalf("reply payload: %v", err)
	}
	if body["error"] != "cannot handle" {
		t.Errorf("reply error = %q", body["error"])
	}
}

func TestAgentStatePersistsAndRestores(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()
	f.runner.ectx = map[string]any{"cursor": "page-3"}

	if err := f.agent.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.agent.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.agent.SaveState(ctx, "checkpoint"); err != nil {
		t.Fatalf("save state: %v", err)
	}

	// A fresh agent with the same id restores the execution context during
	// initialization and ends up IDLE, ready to start.
	runner2 := &testRunner{}
	a2 := NewBaseAgent(agent.Info{ID: "agent-1", Name: "worker", Type: "test"},
		nil, runner2, newTestBusForRestore(t), f.states, f.faults, f.mon, testLogger())
	if err := a2.Initialize(ctx); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	if got := a2.Status(); got != agent.StatusIdle {
		t.Errorf("restored status = %s, want idle", got)
	}
	if runner2.ectx["cursor"] != "page-3" {
		t.Errorf("execution context = %v", runner2.ectx)
	}
}

// newTestBusForRestore builds an independent bus so the restored agent can
// register under an id still held on the original bus.
func newTestBusForRestore(t *testing.T) *CommunicationBus {
	t.Helper()
	bus, _, _ := newTestBus(t)
	return bus
}

func TestAgentCleanup(t *testing.T) {
	f := newAgentFixture(t, []string{"events"})
	ctx := context.Background()

	// Cleanup before initialization is a safe no-op.
	if err := f.agent.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup uninitialized: %v", err)
	}

	if err := f.agent.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.agent.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if got := f.agent.Status(); got != agent.StatusStopped {
		t.Errorf("status = %s, want stopped", got)
	}

	// Final state was persisted with the cleanup reason.
	st, err := f.states.GetState(ctx, "agent-1")
	if err != nil {
		t.Fatalf("state after cleanup: %v", err)
	}
	if st.Metadata["reason"] != "cleanup" {
		t.Errorf("reason = %v", st.Metadata["reason"])
	}

	// Bus registration and subscriptions are gone.
	if subs := f.bus.broker.Subscribers("events"); len(subs) != 0 {
		t.Errorf("subscriptions survived cleanup: %v", subs)
	}
	if err := f.bus.RegisterAgent(f.agent); err != nil {
		t.Errorf("bus slot not released: %v", err)
	}

	// Cleaned-up agents can be initialized again.
	if err := f.agent.Initialize(ctx); err != nil {
		t.Errorf("re-initialize after cleanup: %v", err)
	}
}

func TestAgentExecuteDuration(t *testing.T) {
	f := newAgentFixture(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(150 * time.Millisecond), base.Add(150 * time.Millisecond)}
	i := 0
	f.agent.now = func() time.Time {
		t := times[i%len(times)]
		i++
		return t
	}

	if err := f.agent.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.agent.Start(ctx); err != nil {
		t.Fatal(err)
	}

	i = 0
	res, err := f.agent.Execute(ctx, task.Task{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Duration != 150*time.Millisecond {
		t.Errorf("duration = %s, want 150ms", res.Duration)
	}
	if !res.CompletedAt.Equal(base.Add(150 * time.Millisecond)) {
		t.Errorf("completed_at = %v", res.CompletedAt)
	}
}
