package service

import (
	"context"

	"github.com/Strob0t/AgentForge/internal/domain/message"
	"github.com/Strob0t/AgentForge/internal/domain/task"
)

// Runner is the closed hook interface a concrete agent variant implements.
// BaseAgent owns the lifecycle FSM and dispatches into these hooks at the
// appropriate transitions; variants never mutate lifecycle state themselves.
type Runner interface {
	// OnInitialize runs once per initialization, before bus registration.
	OnInitialize(ctx context.Context) error

	// OnStart runs on every IDLE/STOPPED -> RUNNING transition.
	OnStart(ctx context.Context) error

	// OnStop runs on every RUNNING/PAUSED -> STOPPED transition.
	OnStop(ctx context.Context) error

	// OnPause runs on every RUNNING -> PAUSED transition.
	OnPause(ctx context.Context) error

	// OnResume runs on every PAUSED -> RUNNING transition.
	OnResume(ctx context.Context) error

	// OnCleanup runs once during Cleanup, after bus unregistration and
	// before the final state persist.
	OnCleanup(ctx context.Context) error

	// OnExecute performs one task and returns its output. Errors are
	// converted into failed task results by BaseAgent, never propagated.
	OnExecute(ctx context.Context, t task.Task) (any, error)

	// OnMessage handles one inbound envelope.
	OnMessage(ctx context.Context, env message.Envelope) error

	// ExecutionContext reports the variant's serializable execution state,
	// embedded into persisted agent state.
	ExecutionContext() map[string]any

	// RestoreExecutionContext rehydrates the variant from persisted state.
	RestoreExecutionContext(ectx map[string]any) error
}

// NopRunner is an embeddable Runner with no-op hooks. Variants embed it and
// override what they need.
type NopRunner struct{}

func (NopRunner) OnInitialize(context.Context) error { return nil }
func (NopRunner) OnStart(context.Context) error      { return nil }
func (NopRunner) OnStop(context.Context) error       { return nil }
func (NopRunner) OnPause(context.Context) error      { return nil }
func (NopRunner) OnResume(context.Context) error     { return nil }
func (NopRunner) OnCleanup(context.Context) error    { return nil }

func (NopRunner) OnExecute(context.Context, task.Task) (any, error) { return nil, nil }
func (NopRunner) OnMessage(context.Context, message.Envelope) error { return nil }

func (NopRunner) ExecutionContext() map[string]any          { return map[string]any{} }
func (NopRunner) RestoreExecutionContext(map[string]any) error { return nil }
