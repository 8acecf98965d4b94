package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/agent"
	"github.com/Strob0t/AgentForge/internal/port/broadcast"
	"github.com/Strob0t/AgentForge/internal/port/identity"
	"github.com/Strob0t/AgentForge/internal/port/monitor"
)

// EventAgentStatus is the broadcast event type for lifecycle transitions.
const EventAgentStatus = "agent.status"

// AgentStatusEvent is streamed to clients when an agent changes state.
type AgentStatusEvent struct {
	AgentID string `json:"agent_id"`
	Type    string `json:"type"`
	Status  string `json:"status"`
}

// Factory builds the runner (and its topic subscriptions) for one agent
// variant.
type Factory func(info agent.Info) (Runner, []string, error)

// Registry is the agent factory and owner table. One live agent per id; ids
// are generated, so uniqueness is enforced here and re-checked by the bus.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	agents    map[string]*BaseAgent

	bus     *CommunicationBus
	states  *StateManager
	faults  *ErrorHandler
	monitor monitor.Monitor
	events  broadcast.Broadcaster
	ids     identity.Generator
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(
	bus *CommunicationBus,
	states *StateManager,
	faults *ErrorHandler,
	mon monitor.Monitor,
	ids identity.Generator,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		agents:    make(map[string]*BaseAgent),
		bus:       bus,
		states:    states,
		faults:    faults,
		monitor:   mon,
		events:    broadcast.Nop{},
		ids:       ids,
		logger:    logger,
	}
}

// SetEventStream installs a broadcaster for agent status events.
func (r *Registry) SetEventStream(b broadcast.Broadcaster) {
	r.mu.Lock()
	r.events = b
	r.mu.Unlock()
}

// RegisterType registers a named agent variant factory.
func (r *Registry) RegisterType(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("register agent type %s: %w", name, domain.ErrAlreadyRegistered)
	}
	r.factories[name] = f
	return nil
}

// Types returns the sorted registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Create builds, initializes, and registers a new agent of the given type.
func (r *Registry) Create(ctx context.Context, req agent.CreateRequest) (*BaseAgent, error) {
	r.mu.RLock()
	factory, ok := r.factories[req.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("create agent of type %s: %w", req.Type, domain.ErrNotFound)
	}

	info := agent.Info{
		ID:       r.ids.NewID(),
		Name:     req.Name,
		Type:     req.Type,
		Version:  "1",
		Config:   req.Config,
		Metadata: req.Metadata,
	}

	runner, topics, err := factory(info)
	if err != nil {
		return nil, fmt.Errorf("create agent of type %s: %w", req.Type, err)
	}

	a := NewBaseAgent(info, topics, runner, r.bus, r.states, r.faults, r.monitor, r.logger)
	if err := a.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("create agent of type %s: %w", req.Type, err)
	}

	r.mu.Lock()
	r.agents[info.ID] = a
	r.mu.Unlock()

	r.emitStatus(ctx, a)
	r.logger.Info("agent created", "agent_id", info.ID, "agent_type", req.Type)
	return a, nil
}

// Get returns the live agent with the given id.
func (r *Registry) Get(id string) (*BaseAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns the info of all live agents, sorted by id.
func (r *Registry) List() []agent.Info {
	r.mu.RLock()
	agents := make([]*BaseAgent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	out := make([]agent.Info, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Destroy cleans up and removes the agent, reporting whether it existed.
func (r *Registry) Destroy(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	a, ok := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()

	if !ok {
		return false, nil
	}

	if err := a.Cleanup(ctx); err != nil {
		return true, fmt.Errorf("destroy agent %s: %w", id, err)
	}
	r.emitStatus(ctx, a)
	r.logger.Info("agent destroyed", "agent_id", id)
	return true, nil
}

// StartAll starts every live agent concurrently, failing on the first error.
func (r *Registry) StartAll(ctx context.Context) error {
	return r.forAll(ctx, func(ctx context.Context, a *BaseAgent) error {
		return a.Start(ctx)
	})
}

// StopAll stops every live agent concurrently, failing on the first error.
func (r *Registry) StopAll(ctx context.Context) error {
	return r.forAll(ctx, func(ctx context.Context, a *BaseAgent) error {
		return a.Stop(ctx)
	})
}

// CleanupAll cleans up every live agent concurrently and empties the table.
func (r *Registry) CleanupAll(ctx context.Context) error {
	err := r.forAll(ctx, func(ctx context.Context, a *BaseAgent) error {
		return a.Cleanup(ctx)
	})

	r.mu.Lock()
	r.agents = make(map[string]*BaseAgent)
	r.mu.Unlock()
	return err
}

func (r *Registry) forAll(ctx context.Context, op func(context.Context, *BaseAgent) error) error {
	r.mu.RLock()
	agents := make([]*BaseAgent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		g.Go(func() error {
			if err := op(ctx, a); err != nil {
				return err
			}
			r.emitStatus(ctx, a)
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) emitStatus(ctx context.Context, a *BaseAgent) {
	info := a.Info()
	r.mu.RLock()
	events := r.events
	r.mu.RUnlock()
	events.BroadcastEvent(ctx, EventAgentStatus, AgentStatusEvent{
		AgentID: info.ID,
		Type:    info.Type,
		Status:  string(info.Status),
	})
}
