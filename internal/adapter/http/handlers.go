package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Strob0t/AgentForge/internal/domain/agent"
	"github.com/Strob0t/AgentForge/internal/domain/message"
	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Registry *service.Registry
	Bus      *service.CommunicationBus
	States   *service.StateManager
	Faults   *service.ErrorHandler

	// MigrationVersion, when set, reports the schema version of the
	// relational backend in the health payload.
	MigrationVersion func(ctx context.Context) (int64, error)
}

// Health reports liveness and, for relational backends, the schema version.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.MigrationVersion != nil {
		if v, err := h.MigrationVersion(r.Context()); err != nil {
			body["migration_version"] = "unavailable"
		} else {
			body["migration_version"] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// ListAgentTypes returns the registered agent type names.
func (h *Handlers) ListAgentTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Registry.Types())
}

// CreateAgent builds and initializes a new agent.
func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[agent.CreateRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Type, "type") || !requireField(w, req.Name, "name") {
		return
	}

	a, err := h.Registry.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "agent type not found")
		return
	}
	writeJSON(w, http.StatusCreated, a.Info())
}

// ListAgents returns all live agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Registry.List())
}

// GetAgent returns one agent's info.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.Registry.Get(urlParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a.Info())
}

// DestroyAgent cleans up and removes an agent.
func (h *Handlers) DestroyAgent(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	existed, err := h.Registry.Destroy(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lifecycle maps a verb to a BaseAgent method.
func (h *Handlers) lifecycle(op func(*service.BaseAgent, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := h.Registry.Get(urlParam(r, "id"))
		if !ok {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		if err := op(a, r.Context()); err != nil {
			writeDomainError(w, err, "agent not found")
			return
		}
		writeJSON(w, http.StatusOK, a.Info())
	}
}

// ExecuteTask runs a task on an agent and returns its result.
func (h *Handlers) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	a, ok := h.Registry.Get(urlParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	t, ok := readJSON[task.Task](w, r)
	if !ok {
		return
	}

	result, err := a.Execute(r.Context(), t)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetAgentState returns the persisted state of an agent.
func (h *Handlers) GetAgentState(w http.ResponseWriter, r *http.Request) {
	st, err := h.States.GetState(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "state not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CreateSnapshot creates a recovery point for an agent.
func (h *Handlers) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Reason string `json:"reason"`
	}](w, r)
	if !ok {
		return
	}

	snap, err := h.States.CreateSnapshot(r.Context(), urlParam(r, "id"), body.Reason)
	if err != nil {
		writeDomainError(w, err, "state not found")
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// RestoreSnapshot restores an agent's state from a named snapshot.
func (h *Handlers) RestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	st, err := h.States.RestoreSnapshot(r.Context(), urlParam(r, "id"), urlParam(r, "snapshotId"))
	if err != nil {
		writeDomainError(w, err, "snapshot not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RecoverAgent restores the last known good state for an agent.
func (h *Handlers) RecoverAgent(w http.ResponseWriter, r *http.Request) {
	st, err := h.States.Recover(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SendMessage routes an envelope through the bus. When the envelope requires
// a response, the correlated response is returned; otherwise 202.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	env, ok := readJSON[message.Envelope](w, r)
	if !ok {
		return
	}
	if !requireField(w, env.To, "to") {
		return
	}

	resp, err := h.Bus.Send(r.Context(), env)
	if err != nil {
		writeDomainError(w, err, "recipient not found")
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PublishMessage fans an envelope out to a topic's subscribers.
func (h *Handlers) PublishMessage(w http.ResponseWriter, r *http.Request) {
	env, ok := readJSON[message.Envelope](w, r)
	if !ok {
		return
	}

	n := h.Bus.Publish(r.Context(), urlParam(r, "topic"), env)
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

// ListAlerts returns raised alerts, optionally filtered by resolved state.
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	var resolved *bool
	if q := r.URL.Query().Get("resolved"); q != "" {
		v, err := strconv.ParseBool(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid resolved filter")
			return
		}
		resolved = &v
	}
	writeJSON(w, http.StatusOK, h.Faults.Alerts(resolved))
}

// ResolveAlert marks an alert as resolved.
func (h *Handlers) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !h.Faults.ResolveAlert(id) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListErrorHistory returns the bounded fault history for an agent.
func (h *Handlers) ListErrorHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Faults.History(urlParam(r, "id")))
}
