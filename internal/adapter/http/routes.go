package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/AgentForge/internal/service"
)

// NewRouter builds the admin API router with the standard middleware chain.
// wsHandler, when non-nil, is mounted at /ws for the event stream.
func NewRouter(h *Handlers, wsHandler http.HandlerFunc, corsOrigin string) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(CORS(corsOrigin))
	r.Use(Logger)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "agentforge.http")
	})

	MountRoutes(r, h)

	if wsHandler != nil {
		r.Get("/ws", wsHandler)
	}
	return r
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Agent types and instances
		r.Get("/agent-types", h.ListAgentTypes)
		r.Post("/agents", h.CreateAgent)
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.Delete("/agents/{id}", h.DestroyAgent)

		// Lifecycle
		r.Post("/agents/{id}/start", h.lifecycle((*service.BaseAgent).Start))
		r.Post("/agents/{id}/stop", h.lifecycle((*service.BaseAgent).Stop))
		r.Post("/agents/{id}/pause", h.lifecycle((*service.BaseAgent).Pause))
		r.Post("/agents/{id}/resume", h.lifecycle((*service.BaseAgent).Resume))

		// Execution
		r.Post("/agents/{id}/execute", h.ExecuteTask)

		// State
		r.Get("/agents/{id}/state", h.GetAgentState)
		r.Post("/agents/{id}/snapshots", h.CreateSnapshot)
		r.Post("/agents/{id}/snapshots/{snapshotId}/restore", h.RestoreSnapshot)
		r.Post("/agents/{id}/recover", h.RecoverAgent)

		// Messaging
		r.Post("/messages", h.SendMessage)
		r.Post("/topics/{topic}/publish", h.PublishMessage)

		// Faults
		r.Get("/alerts", h.ListAlerts)
		r.Post("/alerts/{id}/resolve", h.ResolveAlert)
		r.Get("/agents/{id}/errors", h.ListErrorHistory)
	})
}
