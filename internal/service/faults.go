package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/fault"
	"github.com/Strob0t/AgentForge/internal/port/broadcast"
	"github.com/Strob0t/AgentForge/internal/port/identity"
	"github.com/Strob0t/AgentForge/internal/port/monitor"
)

// EventAlertRaised is the broadcast event type for newly raised alerts.
const EventAlertRaised = "alert.raised"

// FaultHandlerFunc handles a classified fault for one agent. Returning true
// stops the handler chain.
type FaultHandlerFunc func(ctx context.Context, err error, fctx fault.Context) bool

// RecoveryStrategy attempts to bring an agent back to a working state after
// a fault. Each strategy gates itself with CanRecover.
type RecoveryStrategy interface {
	CanRecover(err error, fctx fault.Context) bool
	Recover(ctx context.Context, err error, fctx fault.Context) error
}

// ErrorHandler is the central fault intake: it classifies severity, keeps a
// bounded per-agent history and alert list, forwards alerts to monitoring,
// and runs per-agent handler and recovery-strategy chains.
//
// HandleError never fails: internal problems degrade to a best-effort Result.
type ErrorHandler struct {
	mu         sync.Mutex
	history    map[string][]fault.HistoryEntry
	alerts     []fault.Alert
	handlers   map[string][]FaultHandlerFunc
	strategies map[string][]RecoveryStrategy

	historyCap int
	alertCap   int
	monitor    monitor.Monitor
	events     broadcast.Broadcaster
	ids        identity.Generator
	logger     *slog.Logger
	now        func() time.Time
}

// NewErrorHandler creates a fault intake with bounded history (default 1000)
// and alert list (default 100).
func NewErrorHandler(
	mon monitor.Monitor,
	ids identity.Generator,
	logger *slog.Logger,
	historyCap, alertCap int,
) *ErrorHandler {
	if historyCap <= 0 {
		historyCap = 1000
	}
	if alertCap <= 0 {
		alertCap = 100
	}
	return &ErrorHandler{
		history:    make(map[string][]fault.HistoryEntry),
		handlers:   make(map[string][]FaultHandlerFunc),
		strategies: make(map[string][]RecoveryStrategy),
		historyCap: historyCap,
		alertCap:   alertCap,
		monitor:    mon,
		events:     broadcast.Nop{},
		ids:        ids,
		logger:     logger,
		now:        time.Now,
	}
}

// SetEventStream installs a broadcaster that receives raised alerts.
func (h *ErrorHandler) SetEventStream(b broadcast.Broadcaster) {
	h.mu.Lock()
	h.events = b
	h.mu.Unlock()
}

// Classify computes a fault's severity. Error-kind rules run first and
// context overrides run after them and win: a critical context always yields
// CRITICAL, and the lifecycle component floors severity at HIGH. Faults with
// no recognized kind are CRITICAL.
func Classify(err error, fctx fault.Context) fault.Severity {
	sev := fault.SeverityCritical // unclassified default
	switch {
	case errors.Is(err, fault.ErrValidation):
		sev = fault.SeverityLow
	case errors.Is(err, fault.ErrTimeout),
		errors.Is(err, fault.ErrUnavailable),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrNotFound):
		sev = fault.SeverityMedium
	case errors.Is(err, fault.ErrStateCorrupt):
		sev = fault.SeverityHigh
	case errors.Is(err, fault.ErrNonRecoverable):
		sev = fault.SeverityCritical
	}

	if fctx.Component == fault.ComponentLifecycle && !sev.AtLeast(fault.SeverityHigh) {
		sev = fault.SeverityHigh
	}
	if fctx.Critical {
		sev = fault.SeverityCritical
	}
	return sev
}

// HandleError is the single fault intake point. It appends to the bounded
// history unconditionally, raises an alert for anything above LOW, runs the
// agent's handler chain (first success wins), and — unless the context is
// critical, the kind is non-recoverable, or no agent id is present — runs the
// recovery-strategy chain the same way.
func (h *ErrorHandler) HandleError(ctx context.Context, err error, fctx fault.Context) (res fault.Result) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("error handler panicked", "panic", r, "agent_id", fctx.AgentID)
			if res.Severity == "" {
				res.Severity = fault.SeverityCritical
			}
			res.Handled = false
			res.Recovered = false
		}
	}()

	if err == nil {
		return fault.Result{}
	}

	sev := Classify(err, fctx)
	res.Severity = sev

	entryID := h.recordHistory(err, fctx, sev)

	if sev.AtLeast(fault.SeverityMedium) {
		alert := h.raiseAlert(err, fctx, sev)
		res.AlertID = alert.ID
		h.monitor.CreateAlert(ctx, alert)
		h.events.BroadcastEvent(ctx, EventAlertRaised, alert)
	}

	res.Handled = h.runHandlers(ctx, err, fctx)

	if h.recoveryAllowed(err, fctx) {
		res.Recovered = h.runStrategies(ctx, err, fctx)
	}

	h.finalizeHistory(fctx.AgentID, entryID, res.Handled, res.Recovered)

	h.logger.Debug("fault handled",
		"agent_id", fctx.AgentID, "component", fctx.Component, "operation", fctx.Operation,
		"severity", string(sev), "handled", res.Handled, "recovered", res.Recovered,
		"error", err)
	return res
}

// recordHistory appends the fault to the agent's bounded history and returns
// the entry id.
func (h *ErrorHandler) recordHistory(err error, fctx fault.Context, sev fault.Severity) string {
	entry := fault.HistoryEntry{
		ID:       h.ids.NewID(),
		Error:    err.Error(),
		Context:  fctx,
		Severity: sev,
		At:       h.now(),
	}

	h.mu.Lock()
	hist := append(h.history[fctx.AgentID], entry)
	if len(hist) > h.historyCap {
		hist = hist[len(hist)-h.historyCap:] // evict oldest
	}
	h.history[fctx.AgentID] = hist
	h.mu.Unlock()

	return entry.ID
}

// finalizeHistory stamps chain outcomes onto the recorded entry.
func (h *ErrorHandler) finalizeHistory(agentID, entryID string, handled, recovered bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hist := h.history[agentID]
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].ID == entryID {
			hist[i].Handled = handled
			hist[i].Recovered = recovered
			return
		}
	}
}

// raiseAlert appends to the bounded alert list.
func (h *ErrorHandler) raiseAlert(err error, fctx fault.Context, sev fault.Severity) fault.Alert {
	alert := fault.Alert{
		ID:        h.ids.NewID(),
		AgentID:   fctx.AgentID,
		Severity:  sev,
		Message:   err.Error(),
		Component: fctx.Component,
		Operation: fctx.Operation,
		CreatedAt: h.now(),
	}

	h.mu.Lock()
	h.alerts = append(h.alerts, alert)
	if len(h.alerts) > h.alertCap {
		h.alerts = h.alerts[len(h.alerts)-h.alertCap:] // evict oldest
	}
	h.mu.Unlock()

	return alert
}

// runHandlers executes the agent's handler chain in registration order,
// stopping at the first handler reporting success. A panicking handler is
// treated as unsuccessful and does not abort the chain.
func (h *ErrorHandler) runHandlers(ctx context.Context, err error, fctx fault.Context) bool {
	h.mu.Lock()
	chain := make([]FaultHandlerFunc, len(h.handlers[fctx.AgentID]))
	copy(chain, h.handlers[fctx.AgentID])
	h.mu.Unlock()

	for _, handle := range chain {
		if h.safeHandle(ctx, handle, err, fctx) {
			return true
		}
	}
	return false
}

func (h *ErrorHandler) safeHandle(ctx context.Context, handle FaultHandlerFunc, err error, fctx fault.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("fault handler panicked", "panic", r, "agent_id", fctx.AgentID)
			ok = false
		}
	}()
	return handle(ctx, err, fctx)
}

// recoveryAllowed gates the strategy chain: skipped for critical contexts,
// non-recoverable kinds, and faults without an agent id.
func (h *ErrorHandler) recoveryAllowed(err error, fctx fault.Context) bool {
	if fctx.Critical || fctx.AgentID == "" {
		return false
	}
	return !errors.Is(err, fault.ErrNonRecoverable)
}

// runStrategies executes the agent's recovery-strategy chain in registration
// order; each strategy is gated by its own CanRecover and the first success
// wins.
func (h *ErrorHandler) runStrategies(ctx context.Context, err error, fctx fault.Context) bool {
	h.mu.Lock()
	chain := make([]RecoveryStrategy, len(h.strategies[fctx.AgentID]))
	copy(chain, h.strategies[fctx.AgentID])
	h.mu.Unlock()

	for _, s := range chain {
		if !s.CanRecover(err, fctx) {
			continue
		}
		if recErr := h.safeRecover(ctx, s, err, fctx); recErr == nil {
			return true
		}
	}
	return false
}

func (h *ErrorHandler) safeRecover(ctx context.Context, s RecoveryStrategy, err error, fctx fault.Context) (recErr error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("recovery strategy panicked", "panic", r, "agent_id", fctx.AgentID)
			recErr = fault.ErrNonRecoverable
		}
	}()
	return s.Recover(ctx, err, fctx)
}

// RegisterHandler appends a handler to the agent's chain.
func (h *ErrorHandler) RegisterHandler(agentID string, fn FaultHandlerFunc) {
	h.mu.Lock()
	h.handlers[agentID] = append(h.handlers[agentID], fn)
	h.mu.Unlock()
}

// RemoveHandlers drops the agent's handler chain.
func (h *ErrorHandler) RemoveHandlers(agentID string) {
	h.mu.Lock()
	delete(h.handlers, agentID)
	h.mu.Unlock()
}

// RegisterStrategy appends a recovery strategy to the agent's chain.
func (h *ErrorHandler) RegisterStrategy(agentID string, s RecoveryStrategy) {
	h.mu.Lock()
	h.strategies[agentID] = append(h.strategies[agentID], s)
	h.mu.Unlock()
}

// RemoveStrategies drops the agent's recovery-strategy chain.
func (h *ErrorHandler) RemoveStrategies(agentID string) {
	h.mu.Lock()
	delete(h.strategies, agentID)
	h.mu.Unlock()
}

// History returns a copy of the agent's fault history, oldest first.
func (h *ErrorHandler) History(agentID string) []fault.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	hist := h.history[agentID]
	out := make([]fault.HistoryEntry, len(hist))
	copy(out, hist)
	return out
}

// Alerts returns alerts, optionally filtered by resolution state.
func (h *ErrorHandler) Alerts(resolved *bool) []fault.Alert {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]fault.Alert, 0, len(h.alerts))
	for _, a := range h.alerts {
		if resolved != nil && a.Resolved != *resolved {
			continue
		}
		out = append(out, a)
	}
	return out
}

// ResolveAlert marks the alert with the given id resolved, reporting whether
// it was found.
func (h *ErrorHandler) ResolveAlert(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.alerts {
		if h.alerts[i].ID == id {
			if !h.alerts[i].Resolved {
				h.alerts[i].Resolved = true
				at := h.now()
				h.alerts[i].ResolvedAt = &at
			}
			return true
		}
	}
	return false
}
