// Package fault defines fault severity, classification context, and the
// bounded history/alert records kept by the error handler.
package fault

import (
	"errors"
	"time"
)

// Severity classifies a fault's urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for comparison; unknown severities rank lowest.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Sentinel error kinds recognized by severity classification. Callers wrap
// these with %w so classification can match via errors.Is.
var (
	// ErrTimeout marks an operation that exceeded its deadline. Transient.
	ErrTimeout = errors.New("timeout")
	// ErrUnavailable marks a temporarily unreachable collaborator. Transient.
	ErrUnavailable = errors.New("unavailable")
	// ErrValidation marks rejected input. Not retried.
	ErrValidation = errors.New("validation failed")
	// ErrStateCorrupt marks structurally invalid persisted state.
	ErrStateCorrupt = errors.New("state corrupt")
	// ErrNonRecoverable marks faults for which recovery must not be attempted.
	ErrNonRecoverable = errors.New("non-recoverable")
)

// ComponentLifecycle is the context component that floors severity at HIGH.
const ComponentLifecycle = "lifecycle"

// Context describes where a fault occurred.
type Context struct {
	AgentID   string `json:"agent_id,omitempty"`
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Critical  bool   `json:"critical,omitempty"`
}

// HistoryEntry records one handled fault in the bounded per-agent history.
type HistoryEntry struct {
	ID        string    `json:"id"`
	Error     string    `json:"error"`
	Context   Context   `json:"context"`
	Severity  Severity  `json:"severity"`
	Handled   bool      `json:"handled"`
	Recovered bool      `json:"recovered"`
	At        time.Time `json:"at"`
}

// Alert is raised for faults above low severity and kept in a bounded list.
type Alert struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id,omitempty"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Component  string     `json:"component,omitempty"`
	Operation  string     `json:"operation,omitempty"`
	Resolved   bool       `json:"resolved"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Result is the always-returned outcome of fault intake. Intake never fails;
// internal errors degrade to a Result with Handled and Recovered false.
type Result struct {
	Severity  Severity `json:"severity"`
	Handled   bool     `json:"handled"`
	Recovered bool     `json:"recovered"`
	AlertID   string   `json:"alert_id,omitempty"`
}
