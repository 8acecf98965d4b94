// Package agent defines the agent domain entity and its lifecycle states.
package agent

import "time"

// Status represents the current lifecycle state of an agent.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusIdle          Status = "idle"
	StatusRunning       Status = "running"
	StatusPaused        Status = "paused"
	StatusStopped       Status = "stopped"
)

// Info describes an agent's identity and current lifecycle position.
type Info struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Version   string         `json:"version"`
	Status    Status         `json:"status"`
	Active    bool           `json:"active"`
	Config    map[string]any `json:"config,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CreateRequest holds the fields needed to create a new agent.
type CreateRequest struct {
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	Config   map[string]any `json:"config,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
