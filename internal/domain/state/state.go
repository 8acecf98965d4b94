// Package state defines persisted agent state and its recovery snapshots.
package state

import "time"

// Metadata keys stamped by state repair and update bookkeeping.
const (
	MetaReason      = "reason"
	MetaRepaired    = "repaired"
	MetaRepairedAt  = "repaired_at"
	MetaRepairCount = "repair_count"
)

// AgentState is the opaque persisted state of a single agent.
type AgentState struct {
	AgentID   string         `json:"agent_id"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data"`
	Context   map[string]any `json:"context"`
	Metadata  map[string]any `json:"metadata"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RepairCount returns the number of repair passes recorded in metadata.
func (s AgentState) RepairCount() int {
	switch v := s.Metadata[MetaRepairCount].(type) {
	case int:
		return v
	case float64: // JSON round-trips numbers as float64
		return int(v)
	default:
		return 0
	}
}

// Snapshot is a checksummed, timestamped recovery point for an agent's state.
type Snapshot struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	State          AgentState `json:"state"`
	Version        int        `json:"version"`
	Checksum       string     `json:"checksum"`
	Reason         string     `json:"reason,omitempty"`
	Valid          bool       `json:"valid"`
	RepairAttempts int        `json:"repair_attempts"`
	CreatedAt      time.Time  `json:"created_at"`
}
