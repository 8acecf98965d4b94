// Package statestore defines the port for durable agent state persistence.
package statestore

import (
	"context"

	"github.com/Strob0t/AgentForge/internal/domain/state"
)

// Store is the port interface for the external persistence capability. The
// core is agnostic to the backing engine (relational, key-value, in-memory).
// Load operations report missing entities with domain.ErrNotFound.
type Store interface {
	// Initialize prepares the backing store (schemas, buckets, ...).
	Initialize(ctx context.Context) error

	// SaveState persists the current state of an agent.
	SaveState(ctx context.Context, agentID string, st state.AgentState) error

	// LoadState returns the persisted state of an agent.
	LoadState(ctx context.Context, agentID string) (*state.AgentState, error)

	// DeleteState removes an agent's state, reporting whether it existed.
	DeleteState(ctx context.Context, agentID string) (bool, error)

	// SaveSnapshot persists a recovery snapshot.
	SaveSnapshot(ctx context.Context, agentID string, snap state.Snapshot) error

	// LoadSnapshots returns all snapshots for an agent, newest last.
	LoadSnapshots(ctx context.Context, agentID string) ([]state.Snapshot, error)

	// CreateBackup stores a full backup copy and returns its id.
	CreateBackup(ctx context.Context, agentID string, st state.AgentState) (string, error)

	// RestoreBackup returns the state stored under the given backup id.
	RestoreBackup(ctx context.Context, agentID, backupID string) (*state.AgentState, error)

	// Cleanup releases resources held by the store.
	Cleanup(ctx context.Context) error
}
