// Package memstore implements the state store port in process memory. It
// backs single-node deployments and tests; nothing survives a restart.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/state"
	"github.com/Strob0t/AgentForge/internal/port/identity"
)

// Store keeps states, snapshots, and backups in maps guarded by one mutex.
// Values are copied on the way in and out so callers cannot alias the
// stored maps.
type Store struct {
	mu        sync.RWMutex
	states    map[string]state.AgentState
	snapshots map[string][]state.Snapshot
	backups   map[string]state.AgentState
	ids       identity.Generator
}

// New creates an empty in-memory store.
func New(ids identity.Generator) *Store {
	return &Store{
		states:    make(map[string]state.AgentState),
		snapshots: make(map[string][]state.Snapshot),
		backups:   make(map[string]state.AgentState),
		ids:       ids,
	}
}

// Initialize is a no-op for the in-memory store.
func (s *Store) Initialize(context.Context) error { return nil }

// SaveState stores a copy of the agent's state.
func (s *Store) SaveState(_ context.Context, agentID string, st state.AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[agentID] = cloneState(st)
	return nil
}

// LoadState returns a copy of the agent's state.
func (s *Store) LoadState(_ context.Context, agentID string) (*state.AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[agentID]
	if !ok {
		return nil, fmt.Errorf("load state for %s: %w", agentID, domain.ErrNotFound)
	}
	out := cloneState(st)
	return &out, nil
}

// DeleteState removes the agent's state, reporting whether it existed.
func (s *Store) DeleteState(_ context.Context, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.states[agentID]
	delete(s.states, agentID)
	return existed, nil
}

// SaveSnapshot appends a snapshot to the agent's history, newest last.
func (s *Store) SaveSnapshot(_ context.Context, agentID string, snap state.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.State = cloneState(snap.State)
	s.snapshots[agentID] = append(s.snapshots[agentID], snap)
	return nil
}

// LoadSnapshots returns the agent's snapshot history, newest last. A missing
// history is an empty slice, not an error.
func (s *Store) LoadSnapshots(_ context.Context, agentID string) ([]state.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.snapshots[agentID]
	out := make([]state.Snapshot, len(stored))
	for i, snap := range stored {
		snap.State = cloneState(snap.State)
		out[i] = snap
	}
	return out, nil
}

// CreateBackup stores a full copy of the state under a fresh backup id.
func (s *Store) CreateBackup(_ context.Context, agentID string, st state.AgentState) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.ids.NewID()
	s.backups[backupKey(agentID, id)] = cloneState(st)
	return id, nil
}

// RestoreBackup returns the state stored under the given backup id.
func (s *Store) RestoreBackup(_ context.Context, agentID, backupID string) (*state.AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.backups[backupKey(agentID, backupID)]
	if !ok {
		return nil, fmt.Errorf("restore backup %s for %s: %w", backupID, agentID, domain.ErrNotFound)
	}
	out := cloneState(st)
	return &out, nil
}

// Cleanup drops all stored data.
func (s *Store) Cleanup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states = make(map[string]state.AgentState)
	s.snapshots = make(map[string][]state.Snapshot)
	s.backups = make(map[string]state.AgentState)
	return nil
}

func backupKey(agentID, backupID string) string {
	return agentID + "/" + backupID
}

// cloneState copies the top-level maps. Nested values are shared; callers
// treat state payloads as immutable once stored.
func cloneState(st state.AgentState) state.AgentState {
	st.Data = maps.Clone(st.Data)
	st.Context = maps.Clone(st.Context)
	st.Metadata = maps.Clone(st.Metadata)
	return st
}
