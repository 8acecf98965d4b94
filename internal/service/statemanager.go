package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/state"
	"github.com/Strob0t/AgentForge/internal/port/cache"
	"github.com/Strob0t/AgentForge/internal/port/statestore"
	"github.com/Strob0t/AgentForge/internal/resilience"
)

// StateManager is the caching facade over the storage capability and the
// recovery engine. It is the single entry point agents use to persist and
// restore their state. Storage calls go through a circuit breaker and a
// bounded retry.
type StateManager struct {
	store    statestore.Store
	cache    cache.Cache
	recovery *StateRecovery
	breaker  *resilience.Breaker
	logger   *slog.Logger

	saveAttempts int
	cacheTTL     time.Duration
	now          func() time.Time

	// snapMu guards the per-agent latest-snapshot cache, invalidated on
	// every SetState.
	snapMu    sync.Mutex
	snapshots map[string]*state.Snapshot
}

// NewStateManager creates a state manager. saveAttempts bounds persistence
// retries (default 3 when <= 0).
func NewStateManager(
	store statestore.Store,
	c cache.Cache,
	recovery *StateRecovery,
	breaker *resilience.Breaker,
	logger *slog.Logger,
	saveAttempts int,
	cacheTTL time.Duration,
) *StateManager {
	if saveAttempts <= 0 {
		saveAttempts = 3
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &StateManager{
		store:        store,
		cache:        c,
		recovery:     recovery,
		breaker:      breaker,
		logger:       logger,
		saveAttempts: saveAttempts,
		cacheTTL:     cacheTTL,
		now:          time.Now,
		snapshots:    make(map[string]*state.Snapshot),
	}
}

func stateCacheKey(agentID string) string { return "state:" + agentID }

// SetState updates the cache, stamps update metadata, persists through the
// storage capability, and invalidates the agent's snapshot cache.
func (m *StateManager) SetState(ctx context.Context, agentID string, st state.AgentState, reason string) error {
	st.AgentID = agentID
	st.UpdatedAt = m.now()
	if st.Metadata == nil {
		st.Metadata = map[string]any{}
	}
	st.Metadata[state.MetaReason] = reason

	if data, err := json.Marshal(st); err == nil {
		if cacheErr := m.cache.Set(ctx, stateCacheKey(agentID), data, m.cacheTTL); cacheErr != nil {
			m.logger.Warn("state cache set failed", "agent_id", agentID, "error", cacheErr)
		}
	}

	if err := m.persist(ctx, agentID, st); err != nil {
		return fmt.Errorf("set state for %s: %w", agentID, err)
	}

	m.snapMu.Lock()
	delete(m.snapshots, agentID)
	m.snapMu.Unlock()

	return nil
}

// GetState returns the agent's state from cache when possible, loading and
// repopulating the cache on a miss. Missing state reports domain.ErrNotFound.
func (m *StateManager) GetState(ctx context.Context, agentID string) (*state.AgentState, error) {
	key := stateCacheKey(agentID)

	if data, ok, err := m.cache.Get(ctx, key); err == nil && ok {
		var st state.AgentState
		if err := json.Unmarshal(data, &st); err == nil {
			return &st, nil
		}
		m.logger.Warn("state cache entry corrupt, falling through", "agent_id", agentID)
	}

	var st *state.AgentState
	err := m.breaker.Execute(func() error {
		var loadErr error
		st, loadErr = m.store.LoadState(ctx, agentID)
		return loadErr
	})
	if err != nil {
		return nil, fmt.Errorf("get state for %s: %w", agentID, err)
	}

	if data, err := json.Marshal(st); err == nil {
		if cacheErr := m.cache.Set(ctx, key, data, m.cacheTTL); cacheErr != nil {
			m.logger.Warn("state cache backfill failed", "agent_id", agentID, "error", cacheErr)
		}
	}
	return st, nil
}

// DeleteState removes an agent's state from the cache and the store.
func (m *StateManager) DeleteState(ctx context.Context, agentID string) (bool, error) {
	if err := m.cache.Delete(ctx, stateCacheKey(agentID)); err != nil {
		m.logger.Warn("state cache delete failed", "agent_id", agentID, "error", err)
	}

	m.snapMu.Lock()
	delete(m.snapshots, agentID)
	m.snapMu.Unlock()

	existed, err := m.store.DeleteState(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("delete state for %s: %w", agentID, err)
	}
	return existed, nil
}

// CreateSnapshot records a recovery point for the agent's current state and
// caches it as the agent's latest snapshot.
func (m *StateManager) CreateSnapshot(ctx context.Context, agentID, reason string) (*state.Snapshot, error) {
	st, err := m.GetState(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("create snapshot for %s: %w", agentID, err)
	}

	snap, err := m.recovery.CreateRecoveryPoint(ctx, agentID, *st, reason)
	if err != nil {
		return nil, err
	}

	m.snapMu.Lock()
	m.snapshots[agentID] = snap
	m.snapMu.Unlock()

	return snap, nil
}

// LatestSnapshot returns the cached most-recent snapshot, if any.
func (m *StateManager) LatestSnapshot(agentID string) *state.Snapshot {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.snapshots[agentID]
}

// RestoreSnapshot loads the identified snapshot and makes it the agent's
// current state.
func (m *StateManager) RestoreSnapshot(ctx context.Context, agentID, snapshotID string) (*state.AgentState, error) {
	snaps, err := m.store.LoadSnapshots(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %s for %s: %w", snapshotID, agentID, err)
	}

	for i := len(snaps) - 1; i >= 0; i-- {
		if snaps[i].ID != snapshotID {
			continue
		}
		st := snaps[i].State
		if err := m.SetState(ctx, agentID, st, "snapshot_restore"); err != nil {
			return nil, err
		}
		return &st, nil
	}
	return nil, fmt.Errorf("restore snapshot %s for %s: %w", snapshotID, agentID, domain.ErrNotFound)
}

// CreateBackup stores a full backup of the agent's current state.
func (m *StateManager) CreateBackup(ctx context.Context, agentID string) (string, error) {
	st, err := m.GetState(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("create backup for %s: %w", agentID, err)
	}

	backupID, err := m.store.CreateBackup(ctx, agentID, *st)
	if err != nil {
		return "", fmt.Errorf("create backup for %s: %w", agentID, err)
	}
	return backupID, nil
}

// RestoreBackup loads a backup and makes it the agent's current state.
func (m *StateManager) RestoreBackup(ctx context.Context, agentID, backupID string) (*state.AgentState, error) {
	st, err := m.store.RestoreBackup(ctx, agentID, backupID)
	if err != nil {
		return nil, fmt.Errorf("restore backup %s for %s: %w", backupID, agentID, err)
	}

	if err := m.SetState(ctx, agentID, *st, "backup_restore"); err != nil {
		return nil, err
	}
	return st, nil
}

// Recover delegates to the recovery engine.
func (m *StateManager) Recover(ctx context.Context, agentID string) (*state.AgentState, error) {
	return m.recovery.Recover(ctx, agentID)
}

// persist writes through the breaker with bounded retry. Open-circuit
// rejections are not retried; waiting out the breaker inline would stall the
// caller longer than failing fast.
func (m *StateManager) persist(ctx context.Context, agentID string, st state.AgentState) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(m.saveAttempts)),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, resilience.ErrCircuitOpen)
		}),
	)
	return r.Do(func() error {
		return m.breaker.Execute(func() error {
			return m.store.SaveState(ctx, agentID, st)
		})
	})
}
