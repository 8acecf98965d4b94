package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/state"
	"github.com/Strob0t/AgentForge/internal/port/checksum"
	"github.com/Strob0t/AgentForge/internal/port/identity"
	"github.com/Strob0t/AgentForge/internal/port/statestore"
)

// unknownValue fills required fields that repair cannot reconstruct.
const unknownValue = "unknown"

// StateRecovery validates, repairs, and selects recovery points from
// snapshots. It keeps a bounded per-agent cache of recent recovery points,
// oldest evicted first.
type StateRecovery struct {
	mu       sync.Mutex
	points   map[string][]state.Snapshot
	versions map[string]int

	cap    int
	store  statestore.Store
	sums   checksum.Summer
	ids    identity.Generator
	logger *slog.Logger
	now    func() time.Time
}

// NewStateRecovery creates a recovery engine with the given per-agent
// recovery point cap (default 10 when <= 0).
func NewStateRecovery(
	store statestore.Store,
	sums checksum.Summer,
	ids identity.Generator,
	logger *slog.Logger,
	pointCap int,
) *StateRecovery {
	if pointCap <= 0 {
		pointCap = 10
	}
	return &StateRecovery{
		points:   make(map[string][]state.Snapshot),
		versions: make(map[string]int),
		cap:      pointCap,
		store:    store,
		sums:     sums,
		ids:      ids,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateRecoveryPoint checksums the serialized state, records its structural
// validity, persists the snapshot, and appends it to the bounded cache.
// Versions are monotonic per agent and survive both cache eviction and
// restarts: the counter is seeded from persisted history on first use.
func (r *StateRecovery) CreateRecoveryPoint(ctx context.Context, agentID string, st state.AgentState, reason string) (*state.Snapshot, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("create recovery point for %s: marshal state: %w", agentID, err)
	}

	version, err := r.nextVersion(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("create recovery point for %s: %w", agentID, err)
	}

	snap := state.Snapshot{
		ID:        r.ids.NewID(),
		AgentID:   agentID,
		Version:   version,
		State:     st,
		Checksum:  r.sums.Sum(payload),
		Reason:    reason,
		Valid:     len(ValidateState(st)) == 0,
		CreatedAt: r.now(),
	}

	if err := r.store.SaveSnapshot(ctx, agentID, snap); err != nil {
		return nil, fmt.Errorf("create recovery point for %s: %w", agentID, err)
	}

	r.mu.Lock()
	pts := append(r.points[agentID], snap)
	if len(pts) > r.cap {
		pts = pts[len(pts)-r.cap:] // evict oldest
	}
	r.points[agentID] = pts
	r.mu.Unlock()

	r.logger.Debug("recovery point created",
		"agent_id", agentID, "snapshot_id", snap.ID, "valid", snap.Valid, "reason", reason)
	return &snap, nil
}

// nextVersion reserves the next snapshot version for an agent. The first
// call per agent seeds the counter from the highest persisted version, so a
// restarted engine continues the sequence instead of reusing numbers.
func (r *StateRecovery) nextVersion(ctx context.Context, agentID string) (int, error) {
	r.mu.Lock()
	if v, ok := r.versions[agentID]; ok {
		r.versions[agentID] = v + 1
		r.mu.Unlock()
		return v + 1, nil
	}
	r.mu.Unlock()

	snaps, err := r.store.LoadSnapshots(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("seed version counter: %w", err)
	}
	highest := 0
	for _, snap := range snaps {
		if snap.Version > highest {
			highest = snap.Version
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have seeded the counter while we loaded.
	if v, ok := r.versions[agentID]; ok {
		r.versions[agentID] = v + 1
		return v + 1, nil
	}
	r.versions[agentID] = highest + 1
	return highest + 1, nil
}

// Points returns a copy of the cached recovery points for an agent,
// oldest first.
func (r *StateRecovery) Points(agentID string) []state.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	pts := r.points[agentID]
	out := make([]state.Snapshot, len(pts))
	copy(out, pts)
	return out
}

// Recover returns the best available state for an agent: the most recent
// recovery point that is structurally valid and passes its checksum; failing
// that, the latest raw state, repaired in place if it does not validate.
// Corruption is handled by repair-then-continue, never surfaced as an error.
func (r *StateRecovery) Recover(ctx context.Context, agentID string) (*state.AgentState, error) {
	if snap := r.latestValid(ctx, agentID); snap != nil {
		r.logger.Info("recovered from recovery point",
			"agent_id", agentID, "snapshot_id", snap.ID)
		st := snap.State
		return &st, nil
	}

	st, err := r.store.LoadState(ctx, agentID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// Nothing persisted at all: synthesize a minimal recovered state.
		repaired := r.RepairState(state.AgentState{AgentID: agentID})
		return &repaired, nil
	case err != nil:
		return nil, fmt.Errorf("recover %s: %w", agentID, err)
	}

	if issues := ValidateState(*st); len(issues) > 0 {
		r.logger.Warn("recovered state failed validation, repairing",
			"agent_id", agentID, "issues", issues)
		repaired := r.RepairState(*st)
		return &repaired, nil
	}
	return st, nil
}

// latestValid returns the newest valid recovery point, consulting the cache
// first and falling back to persisted snapshots when the cache is empty.
func (r *StateRecovery) latestValid(ctx context.Context, agentID string) *state.Snapshot {
	r.mu.Lock()
	pts := make([]state.Snapshot, len(r.points[agentID]))
	copy(pts, r.points[agentID])
	r.mu.Unlock()

	if len(pts) == 0 {
		loaded, err := r.store.LoadSnapshots(ctx, agentID)
		if err != nil {
			r.logger.Warn("loading snapshots failed", "agent_id", agentID, "error", err)
			return nil
		}
		pts = loaded
	}

	for i := len(pts) - 1; i >= 0; i-- {
		snap := pts[i]
		if !snap.Valid {
			continue
		}
		if !r.verifyChecksum(snap) {
			r.logger.Warn("recovery point checksum mismatch, skipping",
				"agent_id", agentID, "snapshot_id", snap.ID)
			continue
		}
		return &snap
	}
	return nil
}

// verifyChecksum recomputes the snapshot's state checksum.
func (r *StateRecovery) verifyChecksum(snap state.Snapshot) bool {
	payload, err := json.Marshal(snap.State)
	if err != nil {
		return false
	}
	return r.sums.Sum(payload) == snap.Checksum
}

// RepairState fills every invalid or missing field with a safe default and
// stamps the repair into metadata, incrementing the repair count. Repair is
// total: it always produces a structurally valid state.
func (r *StateRecovery) RepairState(st state.AgentState) state.AgentState {
	if st.AgentID == "" {
		st.AgentID = unknownValue
	}
	if st.Status == "" {
		st.Status = unknownValue
	}
	if st.Data == nil {
		st.Data = map[string]any{}
	}
	if st.Context == nil {
		st.Context = map[string]any{}
	}

	count := st.RepairCount()
	if st.Metadata == nil {
		st.Metadata = map[string]any{}
	}
	st.Metadata[state.MetaRepaired] = true
	st.Metadata[state.MetaRepairedAt] = r.now().Format(time.RFC3339Nano)
	st.Metadata[state.MetaRepairCount] = count + 1

	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = r.now()
	}
	return st
}

// ValidateState runs structural checks only: required fields present and of
// the expected shape. It is not a schema validator. An empty result means
// the state is acceptable.
func ValidateState(st state.AgentState) []string {
	var issues []string
	if st.AgentID == "" {
		issues = append(issues, "agent_id is empty")
	}
	if st.Status == "" {
		issues = append(issues, "status is empty")
	}
	if st.Data == nil {
		issues = append(issues, "data map is nil")
	}
	if st.Context == nil {
		issues = append(issues, "context map is nil")
	}
	if st.Metadata == nil {
		issues = append(issues, "metadata map is nil")
	}
	if st.UpdatedAt.IsZero() {
		issues = append(issues, "updated_at is unset")
	}
	return issues
}
