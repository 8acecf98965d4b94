package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/fault"
	"github.com/Strob0t/AgentForge/internal/domain/state"
	"github.com/Strob0t/AgentForge/internal/port/monitor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seqIDs generates deterministic sequential ids.
type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

// sha256Summer is the checksum fake used in recovery tests.
type sha256Summer struct{}

func (sha256Summer) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fakeStore is an in-memory statestore.Store with injectable failures.
type fakeStore struct {
	mu        sync.Mutex
	states    map[string]state.AgentState
	snapshots map[string][]state.Snapshot
	backups   map[string]state.AgentState

	saveCalls int
	// saveErr fails SaveState while saveFailures > 0, decrementing per call.
	saveErr      error
	saveFailures int
	loadErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:    make(map[string]state.AgentState),
		snapshots: make(map[string][]state.Snapshot),
		backups:   make(map[string]state.AgentState),
	}
}

func (f *fakeStore) Initialize(context.Context) error { return nil }

func (f *fakeStore) SaveState(_ context.Context, agentID string, st state.AgentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.saveCalls++
	if f.saveFailures > 0 {
		f.saveFailures--
		return f.saveErr
	}
	f.states[agentID] = st
	return nil
}

func (f *fakeStore) LoadState(_ context.Context, agentID string) (*state.AgentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.loadErr != nil {
		return nil, f.loadErr
	}
	st, ok := f.states[agentID]
	if !ok {
		return nil, fmt.Errorf("load state for %s: %w", agentID, domain.ErrNotFound)
	}
	return &st, nil
}

func (f *fakeStore) DeleteState(_ context.Context, agentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, existed := f.states[agentID]
	delete(f.states, agentID)
	return existed, nil
}

func (f *fakeStore) SaveSnapshot(_ context.Context, agentID string, snap state.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[agentID] = append(f.snapshots[agentID], snap)
	return nil
}

func (f *fakeStore) LoadSnapshots(_ context.Context, agentID string) ([]state.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]state.Snapshot, len(f.snapshots[agentID]))
	copy(out, f.snapshots[agentID])
	return out, nil
}

func (f *fakeStore) CreateBackup(_ context.Context, agentID string, st state.AgentState) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := fmt.Sprintf("backup-%d", len(f.backups)+1)
	f.backups[agentID+"/"+id] = st
	return id, nil
}

func (f *fakeStore) RestoreBackup(_ context.Context, agentID, backupID string) (*state.AgentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.backups[agentID+"/"+backupID]
	if !ok {
		return nil, fmt.Errorf("restore backup %s: %w", backupID, domain.ErrNotFound)
	}
	return &st, nil
}

func (f *fakeStore) Cleanup(context.Context) error { return nil }

// fakeCache is a map-backed cache.Cache.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    int
	hits    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gets++
	data, ok := f.entries[key]
	if ok {
		f.hits++
	}
	return data, ok, nil
}

func (f *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	f.entries[key] = cp
	return nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

// recMonitor records metrics and alerts for assertions.
type recMonitor struct {
	mu      sync.Mutex
	metrics []monitor.Metric
	alerts  []fault.Alert
}

func (r *recMonitor) RecordMetric(_ context.Context, _ string, m monitor.Metric) {
	r.mu.Lock()
	r.metrics = append(r.metrics, m)
	r.mu.Unlock()
}

func (r *recMonitor) CreateAlert(_ context.Context, a fault.Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

func (r *recMonitor) metricCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, m := range r.metrics {
		if m.Name == name {
			n++
		}
	}
	return n
}
