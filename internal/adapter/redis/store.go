// Package redis implements the state store port on Redis. States and backups
// are JSON values; snapshot history is an append-only list per agent.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Strob0t/AgentForge/internal/config"
	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/state"
	"github.com/Strob0t/AgentForge/internal/port/identity"
)

const (
	stateKeyPrefix    = "agentforge:state:"
	snapshotKeyPrefix = "agentforge:snapshots:"
	backupKeyPrefix   = "agentforge:backup:"
)

// Store implements statestore.Store on a Redis instance.
type Store struct {
	rdb *redis.Client
	ids identity.Generator
}

// NewClient creates a Redis client from config and verifies connectivity.
func NewClient(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// NewStore wraps an existing Redis client.
func NewStore(rdb *redis.Client, ids identity.Generator) *Store {
	return &Store{rdb: rdb, ids: ids}
}

// Initialize verifies connectivity. Redis needs no schema.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("initialize state store: %w", err)
	}
	return nil
}

func (s *Store) SaveState(ctx context.Context, agentID string, st state.AgentState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("save state for %s: %w", agentID, err)
	}
	if err := s.rdb.Set(ctx, stateKeyPrefix+agentID, data, 0).Err(); err != nil {
		return fmt.Errorf("save state for %s: %w", agentID, err)
	}
	return nil
}

func (s *Store) LoadState(ctx context.Context, agentID string) (*state.AgentState, error) {
	data, err := s.rdb.Get(ctx, stateKeyPrefix+agentID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("load state for %s: %w", agentID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load state for %s: %w", agentID, err)
	}

	var st state.AgentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state for %s: %w", agentID, err)
	}
	return &st, nil
}

func (s *Store) DeleteState(ctx context.Context, agentID string) (bool, error) {
	n, err := s.rdb.Del(ctx, stateKeyPrefix+agentID).Result()
	if err != nil {
		return false, fmt.Errorf("delete state for %s: %w", agentID, err)
	}
	return n > 0, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, agentID string, snap state.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", agentID, err)
	}
	if err := s.rdb.RPush(ctx, snapshotKeyPrefix+agentID, data).Err(); err != nil {
		return fmt.Errorf("save snapshot for %s: %w", agentID, err)
	}
	return nil
}

func (s *Store) LoadSnapshots(ctx context.Context, agentID string) ([]state.Snapshot, error) {
	entries, err := s.rdb.LRange(ctx, snapshotKeyPrefix+agentID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load snapshots for %s: %w", agentID, err)
	}

	snaps := make([]state.Snapshot, 0, len(entries))
	for _, entry := range entries {
		var snap state.Snapshot
		if err := json.Unmarshal([]byte(entry), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot for %s: %w", agentID, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (s *Store) CreateBackup(ctx context.Context, agentID string, st state.AgentState) (string, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("create backup for %s: %w", agentID, err)
	}

	id := s.ids.NewID()
	if err := s.rdb.Set(ctx, backupKeyPrefix+agentID+":"+id, data, 0).Err(); err != nil {
		return "", fmt.Errorf("create backup for %s: %w", agentID, err)
	}
	return id, nil
}

func (s *Store) RestoreBackup(ctx context.Context, agentID, backupID string) (*state.AgentState, error) {
	data, err := s.rdb.Get(ctx, backupKeyPrefix+agentID+":"+backupID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("restore backup %s for %s: %w", backupID, agentID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("restore backup %s for %s: %w", backupID, agentID, err)
	}

	var st state.AgentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal backup state: %w", err)
	}
	return &st, nil
}

// Cleanup closes the client.
func (s *Store) Cleanup(context.Context) error {
	return s.rdb.Close()
}
