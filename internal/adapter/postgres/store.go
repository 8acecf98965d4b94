package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/state"
	"github.com/Strob0t/AgentForge/internal/port/identity"
)

// Store implements statestore.Store on PostgreSQL. State maps are stored as
// JSONB; snapshots and backups live in their own tables.
type Store struct {
	pool *pgxpool.Pool
	ids  identity.Generator
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, ids identity.Generator) *Store {
	return &Store{pool: pool, ids: ids}
}

// Initialize verifies connectivity. Schema setup runs through RunMigrations.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("initialize state store: %w", err)
	}
	return nil
}

func (s *Store) SaveState(ctx context.Context, agentID string, st state.AgentState) error {
	dataJSON, contextJSON, metaJSON, err := marshalState(st)
	if err != nil {
		return fmt.Errorf("save state for %s: %w", agentID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_states (agent_id, status, data, context, metadata, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   data = EXCLUDED.data,
		   context = EXCLUDED.context,
		   metadata = EXCLUDED.metadata,
		   updated_at = EXCLUDED.updated_at`,
		agentID, st.Status, dataJSON, contextJSON, metaJSON, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save state for %s: %w", agentID, err)
	}
	return nil
}

func (s *Store) LoadState(ctx context.Context, agentID string) (*state.AgentState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT agent_id, status, data, context, metadata, updated_at
		 FROM agent_states WHERE agent_id = $1`, agentID)

	st, err := scanState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("load state for %s: %w", agentID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load state for %s: %w", agentID, err)
	}
	return &st, nil
}

func (s *Store) DeleteState(ctx context.Context, agentID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agent_states WHERE agent_id = $1`, agentID)
	if err != nil {
		return false, fmt.Errorf("delete state for %s: %w", agentID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, agentID string, snap state.Snapshot) error {
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", agentID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO state_snapshots (id, agent_id, state, version, checksum, reason, valid, repair_attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snap.ID, agentID, stateJSON, snap.Version, snap.Checksum, snap.Reason,
		snap.Valid, snap.RepairAttempts, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", agentID, err)
	}
	return nil
}

func (s *Store) LoadSnapshots(ctx context.Context, agentID string) ([]state.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, state, version, checksum, reason, valid, repair_attempts, created_at
		 FROM state_snapshots WHERE agent_id = $1 ORDER BY created_at ASC, version ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots for %s: %w", agentID, err)
	}
	defer rows.Close()

	var snaps []state.Snapshot
	for rows.Next() {
		var snap state.Snapshot
		var stateJSON []byte
		if err := rows.Scan(&snap.ID, &snap.AgentID, &stateJSON, &snap.Version, &snap.Checksum,
			&snap.Reason, &snap.Valid, &snap.RepairAttempts, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal(stateJSON, &snap.State); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot state: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *Store) CreateBackup(ctx context.Context, agentID string, st state.AgentState) (string, error) {
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("create backup for %s: %w", agentID, err)
	}

	id := s.ids.NewID()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO state_backups (id, agent_id, state) VALUES ($1, $2, $3)`,
		id, agentID, stateJSON)
	if err != nil {
		return "", fmt.Errorf("create backup for %s: %w", agentID, err)
	}
	return id, nil
}

func (s *Store) RestoreBackup(ctx context.Context, agentID, backupID string) (*state.AgentState, error) {
	var stateJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM state_backups WHERE agent_id = $1 AND id = $2`,
		agentID, backupID).Scan(&stateJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("restore backup %s for %s: %w", backupID, agentID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("restore backup %s for %s: %w", backupID, agentID, err)
	}

	var st state.AgentState
	if err := json.Unmarshal(stateJSON, &st); err != nil {
		return nil, fmt.Errorf("unmarshal backup state: %w", err)
	}
	return &st, nil
}

// Cleanup closes the pool.
func (s *Store) Cleanup(context.Context) error {
	s.pool.Close()
	return nil
}

func marshalState(st state.AgentState) (data, ctxJSON, meta []byte, err error) {
	if data, err = json.Marshal(st.Data); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal data: %w", err)
	}
	if ctxJSON, err = json.Marshal(st.Context); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal context: %w", err)
	}
	if meta, err = json.Marshal(st.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, ctxJSON, meta, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanState(row scannable) (state.AgentState, error) {
	var st state.AgentState
	var dataJSON, contextJSON, metaJSON []byte
	err := row.Scan(&st.AgentID, &st.Status, &dataJSON, &contextJSON, &metaJSON, &st.UpdatedAt)
	if err != nil {
		return st, err
	}
	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &st.Data); err != nil {
			return st, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &st.Context); err != nil {
			return st, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if metaJSON != nil {
		if err := json.Unmarshal(metaJSON, &st.Metadata); err != nil {
			return st, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return st, nil
}
