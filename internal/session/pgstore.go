// File: internal/session/pgstore.go
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so the store can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateTable = `
        CREATE TABLE IF NOT EXISTS gui_sessions (
            key          TEXT PRIMARY KEY,
            id           TEXT NOT NULL,
            validator_id TEXT NOT NULL,
            state        JSONB NOT NULL,
            created_at   TIMESTAMPTZ NOT NULL
        );
    `
	sqlAdvisoryLock = `SELECT pg_advisory_xact_lock(hashtext($1))`
	sqlUpsert       = `
        INSERT INTO gui_sessions (key, id, validator_id, state, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (key) DO UPDATE SET
            id = EXCLUDED.id,
            validator_id = EXCLUDED.validator_id,
            state = EXCLUDED.state,
            created_at = EXCLUDED.created_at;
    `
	sqlGet    = `SELECT key, id, validator_id, state, created_at FROM gui_sessions WHERE key = $1`
	sqlList   = `SELECT key, id, validator_id, state, created_at FROM gui_sessions ORDER BY key`
	sqlDelete = `DELETE FROM gui_sessions WHERE key = $1`
)

// PostgresStore shares snapshots between machines through a gui_sessions
// table. Writers for the same key serialize on a transaction-scoped
// advisory lock.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgresStore verifies the connection and creates the table.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlCreateTable); err != nil {
		return nil, fmt.Errorf("failed to create gui_sessions table: %w", err)
	}
	return &PostgresStore{pool: pool, log: logger.Named("pgstore")}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (*Snapshot, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, sqlGet, string(key)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", key, err)
	}
	return snap, nil
}

func (s *PostgresStore) Put(ctx context.Context, snap *Snapshot) error {
	return s.inLockedTx(ctx, snap.Key, func(tx pgx.Tx) error {
		return upsert(ctx, tx, snap)
	})
}

func (s *PostgresStore) Delete(ctx context.Context, key Key) error {
	return s.inLockedTx(ctx, key, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlDelete, string(key)); err != nil {
			return fmt.Errorf("failed to delete snapshot: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) List(ctx context.Context) ([]*Snapshot, error) {
	rows, err := s.pool.Query(ctx, sqlList)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	return collectSnapshots(rows)
}

func upsert(ctx context.Context, tx pgx.Tx, snap *Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encode snapshot state: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlUpsert, string(snap.Key), snap.ID, snap.ValidatorID, state, snap.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

func collectSnapshots(rows pgx.Rows) ([]*Snapshot, error) {
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// WithLock runs fn inside one transaction holding the advisory lock for
// key. The transaction commits when fn succeeds and rolls back otherwise.
func (s *PostgresStore) WithLock(ctx context.Context, key Key, fn func(context.Context, Store) error) error {
	return s.inLockedTx(ctx, key, func(tx pgx.Tx) error {
		return fn(ctx, txStore{tx: tx})
	})
}

// txStore runs store operations on an open transaction. Writes run in a
// savepoint so a failed write leaves the transaction able to commit.
type txStore struct {
	tx pgx.Tx
}

func (t txStore) savepoint(ctx context.Context, fn func(pgx.Tx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}
	if err := fn(sp); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func (t txStore) Get(ctx context.Context, key Key) (*Snapshot, error) {
	snap, err := scanSnapshot(t.tx.QueryRow(ctx, sqlGet, string(key)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", key, err)
	}
	return snap, nil
}

func (t txStore) Put(ctx context.Context, snap *Snapshot) error {
	return t.savepoint(ctx, func(sp pgx.Tx) error {
		return upsert(ctx, sp, snap)
	})
}

func (t txStore) Delete(ctx context.Context, key Key) error {
	return t.savepoint(ctx, func(sp pgx.Tx) error {
		if _, err := sp.Exec(ctx, sqlDelete, string(key)); err != nil {
			return fmt.Errorf("failed to delete snapshot: %w", err)
		}
		return nil
	})
}

func (t txStore) List(ctx context.Context) ([]*Snapshot, error) {
	rows, err := t.tx.Query(ctx, sqlList)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	return collectSnapshots(rows)
}

func (s *PostgresStore) inLockedTx(ctx context.Context, key Key, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlAdvisoryLock, string(key)); err != nil {
		return fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanSnapshot(row pgx.Row) (*Snapshot, error) {
	var (
		snap      Snapshot
		key       string
		state     []byte
		createdAt time.Time
	)
	if err := row.Scan(&key, &snap.ID, &snap.ValidatorID, &state, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(state, &snap.State); err != nil {
		return nil, fmt.Errorf("decode snapshot state: %w", err)
	}
	snap.Key = Key(key)
	snap.CreatedAt = createdAt
	return &snap, nil
}
