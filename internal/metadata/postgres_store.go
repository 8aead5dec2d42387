package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/devrev/quorumkv/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const createSnapshotTable = `
	CREATE TABLE IF NOT EXISTS cluster_snapshot (
		id         INT PRIMARY KEY,
		version    BIGINT NOT NULL,
		data       JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// PostgresStore keeps the snapshot in a single row. CAS is a conditional
// UPDATE on the version column.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL metadata store
func NewPostgresStore(
	ctx context.Context,
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createSnapshotTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) Load(ctx context.Context) (*model.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM cluster_snapshot WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, expected uint64, next *model.Snapshot) error {
	payload, err := encodeSnapshot(next)
	if err != nil {
		return err
	}

	if expected == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO cluster_snapshot (id, version, data)
			VALUES (1, $1, $2)
			ON CONFLICT (id) DO NOTHING
		`, int64(next.Version), payload)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionMismatch
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE cluster_snapshot
		SET version = $1, data = $2, updated_at = now()
		WHERE id = 1 AND version = $3
	`, int64(next.Version), payload, int64(expected))
	if err != nil {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("Snapshot CAS lost", zap.Uint64("expected", expected))
		return ErrVersionMismatch
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
