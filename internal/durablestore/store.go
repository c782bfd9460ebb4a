// Package durablestore implements the persistent record of tasks, subtask
// results, and activity logs on PostgreSQL. It is the source of truth for
// task state; the coordination store only carries in-flight work.
package durablestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

// ErrStale is returned when an optimistic update lost the race: the row's
// updated_at no longer matches the snapshot the caller read.
var ErrStale = errors.New("task row modified concurrently")

// Store is the durable store handle. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool against the DSN with the given bounds and
// verifies connectivity.
func New(ctx context.Context, dsn string, poolMin, poolMax int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres DSN: %w", err)
	}
	cfg.MinConns = int32(poolMin)
	cfg.MaxConns = int32(poolMax)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
