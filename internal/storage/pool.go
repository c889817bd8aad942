package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clouvelai/kalshibook-sub001/internal/config"
)

// Connect creates the shared connection pool. The same pool serves the write
// path (batched appends) and the read path (reconstruction queries); Postgres
// MVCC keeps the two from blocking each other.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	// The DSN carries pool sizing, so ParseConfig inside New picks it up.
	pool, err := pgxpool.New(ctx, BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
