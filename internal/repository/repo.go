// Package repository is the sole Postgres access layer (§5 "Database: the
// sole source of truth"). It wraps github.com/jackc/pgx/v5 and pgxpool the
// way the teacher's internal/repository/repo_core.go wires its pool, and
// keeps the bulk-insert/ON CONFLICT DO NOTHING idiom from
// postgres_ingest.go for the catalog tables; the rollup tables use additive
// ON CONFLICT DO UPDATE upserts instead.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the shared handle to the connection pool. All per-entity
// methods hang off this type across the package's files.
type Repository struct {
	Pool *pgxpool.Pool
}

// New opens a pool against databaseURL, tuned the way the teacher's
// repo_core.go tunes its own pool (bounded max conns, a health-check
// period so idle connections don't go stale under low traffic).
func New(ctx context.Context, databaseURL string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repository: parse database url: %w", err)
	}
	if cfg.MaxConns < 4 {
		cfg.MaxConns = 20
	}
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("repository: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repository: ping: %w", err)
	}
	return &Repository{Pool: pool}, nil
}

func (r *Repository) Close() {
	r.Pool.Close()
}
