// Package pgpool provides pooled Postgres access shared by every durable
// component of the indexing engine core (sync cache, indexing store, reorg
// journal, instance registry). database.kind=pglite is modeled as the same
// pool pointed at a local Postgres-wire-compatible connection string — no
// separate driver is required.
package pgpool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ponder-sh/ponder-core/internal/config"
)

// Pool wraps a pgxpool.Pool with the query surface the rest of the core
// depends on, so callers never import pgx directly.
type Pool struct {
	pool *pgxpool.Pool
}

// Open connects a pool using the given database configuration.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("pgpool: parse connection string: %w", err)
	}

	if cfg.MaxConns != 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns != 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnIdleTime = 30 * time.Second
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("pgpool: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgpool: ping: %w", err)
	}

	return &Pool{pool: pool}, nil
}

// QueryRow satisfies the scanning surface used by callers holding a single
// expected row.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

// Query returns an iterable row set.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

// Exec runs a statement that returns no rows.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.pool.Exec(ctx, sql, args...)
}

// Begin starts a transaction.
func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	return p.pool.Begin(ctx)
}

// Stats reports pool utilization, surfaced on /status.
func (p *Pool) Stats() Stats {
	s := p.pool.Stat()
	return Stats{
		MaxConns:     int64(s.MaxConns()),
		TotalConns:   int64(s.TotalConns()),
		AcquiredConns: int64(s.AcquiredConns()),
		IdleConns:    int64(s.IdleConns()),
	}
}

// Ping verifies the pool can still reach the database, for /ready checks.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases every pooled connection. Safe to call once on shutdown.
func (p *Pool) Close() {
	p.pool.Close()
}

// Underlying exposes the raw pgxpool.Pool for callers that need
// scany/pgxscan struct-scanning, which operates against the pool directly.
func (p *Pool) Underlying() *pgxpool.Pool {
	return p.pool
}

// Stats mirrors pgxpool.Stat's fields the core cares about.
type Stats struct {
	MaxConns      int64
	TotalConns    int64
	AcquiredConns int64
	IdleConns     int64
}
