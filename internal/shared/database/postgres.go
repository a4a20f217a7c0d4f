package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phl-surveillance/platform/internal/shared/config"
)

// Sync jobs hold a connection for one batch transaction at a time; the rest
// of the pool serves analytics and report reads.
const (
	maxConns          = 20
	minConns          = 2
	maxConnLifetime   = time.Hour
	maxConnIdleTime   = 30 * time.Minute
	healthCheckPeriod = time.Minute

	healthTimeout = 2 * time.Second
)

type DB struct {
	Pool *pgxpool.Pool
}

// New opens the canonical store's pool and fails fast if PostgreSQL cannot
// be reached.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	tune(poolConfig)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &DB{Pool: pool}, nil
}

func tune(c *pgxpool.Config) {
	c.MaxConns = maxConns
	c.MinConns = minConns
	c.MaxConnLifetime = maxConnLifetime
	c.MaxConnIdleTime = maxConnIdleTime
	c.HealthCheckPeriod = healthCheckPeriod
}

func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health pings with its own short deadline so a stalled server fails the
// readiness check instead of hanging it.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}
