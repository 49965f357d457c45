// Package store manages the PostgreSQL connection pool and bootstraps
// the sync engine schema on startup.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Open creates a new PostgreSQL connection pool and bootstraps the
// server-side sync schema.
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	return open(ctx, url, ServerSchema)
}

// OpenRelay opens a pool carrying both the server schema and the
// relay-specific tables. The relay runs the full local push/pull
// pipeline, so it needs everything the server has.
func OpenRelay(ctx context.Context, url string) (*pgxpool.Pool, error) {
	return open(ctx, url, ServerSchema+RelaySchema)
}

func open(ctx context.Context, url, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse config: %w", err)
	}

	// Connection pool configuration
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: bootstrap schema: %w", err)
	}

	if err := MigratePartitionColumns(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}
