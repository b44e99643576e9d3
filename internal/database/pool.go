package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/marketstream/internal/config"
)

// Schema creates the tables the writers insert into.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS price_snapshots (
		symbol         TEXT        NOT NULL,
		price          NUMERIC     NOT NULL,
		change         NUMERIC     NOT NULL,
		change_percent NUMERIC     NOT NULL,
		volume         BIGINT      NOT NULL,
		last_update    TIMESTAMPTZ NOT NULL,
		received_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, last_update)
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_updates (
		id          BIGSERIAL   PRIMARY KEY,
		received_at TIMESTAMPTZ NOT NULL,
		payload     JSONB       NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS portfolio_updates_received_at_idx ON portfolio_updates (received_at)`,
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, appName string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg, appName))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema applies Schema. Statements are idempotent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range Schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
