// Package postgres holds the PostgreSQL jackpot transaction ledger.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS jackpot_transactions (
	transaction_id BIGINT PRIMARY KEY,
	level_key      TEXT        NOT NULL,
	state          SMALLINT    NOT NULL,
	record         JSONB       NOT NULL,
	hit_at         TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS jackpot_transactions_level_key_idx ON jackpot_transactions (level_key);
CREATE INDEX IF NOT EXISTS jackpot_transactions_open_idx ON jackpot_transactions (state) WHERE state IN (0, 1, 2);
`

// NewPool creates a connection pool and checks the database is reachable.
func NewPool(ctx context.Context, cfg config.PostgresConfig, logger zerolog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unavailable: %w", err)
	}

	logger.Info().Int32("max_conns", cfg.MaxConns).Msg("Connected to PostgreSQL")
	return pool, nil
}

// Migrate creates the ledger table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate ledger schema: %w", err)
	}
	return nil
}
