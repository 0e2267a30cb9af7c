package database

import (
	"context"
	"fmt"

	"futures-listing-bot/config"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a connection pool with decimal scanning registered on every
// connection.
func NewDB(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

// RunMigrations creates the schema if it does not exist.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS manual_plans (
			id UUID PRIMARY KEY,
			symbol VARCHAR(50) NOT NULL,
			side VARCHAR(4) NOT NULL DEFAULT 'BUY',
			listing_time TIMESTAMPTZ NOT NULL,
			leverage INT NOT NULL DEFAULT 5,
			position_pct NUMERIC(5,4) NOT NULL DEFAULT 0.5,
			stop_loss_pct NUMERIC(5,4) NOT NULL DEFAULT 0.05,
			trailing_exit_pct NUMERIC(5,4) NOT NULL DEFAULT 0.15,
			max_slippage_pct NUMERIC(6,4) NOT NULL DEFAULT 0.5,
			notes TEXT,
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_manual_plans_status ON manual_plans(status)`,
		`CREATE INDEX IF NOT EXISTS idx_manual_plans_listing_time ON manual_plans(listing_time)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			manual_plan_id UUID REFERENCES manual_plans(id) ON DELETE CASCADE,
			symbol VARCHAR(50) NOT NULL,
			side VARCHAR(4) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE',
			is_external BOOLEAN NOT NULL DEFAULT FALSE,
			order_id VARCHAR(100),
			entry_price NUMERIC(32,8) NOT NULL,
			entry_quantity NUMERIC(32,8) NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			exit_price NUMERIC(32,8),
			exit_quantity NUMERIC(32,8),
			exit_time TIMESTAMPTZ,
			exit_reason VARCHAR(100),
			leverage INT NOT NULL,
			stop_loss_pct NUMERIC(5,4) NOT NULL,
			trailing_exit_pct NUMERIC(5,4) NOT NULL,
			max_slippage_pct NUMERIC(6,4) NOT NULL,
			highest_price NUMERIC(32,8),
			lowest_price NUMERIC(32,8),
			last_check_time TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol_side ON positions(symbol, side, status)`,

		`CREATE TABLE IF NOT EXISTS execution_logs (
			id UUID PRIMARY KEY,
			manual_plan_id UUID REFERENCES manual_plans(id) ON DELETE CASCADE,
			position_id UUID REFERENCES positions(id) ON DELETE CASCADE,
			event_type VARCHAR(100) NOT NULL,
			order_id VARCHAR(100),
			symbol VARCHAR(50),
			side VARCHAR(4),
			price NUMERIC(32,8),
			quantity NUMERIC(32,8),
			status VARCHAR(50),
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_created_at ON execution_logs(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_position_id ON execution_logs(position_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
