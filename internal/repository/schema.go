package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schema - таблицы хранилища; все операторы идемпотентны
var schema = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id VARCHAR(64) PRIMARY KEY,
		instrument VARCHAR(32) NOT NULL,
		long_venue VARCHAR(50) NOT NULL,
		short_venue VARCHAR(50) NOT NULL,
		entry_price_long DOUBLE PRECISION NOT NULL DEFAULT 0,
		entry_price_short DOUBLE PRECISION NOT NULL DEFAULT 0,
		quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
		size_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		entry_spread_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		exit_price_long DOUBLE PRECISION,
		exit_price_short DOUBLE PRECISION,
		exit_spread_percent DOUBLE PRECISION,
		status VARCHAR(16) NOT NULL,
		pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		realized_pnl DOUBLE PRECISION,
		paper BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		executed_at TIMESTAMPTZ,
		closed_at TIMESTAMPTZ,
		error_reason TEXT NOT NULL DEFAULT '',
		close_reason TEXT NOT NULL DEFAULT '',
		risk_level VARCHAR(16) NOT NULL DEFAULT '',
		best_spread_seen DOUBLE PRECISION,
		trailing_active BOOLEAN NOT NULL DEFAULT false
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ DEFAULT NOW(),
		type VARCHAR(50) NOT NULL,
		severity VARCHAR(20) NOT NULL DEFAULT 'info',
		trade_id VARCHAR(64),
		message TEXT NOT NULL,
		meta JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications (timestamp DESC)`,
}

// Migrate создает таблицы, если их нет
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
