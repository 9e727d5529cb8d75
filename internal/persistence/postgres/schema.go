package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema creates the result store tables. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         UUID PRIMARY KEY,
	kind       TEXT NOT NULL,
	strategy   TEXT NOT NULL,
	parameters JSONB NOT NULL DEFAULT '{}',
	score      DOUBLE PRECISION NOT NULL,
	regime     TEXT,
	summary    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS runs_strategy_kind_idx ON runs (strategy, kind, score DESC);

CREATE TABLE IF NOT EXISTS run_trades (
	id          BIGSERIAL PRIMARY KEY,
	run_id      UUID NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
	side        TEXT NOT NULL,
	entry_time  TIMESTAMPTZ NOT NULL,
	exit_time   TIMESTAMPTZ NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	exit_price  DOUBLE PRECISION NOT NULL,
	quantity    DOUBLE PRECISION NOT NULL,
	pnl         DOUBLE PRECISION NOT NULL,
	return_pct  DOUBLE PRECISION NOT NULL,
	fees        DOUBLE PRECISION NOT NULL,
	exit_reason TEXT NOT NULL,
	CHECK (exit_time > entry_time)
);
CREATE INDEX IF NOT EXISTS run_trades_run_idx ON run_trades (run_id, exit_time);

CREATE TABLE IF NOT EXISTS regime_snapshots (
	ts          TIMESTAMPTZ NOT NULL,
	series      TEXT NOT NULL,
	regime      TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	features    JSONB NOT NULL DEFAULT '{}',
	recommended TEXT[] NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (series, ts)
);
`

// Migrate applies Schema
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
