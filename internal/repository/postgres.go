package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDB struct {
	Pool *pgxpool.Pool
}

func NewPostgresDB(databaseURL string) (*PostgresDB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresDB{Pool: pool}, nil
}

func (db *PostgresDB) Close() {
	db.Pool.Close()
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// InitSchema creates the collections if they do not exist yet.
func (db *PostgresDB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		display_name  TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS deals (
		id                          TEXT PRIMARY KEY,
		buyer_id                    TEXT NOT NULL,
		seller_id                   TEXT NOT NULL,
		buyer_wallet                TEXT NOT NULL,
		seller_wallet               TEXT NOT NULL,
		initiated_by                TEXT NOT NULL,
		property_address            TEXT NOT NULL,
		amount                      NUMERIC(78,0) NOT NULL,
		buyer_network               TEXT NOT NULL,
		seller_network              TEXT NOT NULL,
		is_cross_chain              BOOLEAN NOT NULL DEFAULT FALSE,
		smart_contract_address      TEXT,
		status                      TEXT NOT NULL,
		conditions                  JSONB NOT NULL DEFAULT '[]',
		final_approval_deadline     TIMESTAMPTZ,
		dispute_resolution_deadline TIMESTAMPTZ,
		funds_deposited_by_buyer    BOOLEAN NOT NULL DEFAULT FALSE,
		funds_released_to_seller    BOOLEAN NOT NULL DEFAULT FALSE,
		cross_chain_transaction_id  TEXT NOT NULL DEFAULT '',
		processing_error            TEXT NOT NULL DEFAULT '',
		timeline                    JSONB NOT NULL DEFAULT '[]',
		created_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_deals_buyer ON deals (buyer_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_deals_seller ON deals (seller_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_deals_status_final ON deals (status, final_approval_deadline);
	CREATE INDEX IF NOT EXISTS idx_deals_status_dispute ON deals (status, dispute_resolution_deadline);

	CREATE TABLE IF NOT EXISTS cross_chain_transactions (
		id                 TEXT PRIMARY KEY,
		deal_id            TEXT NOT NULL REFERENCES deals (id),
		from_address       TEXT NOT NULL,
		to_address         TEXT NOT NULL,
		amount             NUMERIC(78,0) NOT NULL,
		source_network     TEXT NOT NULL,
		target_network     TEXT NOT NULL,
		bridge_info        JSONB,
		steps              JSONB NOT NULL DEFAULT '[]',
		status             TEXT NOT NULL,
		last_status_check  TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_cct_deal ON cross_chain_transactions (deal_id);
	CREATE INDEX IF NOT EXISTS idx_cct_status_check ON cross_chain_transactions (status, last_status_check);
	`
	_, err := db.Pool.Exec(ctx, schema)
	return err
}
