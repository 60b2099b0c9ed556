package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

const (
	maxOpenConns = 10
	maxIdleConns = 5
	openTimeout  = 5 * time.Second
)

// Store persists rounds, bets, claims and anomaly records in Postgres. Two
// independent writers (the reconciler and the live listener) race against the
// same tables; uniqueness constraints make every insert idempotent.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres, verifies the connection with a ping and ensures
// the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("store_opened", "max_open_conns", maxOpenConns)
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS round (
		epoch BIGINT PRIMARY KEY,
		start_ts TIMESTAMPTZ NOT NULL,
		lock_ts TIMESTAMPTZ NOT NULL,
		close_ts TIMESTAMPTZ NOT NULL,
		lock_price DOUBLE PRECISION NOT NULL,
		close_price DOUBLE PRECISION NOT NULL,
		result TEXT NOT NULL CHECK (result IN ('UP', 'DOWN')),
		total_amount DOUBLE PRECISION NOT NULL,
		up_amount DOUBLE PRECISION NOT NULL,
		down_amount DOUBLE PRECISION NOT NULL,
		up_payout DOUBLE PRECISION NOT NULL,
		down_payout DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS hisbet (
		id SERIAL PRIMARY KEY,
		epoch BIGINT NOT NULL,
		bet_ts TIMESTAMPTZ NOT NULL,
		wallet TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('UP', 'DOWN')),
		amount DOUBLE PRECISION NOT NULL,
		tx_hash TEXT NOT NULL UNIQUE,
		block_number BIGINT NOT NULL,
		result TEXT CHECK (result IN ('WIN', 'LOSS'))
	);
	CREATE INDEX IF NOT EXISTS idx_hisbet_epoch ON hisbet(epoch);
	CREATE INDEX IF NOT EXISTS idx_hisbet_wallet ON hisbet(wallet);

	CREATE TABLE IF NOT EXISTS realbet (
		epoch BIGINT NOT NULL,
		wallet TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('UP', 'DOWN')),
		amount DOUBLE PRECISION NOT NULL,
		bet_ts TIMESTAMPTZ NOT NULL,
		tx_hash TEXT NOT NULL,
		UNIQUE (epoch, wallet)
	);

	CREATE TABLE IF NOT EXISTS claim (
		id SERIAL PRIMARY KEY,
		epoch BIGINT NOT NULL,
		claim_ts TIMESTAMPTZ NOT NULL,
		wallet TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		bet_epoch BIGINT NOT NULL,
		tx_hash TEXT NOT NULL UNIQUE,
		block_number BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_claim_epoch ON claim(epoch);
	CREATE INDEX IF NOT EXISTS idx_claim_wallet ON claim(wallet);

	CREATE TABLE IF NOT EXISTS failed_epoch (
		epoch BIGINT PRIMARY KEY,
		failure_count INT NOT NULL DEFAULT 1,
		last_attempt_ts TIMESTAMPTZ NOT NULL,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS multi_round_claimer (
		claim_epoch BIGINT NOT NULL,
		wallet TEXT NOT NULL,
		rounds_claimed INT NOT NULL,
		bet_epochs BIGINT[] NOT NULL,
		total_amount DOUBLE PRECISION NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL,
		review_status TEXT NOT NULL DEFAULT 'pending',
		UNIQUE (claim_epoch, wallet)
	);

	CREATE TABLE IF NOT EXISTS wallet_note (
		wallet TEXT PRIMARY KEY,
		note TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// PingContext re-verifies the pool, used by the connection health check.
func (s *Store) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
