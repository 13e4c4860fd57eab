// Package pgstore implements x402.NonceStore on PostgreSQL. Reservations
// rely on the primary key: a concurrent insert of the same nonce fails with
// a unique violation and loses the race.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Schema creates the nonce table.
const Schema = `
CREATE TABLE IF NOT EXISTS payment_nonces (
    key         TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    tx_hash     TEXT,
    expires_at  TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS payment_nonces_expires_at_idx ON payment_nonces (expires_at);
`

// Store implements x402.NonceStore using a pgx pool.
type Store struct {
	Db  *pgxpool.Pool
	now func() time.Time
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Db: pool, now: time.Now}
}

// Open parses connString, connects, and pings the database.
func Open(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return New(pool), nil
}

// EnsureSchema creates the nonce table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create nonce schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.Db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM payment_nonces WHERE key = $1 AND expires_at > $2)",
		key, s.now()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("nonce lookup failed: %w", err)
	}
	return exists, nil
}

func (s *Store) Reserve(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin nonce reservation: %w", err)
	}
	defer tx.Rollback(ctx)

	// An expired row no longer guards anything.
	if _, err := tx.Exec(ctx,
		"DELETE FROM payment_nonces WHERE key = $1 AND expires_at <= $2",
		key, s.now()); err != nil {
		return false, fmt.Errorf("nonce expiry sweep failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO payment_nonces (key, status, expires_at) VALUES ($1, 'pending', $2)",
		key, expiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("nonce reservation failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("commit nonce reservation: %w", err)
	}
	return true, nil
}

func (s *Store) Commit(ctx context.Context, key, transaction string) error {
	_, err := s.Db.Exec(ctx,
		"UPDATE payment_nonces SET status = 'committed', tx_hash = $2 WHERE key = $1",
		key, transaction)
	if err != nil {
		return fmt.Errorf("nonce commit failed: %w", err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key string) error {
	_, err := s.Db.Exec(ctx,
		"DELETE FROM payment_nonces WHERE key = $1 AND status = 'pending'",
		key)
	if err != nil {
		return fmt.Errorf("nonce release failed: %w", err)
	}
	return nil
}

// Transaction returns the transaction recorded for a committed key.
func (s *Store) Transaction(ctx context.Context, key string) (string, bool, error) {
	var tx *string
	err := s.Db.QueryRow(ctx,
		"SELECT tx_hash FROM payment_nonces WHERE key = $1 AND status = 'committed'",
		key).Scan(&tx)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("nonce lookup failed: %w", err)
	}
	if tx == nil {
		return "", true, nil
	}
	return *tx, true, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	tag, err := s.Db.Exec(ctx, "DELETE FROM payment_nonces WHERE expires_at <= $1", s.now())
	if err != nil {
		return 0, fmt.Errorf("nonce purge failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
