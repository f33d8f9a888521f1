package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists tokens in Postgres, keyed by an owner namespace so
// several client identities (e.g. bot accounts) can share one table.
//
// The pool is owned by the caller; Close is a no-op.
type PostgresStore struct {
	pool  *pgxpool.Pool
	owner string
}

// NewPostgresStore constructs a Postgres-backed store for owner.
func NewPostgresStore(pool *pgxpool.Pool, owner string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrConfig)
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = "default"
	}
	return &PostgresStore{pool: pool, owner: owner}, nil
}

// EnsureSchema creates the token table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chat_session_tokens (
			owner      TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (owner, key)
		)
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM chat_session_tokens WHERE owner = $1 AND key = $2
	`, s.owner, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_session_tokens (owner, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (owner, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, s.owner, key, value)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM chat_session_tokens WHERE owner = $1 AND key = $2
	`, s.owner, key)
	return err
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

var _ Store = (*PostgresStore)(nil)
