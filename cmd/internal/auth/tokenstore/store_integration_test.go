package tokenstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Integration tests are enabled when CHAT_TEST_DATABASE_URL / CHAT_TEST_REDIS_ADDR are set.

func TestPostgresStore_RoundTrip(t *testing.T) {
	t.Parallel()

	dbURL := os.Getenv("CHAT_TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("CHAT_TEST_DATABASE_URL is not set; skipping Postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()

	owner := "test-" + ulid.Make().String()
	s, err := NewPostgresStore(pool, owner)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM chat_session_tokens WHERE owner = $1`, owner)
	})

	testRoundTrip(t, s)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	t.Parallel()

	addr := os.Getenv("CHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHAT_TEST_REDIS_ADDR is not set; skipping Redis integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewRedisStore(ctx, addr, "chatsession-test:"+ulid.Make().String()+":")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	testRoundTrip(t, s)
}

func TestNewPostgresStore_NilPool(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore(nil, "x"); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}
