package tokenstore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"chatsession/cmd/security/passphrase"
)

func testRoundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	want := TokenPair{Access: "a.b.c", Refresh: "d.e.f"}
	if err := SavePair(ctx, s, want); err != nil {
		t.Fatalf("SavePair: %v", err)
	}
	got, err := LoadPair(ctx, s)
	if err != nil {
		t.Fatalf("LoadPair: %v", err)
	}
	if got != want {
		t.Fatalf("LoadPair()=%+v want=%+v", got, want)
	}

	// Overwrite access only, keeping refresh.
	next := TokenPair{Access: "g.h.i", Refresh: want.Refresh}
	if err := SavePair(ctx, s, next); err != nil {
		t.Fatalf("SavePair(next): %v", err)
	}
	got, err = LoadPair(ctx, s)
	if err != nil {
		t.Fatalf("LoadPair: %v", err)
	}
	if got != next {
		t.Fatalf("LoadPair()=%+v want=%+v", got, next)
	}

	if err := ClearPair(ctx, s); err != nil {
		t.Fatalf("ClearPair: %v", err)
	}
	got, err = LoadPair(ctx, s)
	if err != nil {
		t.Fatalf("LoadPair: %v", err)
	}
	if !got.Empty() {
		t.Fatalf("expected empty pair after clear, got %+v", got)
	}

	// Clearing twice is a no-op.
	if err := ClearPair(ctx, s); err != nil {
		t.Fatalf("ClearPair (second): %v", err)
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	t.Parallel()
	testRoundTrip(t, NewMemoryStore())
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tokens.db")
	s, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer func() { _ = s.Close() }()

	testRoundTrip(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")

	s1, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	want := TokenPair{Access: "x.y.z", Refresh: "r.r.r"}
	if err := SavePair(ctx, s1, want); err != nil {
		t.Fatalf("SavePair: %v", err)
	}
	_ = s1.Close()

	s2, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite (reopen): %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, err := LoadPair(ctx, s2)
	if err != nil {
		t.Fatalf("LoadPair: %v", err)
	}
	if got != want {
		t.Fatalf("LoadPair()=%+v want=%+v", got, want)
	}
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite(context.Background(), "  ")
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err=%v want ErrConfig", err)
	}
}

func TestSavePair_RejectsAccessWithoutRefresh(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	err := SavePair(context.Background(), s, TokenPair{Access: "a.b.c"})
	if !errors.Is(err, ErrInvalidPair) {
		t.Fatalf("err=%v want ErrInvalidPair", err)
	}
	if _, ok, _ := s.Get(context.Background(), KeyAccess); ok {
		t.Fatalf("nothing must be written for an invalid pair")
	}
}

func TestSealed_RoundTripAndAtRestEncryption(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	s, err := NewSealedFromHex(inner, strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("NewSealedFromHex: %v", err)
	}

	testRoundTrip(t, s)

	ctx := context.Background()
	if err := SavePair(ctx, s, TokenPair{Access: "plain-access", Refresh: "plain-refresh"}); err != nil {
		t.Fatalf("SavePair: %v", err)
	}
	raw, ok, _ := inner.Get(ctx, KeyAccess)
	if !ok {
		t.Fatalf("expected inner value")
	}
	if strings.Contains(raw, "plain-access") || !strings.HasPrefix(raw, sealedPrefix) {
		t.Fatalf("inner value is not sealed: %q", raw)
	}
}

func TestSealed_RejectsSwappedKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inner := NewMemoryStore()
	s, err := NewSealed(inner, make([]byte, 32))
	if err != nil {
		t.Fatalf("NewSealed: %v", err)
	}
	if err := SavePair(ctx, s, TokenPair{Access: "acc", Refresh: "ref"}); err != nil {
		t.Fatalf("SavePair: %v", err)
	}

	// Copy the sealed refresh value under the access key.
	raw, _, _ := inner.Get(ctx, KeyRefresh)
	_ = inner.Set(ctx, KeyAccess, raw)

	if _, _, err := s.Get(ctx, KeyAccess); !errors.Is(err, ErrSealed) {
		t.Fatalf("err=%v want ErrSealed", err)
	}

	_ = inner.Set(ctx, KeyAccess, "not-sealed")
	if _, _, err := s.Get(ctx, KeyAccess); !errors.Is(err, ErrSealed) {
		t.Fatalf("err=%v want ErrSealed for plaintext", err)
	}
}

func TestNewSealed_KeySize(t *testing.T) {
	t.Parallel()

	if _, err := NewSealed(NewMemoryStore(), make([]byte, 16)); !errors.Is(err, ErrConfig) {
		t.Fatalf("err=%v want ErrConfig", err)
	}
	if _, err := NewSealedFromHex(NewMemoryStore(), "zz"); !errors.Is(err, ErrConfig) {
		t.Fatalf("err=%v want ErrConfig", err)
	}
}

func cheapKDF() passphrase.Config {
	cfg := passphrase.DefaultConfig()
	cfg.Params.MemoryKiB = 64
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func TestSealedFromPassphrase_ReopenAndWrongPassphrase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inner := NewMemoryStore()
	const pass = "tea kettle on the stove"

	s, err := NewSealedFromPassphrase(ctx, inner, pass, cheapKDF())
	if err != nil {
		t.Fatalf("NewSealedFromPassphrase: %v", err)
	}
	if err := SavePair(ctx, s, TokenPair{Access: "acc", Refresh: "ref"}); err != nil {
		t.Fatalf("SavePair: %v", err)
	}
	spec, ok, _ := inner.Get(ctx, KeySealSpec)
	if !ok || !strings.HasPrefix(spec, "$argon2id$") {
		t.Fatalf("spec=%q ok=%v", spec, ok)
	}

	again, err := NewSealedFromPassphrase(ctx, inner, pass, cheapKDF())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := LoadPair(ctx, again)
	if err != nil || got.Access != "acc" || got.Refresh != "ref" {
		t.Fatalf("LoadPair=%+v err=%v", got, err)
	}

	if _, err := NewSealedFromPassphrase(ctx, inner, "a wrong but long passphrase", cheapKDF()); !errors.Is(err, ErrSealed) {
		t.Fatalf("wrong passphrase err=%v want ErrSealed", err)
	}

	// Logout keeps the key material.
	if err := ClearPair(ctx, again); err != nil {
		t.Fatalf("ClearPair: %v", err)
	}
	if _, ok, _ := inner.Get(ctx, KeySealSpec); !ok {
		t.Fatalf("spec removed by ClearPair")
	}
}

func TestSealedFromPassphrase_Policy(t *testing.T) {
	t.Parallel()

	_, err := NewSealedFromPassphrase(context.Background(), NewMemoryStore(), "short", cheapKDF())
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err=%v want ErrConfig", err)
	}
}
