package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"chatsession/cmd/internal/auth/session"
	"chatsession/cmd/internal/auth/session/sessiontest"
	"chatsession/cmd/internal/auth/tokenstore"
)

func discardLogger() Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(be *sessiontest.Backend) Config {
	cfg := DefaultConfig()
	cfg.ServerURL = be.URL()
	cfg.TokenStore = StoreMemory
	return cfg
}

func serveModels(be *sessiontest.Backend) {
	be.Handle("GET /ai-models/", be.RequireAuth(func(w http.ResponseWriter, _ *http.Request) {
		sessiontest.WriteJSON(w, http.StatusOK, []map[string]any{
			{"id": 1, "name": "Llama 3", "model": "llama3", "versions": []map[string]any{{"parameters": "8b", "size": "4.7GB"}}},
		})
	}))
}

func newTestApp(t *testing.T, cfg Config) (*App, *bytes.Buffer) {
	t.Helper()
	var notices bytes.Buffer
	a, err := New(t.Context(), cfg, discardLogger(), &notices)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, &notices
}

func TestApp_LoginThenLogoutResetsCollaborators(t *testing.T) {
	t.Parallel()

	be := sessiontest.NewBackend(t, nil)
	serveModels(be)
	a, notices := newTestApp(t, testConfig(be))
	ctx := t.Context()

	if err := a.Session.Login(ctx, sessiontest.Username, sessiontest.Password); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !strings.Contains(notices.String(), session.MsgLoginOK) {
		t.Fatalf("notices=%q want %q", notices.String(), session.MsgLoginOK)
	}
	if got := a.Nav.CurrentRoute(); got != "/chat" {
		t.Fatalf("route=%q want=/chat", got)
	}

	if _, err := a.Chats.FetchAIModels(ctx); err != nil {
		t.Fatalf("FetchAIModels: %v", err)
	}
	if got := len(a.Chats.AIModels()); got != 1 {
		t.Fatalf("models=%d want=1", got)
	}

	a.Session.LogOut(ctx)

	if got := a.Session.State(); got != session.StateUnauthenticated {
		t.Fatalf("state=%v want=%v", got, session.StateUnauthenticated)
	}
	if got := len(a.Chats.AIModels()); got != 0 {
		t.Fatalf("models after logout=%d want=0", got)
	}
	if got := a.Nav.CurrentRoute(); got != "/" {
		t.Fatalf("route after logout=%q want=/", got)
	}
	if trail := a.Nav.Trail(); len(trail) != 2 {
		t.Fatalf("trail=%v want [/chat /]", trail)
	}
}

func TestApp_StayOnModelsRoute(t *testing.T) {
	t.Parallel()

	be := sessiontest.NewBackend(t, nil)
	a, _ := newTestApp(t, testConfig(be))

	a.Nav.Navigate("/models")
	if err := a.Session.Login(t.Context(), sessiontest.Username, sessiontest.Password); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := a.Nav.CurrentRoute(); got != "/models" {
		t.Fatalf("route=%q want=/models", got)
	}
}

func TestApp_MetricsHandler(t *testing.T) {
	t.Parallel()

	be := sessiontest.NewBackend(t, nil)
	serveModels(be)
	a, _ := newTestApp(t, testConfig(be))
	ctx := t.Context()

	if err := a.Session.Login(ctx, sessiontest.Username, sessiontest.Password); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := a.Chats.FetchAIModels(ctx); err != nil {
		t.Fatalf("FetchAIModels: %v", err)
	}

	h := a.metricsHandler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want=200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`chatsession_gate_requests_total{method="GET",outcome="ok"} 1`,
		`chatsession_session_state_transitions_total{to="valid"}`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if got := strings.TrimSpace(rr.Body.String()); got != "valid" {
		t.Fatalf("healthz=%q want=valid", got)
	}
}

func TestApp_ServeMetricsDisabled(t *testing.T) {
	t.Parallel()

	be := sessiontest.NewBackend(t, nil)
	a, _ := newTestApp(t, testConfig(be))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := a.ServeMetrics(ctx); err != nil {
		t.Fatalf("ServeMetrics without addr=%v want=nil", err)
	}
}

func TestApp_SealedSQLiteSurvivesRestart(t *testing.T) {
	t.Parallel()

	be := sessiontest.NewBackend(t, nil)
	cfg := testConfig(be)
	cfg.TokenStore = StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "nested", "tokens.db")
	cfg.TokenSealKeyHex = strings.Repeat("0f", 32)
	ctx := t.Context()

	first, err := New(ctx, cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Session.Login(ctx, sessiontest.Username, sessiontest.Password); err != nil {
		t.Fatalf("Login: %v", err)
	}
	stored, err := tokenstore.LoadPair(ctx, first.store)
	if err != nil {
		t.Fatalf("LoadPair: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := tokenstore.OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	v, ok, err := raw.Get(ctx, tokenstore.KeyAccess)
	_ = raw.Close()
	if err != nil || !ok {
		t.Fatalf("raw Get ok=%v err=%v", ok, err)
	}
	if v == stored.Access {
		t.Fatalf("access token stored in clear")
	}

	second, _ := newTestApp(t, cfg)
	if !second.Session.EnsureValid(ctx) {
		t.Fatalf("EnsureValid after restart=false want=true")
	}
	if got := second.Session.State(); got != session.StateValid {
		t.Fatalf("state=%v want=%v", got, session.StateValid)
	}
}

func TestApp_PassphraseSealedStore(t *testing.T) {
	t.Setenv("CHAT_KDF_MEMORY_KIB", "64")
	t.Setenv("CHAT_KDF_ITERATIONS", "1")
	t.Setenv("CHAT_KDF_PARALLELISM", "1")

	be := sessiontest.NewBackend(t, nil)
	cfg := testConfig(be)
	cfg.TokenStore = StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "tokens.db")
	cfg.TokenSealPassphrase = "tea kettle on the stove"
	ctx := t.Context()

	first, err := New(ctx, cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Session.Login(ctx, sessiontest.Username, sessiontest.Password); err != nil {
		t.Fatalf("Login: %v", err)
	}
	_ = first.Close()

	cfg.TokenSealPassphrase = "a wrong but long passphrase"
	if _, err := New(ctx, cfg, discardLogger(), nil); !errors.Is(err, tokenstore.ErrSealed) {
		t.Fatalf("wrong passphrase err=%v want ErrSealed", err)
	}

	cfg.TokenSealPassphrase = "tea kettle on the stove"
	second, _ := newTestApp(t, cfg)
	if !second.Session.EnsureValid(ctx) {
		t.Fatalf("EnsureValid after reopen=false want=true")
	}
}

func TestNew_RejectsBadStore(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TokenStore = "etcd"
	_, err := New(t.Context(), cfg, discardLogger(), nil)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err=%v want ErrConfig", err)
	}
}

func TestNew_BadSealKey(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TokenStore = StoreMemory
	cfg.TokenSealKeyHex = strings.Repeat("zz", 32)
	_, err := New(t.Context(), cfg, discardLogger(), nil)
	if err == nil {
		t.Fatalf("New with non-hex seal key succeeded")
	}
}
