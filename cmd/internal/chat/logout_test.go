package chat_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"chatsession/cmd/internal/auth/session"
	"chatsession/cmd/internal/auth/session/sessiontest"
	"chatsession/cmd/internal/auth/tokenstore"
	"chatsession/cmd/internal/chat"
	"chatsession/cmd/internal/gate"
)

func TestLogout_ResetsRegisteredStores(t *testing.T) {
	t.Parallel()
	now := func() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }
	be := sessiontest.NewBackend(t, now)
	be.Handle("GET /ai-models/", be.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		sessiontest.WriteJSON(w, http.StatusOK, []map[string]any{{"id": 1, "model": "llama3"}})
	}))
	be.Handle("GET /docker/containers/", be.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		sessiontest.WriteJSON(w, http.StatusOK, []map[string]any{{"name": "llama3-8b", "status": "running"}})
	}))

	cfg := session.DefaultConfig()
	cfg.ServerURL = be.URL()
	m, err := session.NewManager(cfg, session.Deps{Store: tokenstore.NewMemoryStore(), Now: now})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	g, err := gate.New(be.URL(), m, gate.Options{})
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}

	store := chat.NewStore(g, nil)
	containers := chat.NewContainers(g, nil)
	m.RegisterReset("chat", store.ResetState)
	m.RegisterReset("containers", containers.ResetState)

	ctx := context.Background()
	if err := m.Login(ctx, sessiontest.Username, sessiontest.Password); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := store.FetchAIModels(ctx); err != nil {
		t.Fatalf("FetchAIModels: %v", err)
	}
	if _, err := containers.ListContainers(ctx); err != nil {
		t.Fatalf("ListContainers: %v", err)
	}

	m.LogOut(ctx)

	if got := store.AIModels(); len(got) != 0 {
		t.Fatalf("AIModels() after logout=%+v", got)
	}
	if got := containers.List(); len(got) != 0 {
		t.Fatalf("List() after logout=%+v", got)
	}
}
