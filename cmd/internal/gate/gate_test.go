package gate_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"chatsession/cmd/internal/auth/session"
	"chatsession/cmd/internal/auth/session/sessiontest"
	"chatsession/cmd/internal/auth/tokenstore"
	"chatsession/cmd/internal/gate"
	"chatsession/cmd/internal/telemetry"
)

var testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

type fixture struct {
	be      *sessiontest.Backend
	store   *tokenstore.MemoryStore
	m       *session.Manager
	g       *gate.Gate
	metrics *telemetry.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	be := sessiontest.NewBackend(t, clock)
	store := tokenstore.NewMemoryStore()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	cfg := session.DefaultConfig()
	cfg.ServerURL = be.URL()
	m, err := session.NewManager(cfg, session.Deps{Store: store, Now: clock, Metrics: metrics})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	g, err := gate.New(be.URL(), m, gate.Options{Metrics: metrics})
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	return &fixture{be: be, store: store, m: m, g: g, metrics: metrics}
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	if err := f.m.Login(context.Background(), sessiontest.Username, sessiontest.Password); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestDo_AttachesBearerAndRequestID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)

	ids := make(chan string, 1)
	f.be.Handle("GET /api/echo/", f.be.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		ids <- r.Header.Get("X-Request-ID")
		sessiontest.WriteJSON(w, http.StatusOK, map[string]any{"q": r.URL.Query().Get("q")})
	}))

	resp, err := f.g.Get(context.Background(), "api/echo/", map[string][]string{"q": {"hi"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var out struct {
		Q string `json:"q"`
	}
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !resp.OK() || out.Q != "hi" {
		t.Fatalf("resp status=%d body=%s", resp.Status, resp.Body)
	}
	if gotID := <-ids; !isULID(gotID) {
		t.Fatalf("X-Request-ID=%q not a ulid", gotID)
	}
	if got := testutil.ToFloat64(f.metrics.GateRequests.WithLabelValues("GET", "ok")); got != 1 {
		t.Fatalf("ok requests=%v want=1", got)
	}
}

func isULID(s string) bool {
	_, err := ulid.Parse(s)
	return err == nil
}

func TestDo_NoSessionIsNotAttempted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var hits atomic.Int32
	f.be.Handle("GET /api/things/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	resp, err := f.g.Get(context.Background(), "/api/things/", nil)
	if resp != nil || !errors.Is(err, gate.ErrNotAttempted) {
		t.Fatalf("Get()=(%v,%v) want=(nil,ErrNotAttempted)", resp, err)
	}
	if hits.Load() != 0 {
		t.Fatalf("server hit %d times", hits.Load())
	}
}

func TestDo_UnauthorizedLogsOutWithoutRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)

	var hits atomic.Int32
	f.be.Handle("GET /api/things/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		sessiontest.WriteJSON(w, http.StatusUnauthorized, map[string]any{"detail": "revoked"})
	})

	resp, err := f.g.Get(context.Background(), "/api/things/", nil)
	if resp != nil || !errors.Is(err, session.ErrAuthRejected) {
		t.Fatalf("Get()=(%v,%v) want=(nil,ErrAuthRejected)", resp, err)
	}
	if hits.Load() != 1 {
		t.Fatalf("server hits=%d want=1", hits.Load())
	}
	if got := f.m.State(); got != session.StateUnauthenticated {
		t.Fatalf("State()=%v want=%v", got, session.StateUnauthenticated)
	}

	if f.m.EnsureValid(context.Background()) {
		t.Fatalf("EnsureValid()=true after 401")
	}
	if f.be.RefreshCalls() != 0 {
		t.Fatalf("refresh calls=%d want=0", f.be.RefreshCalls())
	}
}

func TestDo_NetworkFailureKeepsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)
	f.be.Handle("GET /api/flaky/", func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})

	resp, err := f.g.Get(context.Background(), "/api/flaky/", nil)
	if resp != nil || !errors.Is(err, session.ErrNetworkFailure) {
		t.Fatalf("Get()=(%v,%v) want=(nil,ErrNetworkFailure)", resp, err)
	}
	if got := f.m.State(); got != session.StateValid {
		t.Fatalf("State()=%v want=%v", got, session.StateValid)
	}
}

func TestDo_RefreshesExpiredTokenBeforeSending(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := tokenstore.SavePair(context.Background(), f.store, f.be.Pair(testNow.Add(-10*time.Second))); err != nil {
		t.Fatalf("SavePair: %v", err)
	}
	f.be.Handle("GET /api/things/", f.be.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		sessiontest.WriteJSON(w, http.StatusOK, []string{})
	}))

	resp, err := f.g.Get(context.Background(), "/api/things/", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.Status != http.StatusOK || f.be.RefreshCalls() != 1 {
		t.Fatalf("status=%d refresh calls=%d", resp.Status, f.be.RefreshCalls())
	}
}

func TestDo_ErrorStatusIsReturnedAsResponse(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)
	f.be.Handle("POST /api/things/", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if r.Header.Get("Content-Type") != "application/json" || in["name"] != "x" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		sessiontest.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "nope"})
	})

	resp, err := f.g.Post(context.Background(), "/api/things/", map[string]string{"name": "x"})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.Status != http.StatusBadRequest || resp.OK() {
		t.Fatalf("status=%d want=400", resp.Status)
	}
	if got := f.m.State(); got != session.StateValid {
		t.Fatalf("State()=%v want=%v", got, session.StateValid)
	}
}

func TestDo_DiscardsResponseAfterLogout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.be.Handle("GET /api/slow/", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		sessiontest.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	type result struct {
		resp *gate.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := f.g.Get(context.Background(), "/api/slow/", nil)
		done <- result{resp, err}
	}()

	<-entered
	f.m.LogOut(context.Background())
	close(release)

	res := <-done
	if res.resp != nil || !errors.Is(res.err, session.ErrStaleResponse) {
		t.Fatalf("Get()=(%v,%v) want=(nil,ErrStaleResponse)", res.resp, res.err)
	}
}

func TestDo_StaleRefreshKeepsNewerLogin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := tokenstore.SavePair(context.Background(), f.store, f.be.Pair(testNow.Add(-10*time.Second))); err != nil {
		t.Fatalf("SavePair: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	f.be.SetRefreshHook(func() {
		close(entered)
		<-release
	})
	var hits atomic.Int32
	f.be.Handle("GET /api/things/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.g.Get(context.Background(), "/api/things/", nil)
		done <- err
	}()

	<-entered
	f.login(t)
	close(release)

	if err := <-done; err == nil {
		t.Fatalf("Get() err=nil want a discarded call")
	}
	if hits.Load() != 0 {
		t.Fatalf("server hit %d times", hits.Load())
	}
	if got := f.m.State(); got != session.StateValid {
		t.Fatalf("State()=%v want=%v", got, session.StateValid)
	}
	if _, err := f.m.AccessToken(context.Background()); err != nil {
		t.Fatalf("AccessToken after newer login: %v", err)
	}
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()

	if _, err := gate.New("http://localhost", nil, gate.Options{}); !errors.Is(err, session.ErrConfig) {
		t.Fatalf("nil session err=%v want ErrConfig", err)
	}
	f := newFixture(t)
	if _, err := gate.New("ftp://x", f.m, gate.Options{}); !errors.Is(err, session.ErrConfig) {
		t.Fatalf("bad scheme err=%v want ErrConfig", err)
	}
}
