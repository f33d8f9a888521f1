// Package sessiontest provides an in-process auth backend for tests of the
// session manager and the packages built on it.
package sessiontest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"chatsession/cmd/internal/auth/tokenstore"
)

// Secret signs every token the backend issues.
var Secret = []byte("sessiontest-secret")

// Default credentials known to a new Backend.
const (
	Username = "alice"
	Password = "correct horse"
	UserID   = 1
)

// Backend is an httptest server implementing the auth endpoints.
//
// Extra routes (guarded API endpoints, the chat socket) can be added with
// Handle; RequireAuth applies the same 401 rule the real server uses.
type Backend struct {
	Server *httptest.Server

	mux *http.ServeMux
	now func() time.Time

	refreshCalls atomic.Int32
	checkCalls   atomic.Int32
	meCalls      atomic.Int32
	loginCalls   atomic.Int32

	mu            sync.Mutex
	users         map[string]string
	ids           map[string]int
	revoked       map[string]bool
	accessTTL     time.Duration
	refreshStatus int
	rotate        bool
	refreshHook   func()
	checkStatus   int
	meStatus      int
	abort         map[string]bool
}

// NewBackend starts a backend whose token clock is now. It is closed with the test.
func NewBackend(t testing.TB, now func() time.Time) *Backend {
	t.Helper()
	if now == nil {
		now = time.Now
	}
	b := &Backend{
		mux:           http.NewServeMux(),
		now:           now,
		users:         map[string]string{Username: Password},
		ids:           map[string]int{Username: UserID},
		revoked:       map[string]bool{},
		accessTTL:     5 * time.Minute,
		refreshStatus: http.StatusOK,
		checkStatus:   http.StatusOK,
		meStatus:      http.StatusOK,
		abort:         map[string]bool{},
	}
	b.mux.HandleFunc("POST /auth/login/", b.login)
	b.mux.HandleFunc("POST /auth/register/", b.register)
	b.mux.HandleFunc("POST /auth/token/refresh/", b.refresh)
	b.mux.HandleFunc("POST /auth/token/check-and-refresh/", b.checkAndRefresh)
	b.mux.HandleFunc("GET /auth/user/me/", b.RequireAuth(b.me))

	b.Server = httptest.NewServer(b.mux)
	t.Cleanup(b.Server.Close)
	return b
}

// URL is the backend base URL.
func (b *Backend) URL() string { return b.Server.URL }

// Handle registers an extra route on the backend mux.
func (b *Backend) Handle(pattern string, h http.HandlerFunc) { b.mux.HandleFunc(pattern, h) }

// Mint issues a signed token of type typ ("access" or "refresh") expiring at exp.
func (b *Backend) Mint(typ string, userID int, exp time.Time) string {
	claims := jwt.MapClaims{
		"token_type": typ,
		"exp":        exp.Unix(),
		"iat":        b.now().Unix(),
		"jti":        ulid.Make().String(),
		"user_id":    userID,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(Secret)
	if err != nil {
		panic(err)
	}
	return s
}

// Pair issues a pair whose access token expires at accessExp.
func (b *Backend) Pair(accessExp time.Time) tokenstore.TokenPair {
	return tokenstore.TokenPair{
		Access:  b.Mint("access", UserID, accessExp),
		Refresh: b.Mint("refresh", UserID, b.now().Add(24*time.Hour)),
	}
}

// Revoke makes the server reject tok with 401 from now on.
func (b *Backend) Revoke(tok string) {
	b.mu.Lock()
	b.revoked[tok] = true
	b.mu.Unlock()
}

// SetRefresh sets the refresh endpoint status and whether it rotates the refresh token.
func (b *Backend) SetRefresh(status int, rotate bool) {
	b.mu.Lock()
	b.refreshStatus, b.rotate = status, rotate
	b.mu.Unlock()
}

// SetRefreshHook installs fn, run inside the refresh handler before it replies.
func (b *Backend) SetRefreshHook(fn func()) {
	b.mu.Lock()
	b.refreshHook = fn
	b.mu.Unlock()
}

// SetCheckStatus sets the check-and-refresh endpoint status.
func (b *Backend) SetCheckStatus(status int) {
	b.mu.Lock()
	b.checkStatus = status
	b.mu.Unlock()
}

// SetMeStatus sets the status of the identity endpoint for authorized callers.
func (b *Backend) SetMeStatus(status int) {
	b.mu.Lock()
	b.meStatus = status
	b.mu.Unlock()
}

// Abort makes the handler for path drop the connection without a response.
func (b *Backend) Abort(path string) {
	b.mu.Lock()
	b.abort[path] = true
	b.mu.Unlock()
}

func (b *Backend) RefreshCalls() int { return int(b.refreshCalls.Load()) }
func (b *Backend) CheckCalls() int   { return int(b.checkCalls.Load()) }
func (b *Backend) MeCalls() int      { return int(b.meCalls.Load()) }
func (b *Backend) LoginCalls() int   { return int(b.loginCalls.Load()) }

// RequireAuth rejects requests without a valid, unrevoked bearer access token.
func (b *Backend) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !b.Valid(tok) {
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Given token not valid for any token type"})
			return
		}
		next(w, r)
	}
}

// Valid reports whether tok is an unrevoked, unexpired access token signed by the backend.
func (b *Backend) Valid(tok string) bool {
	b.mu.Lock()
	revoked := b.revoked[tok]
	b.mu.Unlock()
	if revoked {
		return false
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) { return Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(b.now),
	)
	return err == nil && claims["token_type"] == "access"
}

func (b *Backend) maybeAbort(r *http.Request) {
	b.mu.Lock()
	ab := b.abort[r.URL.Path]
	b.mu.Unlock()
	if ab {
		panic(http.ErrAbortHandler)
	}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (b *Backend) issue(username string) map[string]any {
	b.mu.Lock()
	id := b.ids[username]
	ttl := b.accessTTL
	b.mu.Unlock()
	return map[string]any{
		"user": map[string]any{"id": id, "username": username},
		"token": map[string]any{
			"access":  b.Mint("access", id, b.now().Add(ttl)),
			"refresh": b.Mint("refresh", id, b.now().Add(24*time.Hour)),
		},
	}
}

func (b *Backend) login(w http.ResponseWriter, r *http.Request) {
	b.loginCalls.Add(1)
	b.maybeAbort(r)
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"detail": "malformed body"})
		return
	}
	b.mu.Lock()
	pw, ok := b.users[in.Username]
	b.mu.Unlock()
	if !ok || pw != in.Password {
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"detail": "No active account found with the given credentials"})
		return
	}
	WriteJSON(w, http.StatusOK, b.issue(in.Username))
}

func (b *Backend) register(w http.ResponseWriter, r *http.Request) {
	b.maybeAbort(r)
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"detail": "malformed body"})
		return
	}
	b.mu.Lock()
	if _, exists := b.users[in.Username]; exists {
		b.mu.Unlock()
		WriteJSON(w, http.StatusBadRequest, map[string]any{"username": []string{"A user with that username already exists."}})
		return
	}
	b.users[in.Username] = in.Password
	b.ids[in.Username] = len(b.ids) + 1
	b.mu.Unlock()
	WriteJSON(w, http.StatusCreated, b.issue(in.Username))
}

func (b *Backend) refresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)
	b.mu.Lock()
	status, rotate, hook, ttl := b.refreshStatus, b.rotate, b.refreshHook, b.accessTTL
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	b.maybeAbort(r)

	var in struct {
		Refresh string `json:"refresh"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	if status != http.StatusOK || in.Refresh == "" {
		if status == http.StatusOK {
			status = http.StatusBadRequest
		}
		WriteJSON(w, status, map[string]any{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}

	out := map[string]any{"access": b.Mint("access", UserID, b.now().Add(ttl))}
	if rotate {
		out["refresh"] = b.Mint("refresh", UserID, b.now().Add(24*time.Hour))
	}
	WriteJSON(w, http.StatusOK, out)
}

func (b *Backend) checkAndRefresh(w http.ResponseWriter, r *http.Request) {
	b.checkCalls.Add(1)
	b.maybeAbort(r)
	b.mu.Lock()
	status, ttl := b.checkStatus, b.accessTTL
	b.mu.Unlock()
	if status != http.StatusOK {
		WriteJSON(w, status, map[string]any{"error": "Both tokens are invalid"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"token": map[string]any{
		"access":  b.Mint("access", UserID, b.now().Add(ttl)),
		"refresh": b.Mint("refresh", UserID, b.now().Add(24*time.Hour)),
	}})
}

func (b *Backend) me(w http.ResponseWriter, r *http.Request) {
	b.meCalls.Add(1)
	b.mu.Lock()
	status := b.meStatus
	b.mu.Unlock()
	if status != http.StatusOK {
		WriteJSON(w, status, map[string]any{"detail": "unavailable"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"id": UserID, "username": Username, "email": ""})
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
