package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"chatsession/cmd/internal/auth/tokenstore"
	"chatsession/cmd/internal/telemetry"
	"chatsession/cmd/security/token"
)

// User-facing notification texts.
const (
	MsgLoginOK        = "User logged in!"
	MsgLoginFailed    = "Error logging in!"
	MsgRegisterOK     = "User created successfully!"
	MsgRegisterFailed = "Error creating user!"
)

const refreshKey = "refresh"

// Deps are the collaborators injected into a Manager.
type Deps struct {
	Store      tokenstore.Store
	HTTPClient *http.Client
	Log        *slog.Logger
	Now        func() time.Time
	Metrics    *telemetry.Metrics
	Notifier   Notifier
	Navigator  Navigator
}

// Manager owns the token pair, the validity state and the identity.
//
// Every login and every effective logout advances the session epoch. Work
// that started under an older epoch never commits its result.
type Manager struct {
	cfg      Config
	store    tokenstore.Store
	client   *AuthClient
	log      *slog.Logger
	now      func() time.Time
	metrics  *telemetry.Metrics
	notifier Notifier
	nav      Navigator
	tracer   trace.Tracer

	flight singleflight.Group

	mu       sync.Mutex
	state    State
	epoch    uint64
	identity *User

	hooksMu   sync.Mutex
	resets    []resetHook
	observers []func(StateChange)
}

// NewManager validates cfg and builds a Manager. The initial state is
// Unauthenticated even when the store already holds a pair; use Restore or
// EnsureValid to adopt it.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: token store is required", ErrConfig)
	}
	client, err := NewAuthClient(cfg.ServerURL, deps.HTTPClient)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		store:    deps.Store,
		client:   client,
		log:      deps.Log,
		now:      deps.Now,
		metrics:  deps.Metrics,
		notifier: deps.Notifier,
		nav:      deps.Navigator,
		tracer:   telemetry.Tracer(),
	}
	if m.log == nil {
		m.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.notifier == nil {
		m.notifier = nopNotifier{}
	}
	if m.nav == nil {
		m.nav = nopNavigator{}
	}
	return m, nil
}

// Client exposes the auth endpoint client.
func (m *Manager) Client() *AuthClient { return m.client }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Epoch returns the current session epoch.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Identity returns a copy of the mirrored user, or nil.
func (m *Manager) Identity() *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil
	}
	u := *m.identity
	return &u
}

// AccessToken returns the stored access token without checking it.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	pair, err := tokenstore.LoadPair(ctx, m.store)
	if err != nil {
		return "", err
	}
	if !pair.HasAccess() {
		return "", ErrNoSession
	}
	return pair.Access, nil
}

// Login exchanges credentials for a token pair.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	return m.authenticate(ctx, "login", username, password, m.client.Login, MsgLoginOK, MsgLoginFailed)
}

// Register creates an account and starts a session for it.
func (m *Manager) Register(ctx context.Context, username, password string) error {
	return m.authenticate(ctx, "register", username, password, m.client.Register, MsgRegisterOK, MsgRegisterFailed)
}

type credentialsFunc func(ctx context.Context, username, password string) (Credentials, error)

func (m *Manager) authenticate(ctx context.Context, op, username, password string, call credentialsFunc, okMsg, failMsg string) error {
	ctx, span := m.tracer.Start(ctx, "session."+op)
	defer span.End()

	// A new attempt supersedes whatever session was held before. State
	// derived from that session is reset, but the route is left alone.
	m.mu.Lock()
	changes, active := m.clearLocked(context.WithoutCancel(ctx), op)
	if !active {
		m.epoch++
	}
	epoch := m.epoch
	m.mu.Unlock()
	m.emit(changes...)
	if active {
		m.log.Info("session.superseded", "op", op)
		m.runResets(context.WithoutCancel(ctx))
	}

	creds, err := call(ctx, username, password)
	if err != nil {
		return m.authFailed(span, op, err, failMsg)
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.log.Info("session.stale", "op", op)
		return &AuthError{Op: op, Kind: ErrStaleResponse}
	}
	if err := tokenstore.SavePair(context.WithoutCancel(ctx), m.store, creds.Tokens); err != nil {
		m.mu.Unlock()
		return m.authFailed(span, op, fmt.Errorf("store tokens: %w", err), failMsg)
	}
	if creds.User != nil {
		u := *creds.User
		m.identity = &u
	}
	change, changed := m.setStateLocked(StateValid, op)
	m.mu.Unlock()
	if changed {
		m.emit(change)
	}

	m.log.Info("session."+op+".ok", "fp", token.Fingerprint(creds.Tokens.Access))
	m.notifier.Success(okMsg)
	if !m.cfg.stays(m.nav.CurrentRoute()) {
		m.nav.Navigate(m.cfg.HomeRoute)
	}
	return nil
}

func (m *Manager) authFailed(span trace.Span, op string, err error, fallback string) error {
	msg := UserMessage(err, fallback)
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	m.log.Warn("session."+op+".fail", "err", err)
	m.notifier.Error(msg)

	var ae *AuthError
	if errors.As(err, &ae) {
		out := *ae
		out.UserMessage = msg
		return &out
	}
	return &AuthError{Op: op, Kind: err, UserMessage: msg}
}

// EnsureValid is the gating primitive: it reports whether a usable access
// token is stored, refreshing it first when it has expired.
//
// A missing token ends the session. A token whose expiry cannot be decoded is
// treated as expired. Concurrent callers share one refresh exchange.
func (m *Manager) EnsureValid(ctx context.Context) bool {
	ctx, span := m.tracer.Start(ctx, "session.ensure_valid")
	defer span.End()

	pair, err := tokenstore.LoadPair(ctx, m.store)
	if err != nil {
		m.log.Error("session.store.fail", "err", err)
		m.terminate(ctx, "store_error")
		return false
	}
	if !pair.HasAccess() {
		m.terminate(ctx, "no_access_token")
		return false
	}

	exp, err := token.DecodeExpiry(pair.Access)
	if err != nil {
		m.log.Debug("session.token.undecodable", "fp", token.Fingerprint(pair.Access), "err", err)
	} else if !token.Expired(exp, m.now()) {
		m.markValid("token_valid")
		return true
	}

	span.SetAttributes(attribute.Bool("session.refresh", true))
	return m.refresh(ctx)
}

func (m *Manager) refresh(ctx context.Context) bool {
	ch := m.flight.DoChan(refreshKey, func() (any, error) {
		// The exchange is shared, so it must not die with the first caller.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefreshTimeout)
		defer cancel()
		return nil, m.runRefresh(fctx)
	})

	select {
	case <-ctx.Done():
		return false
	case res := <-ch:
		return res.Err == nil
	}
}

func (m *Manager) runRefresh(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "session.refresh")
	defer span.End()

	epoch := m.Epoch()
	pair, err := tokenstore.LoadPair(ctx, m.store)
	if err != nil {
		return err
	}
	if !pair.HasAccess() {
		return ErrNoSession
	}
	// A flight that finished just before this one may already have stored
	// a fresh token.
	if exp, err := token.DecodeExpiry(pair.Access); err == nil && !token.Expired(exp, m.now()) {
		m.markValid("token_valid")
		return nil
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return ErrStaleResponse
	}
	change, changed := m.setStateLocked(StateRefreshing, "access_expired")
	m.mu.Unlock()
	if changed {
		m.emit(change)
	}

	m.log.Info("session.refresh.start", "fp", token.Fingerprint(pair.Access))
	next, err := m.client.Refresh(ctx, pair.Refresh)
	if err != nil {
		m.metrics.Refresh(outcome(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		m.log.Warn("session.refresh.fail", "err", err)
		m.fail(ctx, epoch, "refresh_failed")
		return err
	}

	if err := m.commit(ctx, epoch, next, "refreshed"); err != nil {
		m.metrics.Refresh("stale")
		return err
	}
	m.metrics.Refresh("ok")
	m.log.Info("session.refresh.ok", "fp", token.Fingerprint(next.Access))
	return nil
}

// commit stores pair and moves to Valid, unless the epoch moved on.
func (m *Manager) commit(ctx context.Context, epoch uint64, pair tokenstore.TokenPair, reason string) error {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.log.Info("session.stale", "reason", reason)
		return ErrStaleResponse
	}
	if err := tokenstore.SavePair(ctx, m.store, pair); err != nil {
		m.mu.Unlock()
		m.log.Error("session.store.fail", "err", err)
		m.fail(ctx, epoch, "store_error")
		return err
	}
	change, changed := m.setStateLocked(StateValid, reason)
	m.mu.Unlock()
	if changed {
		m.emit(change)
	}
	return nil
}

// Restore adopts a pair persisted by an earlier process by asking the server
// to check it and refresh it if needed. A network failure keeps the stored
// pair and the current state.
func (m *Manager) Restore(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "session.restore")
	defer span.End()

	epoch := m.Epoch()
	pair, err := tokenstore.LoadPair(ctx, m.store)
	if err != nil {
		return err
	}
	if !pair.HasAccess() {
		return ErrNoSession
	}

	next, err := m.client.CheckAndRefresh(ctx, pair)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrNetworkFailure) {
			m.log.Warn("session.restore.unreachable", "err", err)
			return err
		}
		m.log.Warn("session.restore.rejected", "err", err)
		m.fail(ctx, epoch, "restore_rejected")
		return err
	}
	return m.commit(ctx, epoch, next, "restored")
}

// CurrentUser fetches the identity behind the session. The result is only
// applied if no logout or new login happened meanwhile.
func (m *Manager) CurrentUser(ctx context.Context) (*User, error) {
	if !m.EnsureValid(ctx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoSession
	}

	epoch := m.Epoch()
	access, err := m.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	u, err := m.client.Me(ctx, access)
	if err != nil {
		if IsUnauthorized(err) {
			m.LogOutEpoch(ctx, epoch)
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return nil, ErrStaleResponse
	}
	m.identity = &u
	out := u
	return &out, nil
}

// LogOut ends the session. Repeated calls have no further side effects.
func (m *Manager) LogOut(ctx context.Context) {
	m.terminate(ctx, "logout")
}

// LogOutEpoch ends the session only if it is still the one identified by epoch.
// It is used for server rejections of requests started under that epoch.
func (m *Manager) LogOutEpoch(ctx context.Context, epoch uint64) bool {
	ctx = context.WithoutCancel(ctx)
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return false
	}
	changes, active := m.clearLocked(ctx, "unauthorized")
	m.mu.Unlock()
	m.afterClear(ctx, changes, active, "unauthorized")
	return true
}

func (m *Manager) terminate(ctx context.Context, reason string) {
	ctx = context.WithoutCancel(ctx)
	m.mu.Lock()
	changes, active := m.clearLocked(ctx, reason)
	m.mu.Unlock()
	m.afterClear(ctx, changes, active, reason)
}

// fail is the terminal transition after a failed refresh or restore:
// Invalid, then the same cleanup as logout.
func (m *Manager) fail(ctx context.Context, epoch uint64, reason string) {
	ctx = context.WithoutCancel(ctx)
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	var changes []StateChange
	if c, ok := m.setStateLocked(StateInvalid, reason); ok {
		changes = append(changes, c)
	}
	more, _ := m.clearLocked(ctx, reason)
	m.mu.Unlock()
	m.afterClear(ctx, append(changes, more...), true, reason)
}

// clearLocked wipes tokens and identity. It reports whether a session was
// actually held; only then does the epoch advance and the state change.
func (m *Manager) clearLocked(ctx context.Context, reason string) ([]StateChange, bool) {
	active := m.state != StateUnauthenticated || m.identity != nil
	if pair, err := tokenstore.LoadPair(ctx, m.store); err == nil && !pair.Empty() {
		active = true
	}

	if err := tokenstore.ClearPair(ctx, m.store); err != nil {
		m.log.Error("session.clear.fail", "reason", reason, "err", err)
	}
	m.identity = nil
	if !active {
		return nil, false
	}

	m.epoch++
	var changes []StateChange
	if c, ok := m.setStateLocked(StateUnauthenticated, reason); ok {
		changes = append(changes, c)
	}
	return changes, true
}

func (m *Manager) afterClear(ctx context.Context, changes []StateChange, active bool, reason string) {
	if !active {
		return
	}
	m.log.Info("session.logout", "reason", reason)
	m.emit(changes...)
	m.runResets(ctx)
	m.nav.Navigate(m.cfg.LandingRoute)
}

func (m *Manager) markValid(reason string) {
	m.mu.Lock()
	if m.state != StateUnauthenticated {
		m.mu.Unlock()
		return
	}
	change, changed := m.setStateLocked(StateValid, reason)
	m.mu.Unlock()
	if changed {
		m.emit(change)
	}
}

func (m *Manager) setStateLocked(to State, reason string) (StateChange, bool) {
	if m.state == to {
		return StateChange{}, false
	}
	c := StateChange{From: m.state, To: to, Reason: reason}
	m.state = to
	m.metrics.State(to.String())
	m.log.Debug("session.state", "from", c.From.String(), "to", to.String(), "reason", reason)
	return c, true
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrNetworkFailure):
		return "network"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	default:
		return "rejected"
	}
}
