// Package realtime manages the chat room sockets of a session.
//
// A Manager opens at most one Channel per room. Opening reads the access
// token as it is at that moment and never refreshes it. Channels are closed
// explicitly or all at once when the session ends (CloseAll is registered as
// a logout reset hook).
package realtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	v1 "chatsession/shared/contracts/chat/v1"

	"chatsession/cmd/internal/telemetry"
)

// TokenSource yields the stored access token without checking or refreshing it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Config controls dialing and per-channel limits.
type Config struct {
	// ServerURL is the backend base URL; http maps to ws and https to wss.
	ServerURL string

	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	MaxFrameBytes int64

	// HTTPClient is used for the opening handshake. Nil uses http.DefaultClient.
	HTTPClient *http.Client
}

// DefaultConfig returns the package defaults for a local backend.
func DefaultConfig() Config {
	return Config{
		ServerURL:         "http://localhost:8000",
		DialTimeout:       dialTimeout,
		WriteTimeout:      writeTimeout,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		MaxFrameBytes:     maxFrameBytes,
	}
}

// Manager owns the open channels, keyed by room.
type Manager struct {
	cfg     Config
	base    *url.URL
	tokens  TokenSource
	log     *slog.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewManager builds a Manager. log and metrics may be nil.
func NewManager(cfg Config, tokens TokenSource, log *slog.Logger, metrics *telemetry.Metrics) (*Manager, error) {
	if tokens == nil {
		return nil, fmt.Errorf("%w: token source is required", ErrConfig)
	}
	u, err := url.Parse(strings.TrimSpace(cfg.ServerURL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid server url %q", ErrConfig, cfg.ServerURL)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrConfig, u.Scheme)
	}

	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Manager{
		cfg:      cfg,
		base:     u,
		tokens:   tokens,
		log:      log,
		metrics:  metrics,
		channels: make(map[string]*Channel),
	}, nil
}

// Open starts a channel to roomID and returns it in the Connecting state.
//
// It returns nil, without dialing, when no access token is stored or roomID
// is empty. An existing channel for the same room is closed first.
func (m *Manager) Open(ctx context.Context, roomID string, h Handlers) *Channel {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		m.log.Warn("channel.open.no_room")
		return nil
	}
	access, err := m.tokens.AccessToken(ctx)
	if err != nil || strings.TrimSpace(access) == "" {
		m.log.Warn("channel.open.no_token", "room", roomID)
		return nil
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Channel{
		ID:       ulid.Make().String(),
		RoomID:   roomID,
		cfg:      m.cfg,
		log:      m.log,
		metrics:  m.metrics,
		handlers: h,
		limiter:  NewRateLimiter(m.cfg.RateEvents, m.cfg.RateWindow),
		redact:   access,
		ctx:      cctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		onFinish: m.forget,
	}

	m.mu.Lock()
	prev := m.channels[roomID]
	m.channels[roomID] = c
	m.mu.Unlock()

	go c.run(m.socketURL(roomID, access), prev)
	return c
}

// Get returns the live channel for roomID, or nil.
func (m *Manager) Get(roomID string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[roomID]
}

// Close closes the channel for roomID, if any.
func (m *Manager) Close(roomID string) {
	m.mu.Lock()
	c := m.channels[roomID]
	delete(m.channels, roomID)
	m.mu.Unlock()
	c.Close()
}

// CloseAll closes every channel. It does not wait for them; use each
// channel's Done for that. It may run from inside a channel handler.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Channel, 0, len(m.channels))
	for id, c := range m.channels {
		all = append(all, c)
		delete(m.channels, id)
	}
	m.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	if len(all) > 0 {
		m.log.Info("channel.close_all", "count", len(all))
	}
}

// Reset adapts CloseAll to the session reset hook signature.
func (m *Manager) Reset(context.Context) { m.CloseAll() }

func (m *Manager) forget(c *Channel) {
	m.mu.Lock()
	if m.channels[c.RoomID] == c {
		delete(m.channels, c.RoomID)
	}
	m.mu.Unlock()
}

func (m *Manager) socketURL(roomID, access string) string {
	u := url.URL{
		Scheme:   m.base.Scheme,
		Host:     m.base.Host,
		Path:     v1.PathPrefix + roomID + "/",
		RawQuery: url.Values{v1.TokenParam: {access}}.Encode(),
	}
	return u.String()
}
