// Package app wires the chatctl runtime: config, logging, the token store,
// the session manager and everything that hangs off it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsession/cmd/internal/auth/session"
	"chatsession/cmd/internal/auth/tokenstore"
	"chatsession/cmd/internal/chat"
	"chatsession/cmd/internal/gate"
	"chatsession/cmd/internal/realtime"
	"chatsession/cmd/internal/telemetry"
	"chatsession/cmd/security/passphrase"
)

// App owns one session and the components gated by it.
type App struct {
	cfg Config
	log Logger

	store tokenstore.Store
	pool  *pgxpool.Pool

	registry *prometheus.Registry
	metrics  *telemetry.Metrics

	Session    *session.Manager
	Gate       *gate.Gate
	Realtime   *realtime.Manager
	Chats      *chat.Store
	Containers *chat.Containers
	Nav        *Navigator
}

// New constructs a fully wired App. Notifier messages go to out.
func New(ctx context.Context, cfg Config, log Logger, out io.Writer) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if out == nil {
		out = io.Discard
	}

	store, pool, err := newTokenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	hc := &http.Client{Timeout: cfg.HTTPTimeout}
	nav := NewNavigator(log)

	scfg := session.DefaultConfig()
	scfg.ServerURL = cfg.ServerURL
	scfg.RefreshTimeout = cfg.RefreshTimeout

	sess, err := session.NewManager(scfg, session.Deps{
		Store:      store,
		HTTPClient: hc,
		Log:        log,
		Metrics:    metrics,
		Notifier:   &consoleNotifier{w: out},
		Navigator:  nav,
	})
	if err != nil {
		closeStore(store, pool)
		return nil, err
	}

	g, err := gate.New(cfg.ServerURL, sess, gate.Options{HTTPClient: hc, Log: log, Metrics: metrics})
	if err != nil {
		closeStore(store, pool)
		return nil, err
	}

	rcfg := realtime.Config{
		ServerURL:         cfg.ServerURL,
		DialTimeout:       cfg.HTTPTimeout,
		WriteTimeout:      cfg.WSWriteTimeout,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		HeartbeatTimeout:  cfg.WSHeartbeatTimeout,
		RateEvents:        cfg.WSRateEvents,
		RateWindow:        cfg.WSRateWindow,
		MaxFrameBytes:     cfg.WSMaxFrameBytes,
	}
	rt, err := realtime.NewManager(rcfg, sess, log, metrics)
	if err != nil {
		closeStore(store, pool)
		return nil, err
	}

	chats := chat.NewStore(g, log)
	containers := chat.NewContainers(g, log)

	sess.RegisterReset("realtime", rt.Reset)
	sess.RegisterReset("chat", chats.ResetState)
	sess.RegisterReset("containers", containers.ResetState)
	sess.OnStateChange(func(ch session.StateChange) {
		log.Debug("app.session.state", "from", ch.From.String(), "to", ch.To.String(), "reason", ch.Reason)
	})

	return &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		pool:       pool,
		registry:   reg,
		metrics:    metrics,
		Session:    sess,
		Gate:       g,
		Realtime:   rt,
		Chats:      chats,
		Containers: containers,
		Nav:        nav,
	}, nil
}

// Close shuts channels and releases the token store.
func (a *App) Close() error {
	a.Realtime.CloseAll()
	return closeStore(a.store, a.pool)
}

// ServeMetrics serves /metrics on cfg.MetricsAddr until ctx is done.
// It returns nil at once when no address is configured.
func (a *App) ServeMetrics(ctx context.Context) error {
	if a.cfg.MetricsAddr == "" {
		return nil
	}

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           a.metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.log.Info("metrics.start", "addr", a.cfg.MetricsAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("metrics.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("metrics.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("metrics.shutdown.fail", "err", err)
		return err
	}
	return nil
}

func (a *App) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, a.Session.State().String()+"\n")
	})
	return WithRequestLogging(mux, a.log)
}

// newTokenStore opens the configured backend, sealed when a key is set.
// The returned pool is non-nil only for the postgres backend.
func newTokenStore(ctx context.Context, cfg Config, log Logger) (tokenstore.Store, *pgxpool.Pool, error) {
	var (
		store tokenstore.Store
		pool  *pgxpool.Pool
	)

	switch cfg.TokenStore {
	case StoreMemory:
		store = tokenstore.NewMemoryStore()
	case StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create token dir: %w", err)
		}
		s, err := tokenstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store = s
	case StorePostgres:
		p, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		s, err := tokenstore.NewPostgresStore(p, cfg.StoreOwner)
		if err != nil {
			p.Close()
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, nil, err
		}
		store, pool = s, p
	case StoreRedis:
		s, err := tokenstore.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		store = s
	default:
		return nil, nil, fmt.Errorf("%w: unknown token store %q", ErrConfig, cfg.TokenStore)
	}

	sealed := "none"
	switch {
	case cfg.TokenSealKeyHex != "":
		s, err := tokenstore.NewSealedFromHex(store, cfg.TokenSealKeyHex)
		if err != nil {
			closeStore(store, pool)
			return nil, nil, err
		}
		store, sealed = s, "key"
	case cfg.TokenSealPassphrase != "":
		kdf, err := passphrase.FromEnv()
		if err != nil {
			closeStore(store, pool)
			return nil, nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		s, err := tokenstore.NewSealedFromPassphrase(ctx, store, cfg.TokenSealPassphrase, kdf)
		if err != nil {
			closeStore(store, pool)
			return nil, nil, err
		}
		store, sealed = s, "passphrase"
	}

	log.Info("tokenstore.open", "backend", cfg.TokenStore, "sealed", sealed)
	return store, pool, nil
}

// closeStore closes the store before the pool it may be using.
func closeStore(store tokenstore.Store, pool *pgxpool.Pool) error {
	var err error
	if store != nil {
		err = store.Close()
	}
	if pool != nil {
		pool.Close()
	}
	return err
}

// consoleNotifier prints session notices for a terminal user.
type consoleNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func (n *consoleNotifier) Success(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.w, msg)
}

func (n *consoleNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.w, "error: "+msg)
}

// Navigator tracks the current route of the CLI. Commands set it before
// acting so that route-dependent navigation after login behaves as in the
// browser client.
type Navigator struct {
	log Logger

	mu    sync.Mutex
	route string
	trail []string
}

// NewNavigator starts at the landing route.
func NewNavigator(log Logger) *Navigator {
	return &Navigator{log: log, route: "/"}
}

func (n *Navigator) CurrentRoute() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.route
}

func (n *Navigator) Navigate(route string) {
	n.mu.Lock()
	from := n.route
	n.route = route
	n.trail = append(n.trail, route)
	n.mu.Unlock()

	n.log.Debug("app.navigate", "from", from, "to", route)
}

// Trail returns every route navigated to, oldest first.
func (n *Navigator) Trail() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.trail...)
}
