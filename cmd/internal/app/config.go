package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Token store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Log formats.
const (
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// Config contains all runtime configuration.
//
// Values are layered: DefaultConfig, then an optional YAML profile, then
// CHAT_* environment variables.
type Config struct {
	ServerURL string `yaml:"server_url" env:"CHAT_SERVER_URL"`

	LogLevel  string `yaml:"log_level"  env:"CHAT_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"CHAT_LOG_FORMAT"`

	TokenStore      string `yaml:"token_store"          env:"CHAT_TOKEN_STORE"`
	StoreOwner      string `yaml:"store_owner"          env:"CHAT_STORE_OWNER"`
	SQLitePath      string `yaml:"sqlite_path"          env:"CHAT_SQLITE_PATH"`
	DatabaseURL     string `yaml:"database_url"         env:"CHAT_DATABASE_URL"`
	DBMaxConns      int32  `yaml:"db_max_conns"         env:"CHAT_DB_MAX_CONNS"`
	DBMinConns      int32  `yaml:"db_min_conns"         env:"CHAT_DB_MIN_CONNS"`
	RedisAddr       string `yaml:"redis_addr"           env:"CHAT_REDIS_ADDR"`
	RedisPrefix     string `yaml:"redis_prefix"         env:"CHAT_REDIS_PREFIX"`
	TokenSealKeyHex string `yaml:"token_seal_key_hex"   env:"CHAT_TOKEN_SEAL_KEY_HEX"`

	// TokenSealPassphrase is read from the environment only.
	TokenSealPassphrase string `yaml:"-" env:"CHAT_TOKEN_SEAL_PASSPHRASE"`

	HTTPTimeout    time.Duration `yaml:"http_timeout"    env:"CHAT_HTTP_TIMEOUT"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout" env:"CHAT_REFRESH_TIMEOUT"`

	WSWriteTimeout      time.Duration `yaml:"ws_write_timeout"      env:"CHAT_WS_WRITE_TIMEOUT"`
	WSHeartbeatInterval time.Duration `yaml:"ws_heartbeat_interval" env:"CHAT_WS_HEARTBEAT_INTERVAL"`
	WSHeartbeatTimeout  time.Duration `yaml:"ws_heartbeat_timeout"  env:"CHAT_WS_HEARTBEAT_TIMEOUT"`
	WSRateEvents        int           `yaml:"ws_rate_events"        env:"CHAT_WS_RATE_EVENTS"`
	WSRateWindow        time.Duration `yaml:"ws_rate_window"        env:"CHAT_WS_RATE_WINDOW"`
	WSMaxFrameBytes     int64         `yaml:"ws_max_frame_bytes"    env:"CHAT_WS_MAX_FRAME_BYTES"`

	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string `yaml:"metrics_addr" env:"CHAT_METRICS_ADDR"`
}

// DefaultConfig returns the defaults for a local development backend.
func DefaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:8000",
		LogLevel:  "info",
		LogFormat: FormatJSON,

		TokenStore:  StoreSQLite,
		StoreOwner:  "default",
		SQLitePath:  defaultSQLitePath(),
		DBMaxConns:  4,
		DBMinConns:  0,
		RedisPrefix: "chatctl:",

		HTTPTimeout:    30 * time.Second,
		RefreshTimeout: 10 * time.Second,

		WSWriteTimeout:      5 * time.Second,
		WSHeartbeatInterval: 25 * time.Second,
		WSHeartbeatTimeout:  5 * time.Second,
		WSRateEvents:        30,
		WSRateWindow:        10 * time.Second,
		WSMaxFrameBytes:     1 << 20,
	}
}

func defaultSQLitePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(".chatctl", "tokens.db")
	}
	return filepath.Join(dir, "chatctl", "tokens.db")
}

// LoadConfig builds a Config from defaults, the YAML profile at path and the
// environment. An empty path falls back to CHAT_CONFIG_FILE; when both are
// empty no profile is read.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv("CHAT_CONFIG_FILE")
	}
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeProfile(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: env: %v", ErrConfig, err)
	}

	cfg.TokenStore = strings.ToLower(strings.TrimSpace(cfg.TokenStore))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeProfile overlays a YAML profile onto cfg. Unknown keys are rejected.
func decodeProfile(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks for missing values and invalid combinations.
func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.ServerURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: server url %q must be an absolute http(s) url", ErrConfig, c.ServerURL)
	}

	switch c.LogFormat {
	case FormatJSON, FormatPretty:
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrConfig, c.LogFormat)
	}

	switch c.TokenStore {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%w: CHAT_SQLITE_PATH is required for the sqlite store", ErrConfig)
		}
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("%w: CHAT_DATABASE_URL is required for the postgres store", ErrConfig)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("%w: db min conns %d exceeds max %d", ErrConfig, c.DBMinConns, c.DBMaxConns)
		}
	case StoreRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("%w: CHAT_REDIS_ADDR is required for the redis store", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown token store %q", ErrConfig, c.TokenStore)
	}

	if k := strings.TrimSpace(c.TokenSealKeyHex); k != "" && len(k) != 64 {
		return fmt.Errorf("%w: CHAT_TOKEN_SEAL_KEY_HEX must be 64 hex characters", ErrConfig)
	}
	if c.TokenSealKeyHex != "" && c.TokenSealPassphrase != "" {
		return fmt.Errorf("%w: set either a seal key or a seal passphrase, not both", ErrConfig)
	}

	durations := []struct {
		name string
		v    time.Duration
	}{
		{"http timeout", c.HTTPTimeout},
		{"refresh timeout", c.RefreshTimeout},
		{"ws write timeout", c.WSWriteTimeout},
		{"ws heartbeat timeout", c.WSHeartbeatTimeout},
		{"ws rate window", c.WSRateWindow},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrConfig, d.name)
		}
	}
	if c.WSHeartbeatInterval < 0 {
		return fmt.Errorf("%w: ws heartbeat interval must not be negative", ErrConfig)
	}
	if c.WSRateEvents <= 0 {
		return fmt.Errorf("%w: ws rate events must be positive", ErrConfig)
	}
	if c.WSMaxFrameBytes <= 0 {
		return fmt.Errorf("%w: ws max frame bytes must be positive", ErrConfig)
	}
	return nil
}
