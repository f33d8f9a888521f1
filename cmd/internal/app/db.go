package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbAppName      = "chatctl"
	dbIdleTimeout  = time.Minute
	dbDialTimeout  = 5 * time.Second
	dbProbeTimeout = 3 * time.Second
)

// tokenPoolConfig derives the pgxpool settings for the postgres token store.
// The store only does single-row reads and upserts, so the pool stays small
// and idle connections are dropped quickly.
func tokenPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		// The parse error can echo the DSN, password included.
		return nil, fmt.Errorf("%w: database url is not a valid postgres dsn", ErrConfig)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	pcfg.MaxConnIdleTime = dbIdleTimeout
	pcfg.ConnConfig.ConnectTimeout = dbDialTimeout
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = dbAppName
	}
	return pcfg, nil
}

// NewDBPool opens the pool behind the postgres token store and fails fast
// when the server cannot be reached. The token table is created by the store.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := tokenPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open token pool: %w", err)
	}
	if err := PingDB(ctx, pool, dbProbeTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("reach token database: %w", err)
	}
	return pool, nil
}

// PingDB round-trips to the server within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}
