package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	dbConnectAttempts = 5
	dbConnectTimeout  = 10 * time.Second
)

// NewDBPool connects to Postgres. Startup races with the database container
// are common, so the first ping is retried with a doubling pause before
// giving up.
func NewDBPool(ctx context.Context, cfg *Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pause := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		pool, err := connect(ctx, poolCfg)
		if err == nil {
			return pool, nil
		}
		if attempt == dbConnectAttempts || ctx.Err() != nil {
			return nil, err
		}
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", pause).Msg("db: not reachable yet")
		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-time.After(pause):
		}
		pause *= 2
	}
}

func poolConfig(cfg *Config) (*pgxpool.Config, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	maxConns := cfg.DBMaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = "mediajobs"
	}
	return poolCfg, nil
}

func connect(ctx context.Context, poolCfg *pgxpool.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
