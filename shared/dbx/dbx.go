// Package dbx opens the Postgres pool used by the sync services.
package dbx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pos-sync-platform/shared/config"
)

var ErrNoPool = errors.New("dbx: pool not configured")

// PoolConfig translates service config into pgxpool settings. Sessions run
// in UTC because cursors and skew checks compare timestamps across devices.
func PoolConfig(cfg config.Config) (*pgxpool.Config, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	pc.MaxConns = int32(cfg.DBMaxConns)
	pc.MinConns = int32(cfg.DBMinConns)
	pc.MaxConnIdleTime = time.Duration(cfg.DBConnMaxIdleSec) * time.Second
	pc.MaxConnLifetime = time.Duration(cfg.DBConnMaxLifeSec) * time.Second
	pc.ConnConfig.RuntimeParams["timezone"] = "UTC"
	if cfg.ServiceName != "" {
		pc.ConnConfig.RuntimeParams["application_name"] = cfg.ServiceName
	}
	return pc, nil
}

// NewPool connects and verifies the pool with one round trip.
func NewPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pc, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := Ping(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return ErrNoPool
	}
	return pool.Ping(ctx)
}

// Exec applies statements in order within a single transaction.
func Exec(ctx context.Context, pool *pgxpool.Pool, statements ...string) error {
	if pool == nil {
		return ErrNoPool
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("statement %d: %w", i+1, err)
			}
		}
		return nil
	})
}
