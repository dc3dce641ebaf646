// Package db opens the PostgreSQL pool for the taxi registry.
package db

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiva/taxiavail/config"
)

const (
	// ApplicationName tags registry sessions in pg_stat_activity.
	ApplicationName = "taxiavail"

	// snapshotStatementTimeout bounds one registry query. A reconciliation
	// snapshot is a single scan of the taxi tables.
	snapshotStatementTimeout = 30 * time.Second
)

// NewPostgresPool opens a read-only pool on the registry database and
// checks that it answers.
func NewPostgresPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping %s/%s failed: %w", addr, cfg.DBName, err)
	}
	return pool, nil
}

// poolConfig derives the pool settings. The registry belongs to another
// service and is only read here (reconciliation snapshots and operator
// labels), so every session starts read-only and the pool stays small.
func poolConfig(cfg config.PostgresConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.MaxConnLifetime = 1 * time.Hour
	poolCfg.MaxConnIdleTime = 15 * time.Minute
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second

	params := poolCfg.ConnConfig.RuntimeParams
	params["default_transaction_read_only"] = "on"
	params["application_name"] = ApplicationName
	params["statement_timeout"] = strconv.FormatInt(snapshotStatementTimeout.Milliseconds(), 10)
	return poolCfg, nil
}

// HealthCheck pings the PostgreSQL pool and returns nil if healthy.
func HealthCheck(ctx context.Context, pool *pgxpool.Pool) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return pool.Ping(pingCtx)
}
