// Package cache opens the Redis connection that backs the geo index and the
// availability set.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shiva/taxiavail/config"
)

// ClientName is sent with CLIENT SETNAME on every pooled connection.
const ClientName = "taxiavail"

// NewRedisClient opens the cache connection and checks that the server
// answers. The cache must be reachable before startup reconciliation runs.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(options(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s failed: %w", cfg.Addr(), err)
	}
	return client, nil
}

// options sizes the pool for short request-scoped round trips: a report is
// one MULTI/EXEC plus one ZADD or ZREM, a dispatch query one GEORADIUS plus
// one pipelined batch of ZSCOREs. Request deadlines bound every command.
func options(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:                  cfg.Addr(),
		ClientName:            ClientName,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		PoolSize:              cfg.PoolSize,
		MinIdleConns:          min(10, cfg.PoolSize),
		DialTimeout:           5 * time.Second,
		ReadTimeout:           2 * time.Second,
		WriteTimeout:          2 * time.Second,
		ContextTimeoutEnabled: true,
	}
}

// HealthCheck pings the Redis client and returns nil if healthy.
func HealthCheck(ctx context.Context, client *redis.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(pingCtx).Err()
}
