package utils

import (
	"context"
	"errors"
	"fmt"

	"callrelay/internal/config"

	"github.com/redis/go-redis/v9"
)

// OpenRedis connects the claim-ticket store and checks it with a PING.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr() == "" {
		return nil, errors.New("redis host is required")
	}
	rdb := redis.NewClient(redisOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout+cfg.OpTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// redisOptions keeps command timeouts short and lets caller deadlines cut
// them further, since claims are checked while signaling waits.
func redisOptions(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:                  cfg.Addr(),
		Password:              cfg.Password,
		DB:                    cfg.DB,
		DialTimeout:           cfg.DialTimeout,
		ReadTimeout:           cfg.OpTimeout,
		WriteTimeout:          cfg.OpTimeout,
		PoolTimeout:           cfg.OpTimeout,
		PoolSize:              cfg.PoolSize,
		ContextTimeoutEnabled: true,
	}
}
