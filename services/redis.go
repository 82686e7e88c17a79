package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/abdelmounim-dev/qqbot-gateway/config"
)

const redisPingTimeout = 5 * time.Second

// NewRedisClient connects to the Redis shared by the broker and the dedupe
// store and fails fast when it is unreachable.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		DB:          cfg.DB,
		Password:    cfg.Password,
		PoolSize:    cfg.PoolSize,
		PoolTimeout: time.Duration(cfg.PoolTimeout) * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection to %s failed: %w", cfg.Address, err)
	}

	return client, nil
}

// NeedsRedis reports whether any configured component uses Redis.
func NeedsRedis(cfg *config.AppConfig) bool {
	return strings.EqualFold(cfg.Broker.Type, "redis") || (cfg.Dedupe.Enabled && strings.EqualFold(cfg.Dedupe.Store, "redis"))
}

func CloseRedisClient(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
