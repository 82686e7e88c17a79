package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store with SETNX, so several bot processes sharing
// one Redis also share one view of what has been handled.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func seenKey(id string) string {
	return fmt.Sprintf("qqbot:seen:%s", id)
}

func (s *RedisStore) MarkSeen(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, seenKey(id), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark %s as seen: %w", id, err)
	}
	return ok, nil
}

// Forget removes id so it is treated as new again.
func (s *RedisStore) Forget(ctx context.Context, id string) error {
	return s.client.Del(ctx, seenKey(id)).Err()
}
