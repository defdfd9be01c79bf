// AngelaMos | 2026
// redis.go

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis adapts a go-redis client to the Cache capability. Keys are
// namespaced by prefix so several caches can share one client.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get: %w", err)
	}

	return value, true, nil
}

func (r *Redis) Set(
	ctx context.Context,
	key, value string,
	ttl time.Duration,
) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	var count int
	var cursor uint64

	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 1000).
			Result()
		if err != nil {
			return 0, fmt.Errorf("cache len: %w", err)
		}

		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return count, nil
}
