package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores records as plain string keys named
// "<prefix>:<collection>:<key>". SET replaces the value atomically.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "dotrelay"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) key(collection, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, collection, key)
}

func (r *RedisBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(collection, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s/%s: %w", collection, key, err)
	}
	return data, nil
}

func (r *RedisBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if err := r.client.Set(ctx, r.key(collection, key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (r *RedisBackend) Count(ctx context.Context, collection string) (int, error) {
	pattern := r.key(collection, "*")
	var (
		cursor uint64
		n      int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan %s: %w", collection, err)
		}
		n += len(keys)
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
