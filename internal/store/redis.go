package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV backs the KV surface with Redis so that nonces and bridge
// tickets survive pod restarts and are visible to every instance in a
// multi-pod deployment.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV connects to addr and namespaces all keys under prefix
// (e.g. "vp:").
func NewRedisKV(addr, prefix string) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "vp:"
	}
	return &RedisKV{client: client, prefix: prefix}, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.prefix + k
	}
	return r.client.Del(ctx, prefixed...).Err()
}

// Close releases the underlying connection pool.
func (r *RedisKV) Close() error { return r.client.Close() }
