package onetime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "onetime"

// RedisStore keeps one-time values in Redis so every instance sees the same secrets.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix uses "onetime".
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{redis: redisClient, prefix: prefix}
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("onetime.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("onetime.redis.ping: %w", pingErr)
	}
	return client, nil
}

func (store *RedisStore) key(key string) string {
	return store.prefix + ":" + key
}

func (store *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	if err := store.redis.Set(ctx, store.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("onetime.redis.put: %w", err)
	}
	return nil
}

// Take uses GETDEL so two callers can never both receive the value.
func (store *RedisStore) Take(ctx context.Context, key string) ([]byte, error) {
	value, err := store.redis.GetDel(ctx, store.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("onetime.redis.take: %w", err)
	}
	return value, nil
}

func (store *RedisStore) Peek(ctx context.Context, key string) ([]byte, error) {
	value, err := store.redis.Get(ctx, store.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("onetime.redis.peek: %w", err)
	}
	return value, nil
}
