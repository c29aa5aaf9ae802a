package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on a Redis server. Client-side retries are disabled.
type RedisStore struct {
	client *redis.Client
}

// OpenRedis parses a redis:// URL and returns a store without automatic retries.
func OpenRedis(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.MaxRetries = -1
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return unavailable(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable(err)
	}
	return v, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return unavailable(s.client.Del(ctx, key).Err())
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return unavailable(s.client.Ping(ctx).Err())
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
