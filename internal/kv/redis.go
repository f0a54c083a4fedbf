package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a go-redis client.
type RedisStore struct {
	client *redis.Client
}

// Connect parses the Redis URL, dials the server, and verifies the
// connection with a ping before returning a RedisStore. Fail-fast: a Redis
// that is down at startup is a deployment problem, not something to limp
// past.
func Connect(ctx context.Context, url string, connectTimeout time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parsing redis url: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv: redis not reachable: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStore wraps an existing client. Used by tests with miniredis-style
// fakes or a shared client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the value for key, mapping redis.Nil to ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv: get %q: %w", key, err)
	}
	return val, nil
}

// Set writes the value with the given TTL. A zero TTL stores without expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %q: %w", key, err)
	}
	return nil
}

// SetNX writes the value only if the key is absent, atomically on the server.
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: setnx %q: %w", key, err)
	}
	return ok, nil
}

// Ping checks connectivity. Used by the health endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kv: ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
