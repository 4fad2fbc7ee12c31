// Package cache - Content-addressed cache for detection results.
package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound marks a key absent from the backing store. All other store
// errors are treated as backing-store unavailability by the cache layer.
var ErrNotFound = errors.New("cache: key not found")

// Store is the contract a cache backing store must satisfy. It is assumed
// safe for concurrent access from multiple processes and workers.
type Store interface {
	// Get returns the raw value or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// DeleteMany removes a batch of keys, returning how many existed.
	DeleteMany(ctx context.Context, keys []string) (int64, error)
	// Scan iterates keys matching a glob pattern with a cursor, never
	// blocking other store operations. A returned cursor of 0 ends the
	// iteration.
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	// MemoryUsage returns the approximate size of one key in bytes.
	MemoryUsage(ctx context.Context, key string) (int64, error)
}

// RedisStore adapts a go-redis client to the Store contract.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	return val, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.Wrap(s.client.Set(ctx, key, value, ttl).Err(), "redis set")
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis del")
	}
	return n > 0, nil
}

// DeleteMany implements Store.
func (s *RedisStore) DeleteMany(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis del batch")
	}
	return n, nil
}

// Scan implements Store using the SCAN command, the non-blocking
// alternative to KEYS.
func (s *RedisStore) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := s.client.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, errors.Wrap(err, "redis scan")
	}
	return keys, next, nil
}

// MemoryUsage implements Store.
func (s *RedisStore) MemoryUsage(ctx context.Context, key string) (int64, error) {
	n, err := s.client.MemoryUsage(ctx, key).Result()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "redis memory usage")
	}
	return n, nil
}
