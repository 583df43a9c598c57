package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis, so that several player
// processes share their codec support checks.
type RedisStore struct {
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration

	// Stats
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client, keyPrefix string, defaultTTL time.Duration) *RedisStore {
	if defaultTTL == 0 {
		defaultTTL = time.Hour
	}

	return &RedisStore{
		client:     client,
		keyPrefix:  keyPrefix,
		defaultTTL: defaultTTL,
	}
}

// Get retrieves a value from Redis
func (rs *RedisStore) Get(ctx context.Context, key string) (bool, error) {
	value, err := rs.client.Get(ctx, rs.getKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			rs.misses.Add(1)
			return false, ErrNotFound
		}
		return false, err
	}

	rs.hits.Add(1)
	return value == "1", nil
}

// Set stores a value in Redis
func (rs *RedisStore) Set(ctx context.Context, key string, supported bool, ttl time.Duration) error {
	if ttl == 0 {
		ttl = rs.defaultTTL
	}
	value := "0"
	if supported {
		value = "1"
	}
	return rs.client.Set(ctx, rs.getKey(key), value, ttl).Err()
}

// Delete removes a value from Redis
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	return rs.client.Del(ctx, rs.getKey(key)).Err()
}

// Clear clears all keys with the prefix
func (rs *RedisStore) Clear(ctx context.Context) error {
	iter := rs.client.Scan(ctx, 0, rs.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := rs.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Stats returns cache statistics
func (rs *RedisStore) Stats(ctx context.Context) (Stats, error) {
	count := 0
	iter := rs.client.Scan(ctx, 0, rs.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Hits:   rs.hits.Load(),
		Misses: rs.misses.Load(),
		Size:   count,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats, nil
}

// Close closes the underlying client
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

func (rs *RedisStore) getKey(key string) string {
	return rs.keyPrefix + key
}
