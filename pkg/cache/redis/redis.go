// Package redis implements the shared cache layer on Redis.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Shared is a Redis-backed shared cache layer.
type Shared struct {
	client *redis.Client
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Shared, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Shared{client: client}, nil
}

// NewFromClient wraps an existing client (shared with the queue broker).
func NewFromClient(client *redis.Client) *Shared {
	return &Shared{client: client}
}

// Get retrieves a key. A redis.Nil reply is a miss, not an error.
func (s *Shared) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores a key with the given TTL.
func (s *Shared) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Del removes keys. Absent keys are not an error.
func (s *Shared) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// DelPattern deletes every key matching the glob pattern using a cursor
// scan, so large keyspaces are swept without blocking the server.
func (s *Shared) DelPattern(ctx context.Context, pattern string) (int, error) {
	var removed int
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return removed, err
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Close releases the underlying client.
func (s *Shared) Close() error {
	return s.client.Close()
}
