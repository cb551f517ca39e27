package worker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper records which batch ids have already been persisted, so a
// re-delivered job cannot double-count statistics. Claim is
// first-writer-wins; Release undoes a claim whose insert failed, letting
// the retry insert for real.
type Deduper interface {
	Claim(ctx context.Context, batchID string) (first bool, err error)
	Release(ctx context.Context, batchID string) error
}

// RedisDeduper stores markers as SETNX keys with a TTL. The markers live
// next to the broker state: losing them means losing the jobs they guard
// too, so the pair stays consistent.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a Deduper on the given client.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{
		client: client,
		prefix: "pulse:jobs:processed:",
		ttl:    ttl,
	}
}

// Claim marks the batch as processed; first reports whether this call
// created the marker.
func (d *RedisDeduper) Claim(ctx context.Context, batchID string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+batchID, 1, d.ttl).Result()
}

// Release removes the marker after a failed insert.
func (d *RedisDeduper) Release(ctx context.Context, batchID string) error {
	return d.client.Del(ctx, d.prefix+batchID).Err()
}

// MemoryDeduper is the in-process Deduper used with the memory broker.
type MemoryDeduper struct {
	seen map[string]bool
	mu   sync.Mutex
}

// NewMemoryDeduper creates an empty in-process Deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]bool)}
}

// Claim marks the batch as processed.
func (d *MemoryDeduper) Claim(ctx context.Context, batchID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[batchID] {
		return false, nil
	}
	d.seen[batchID] = true
	return true, nil
}

// Release removes the marker.
func (d *MemoryDeduper) Release(ctx context.Context, batchID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, batchID)
	return nil
}
