// Package cache implements the tiered cache: a fast bounded in-process
// layer in front of a shared layer reachable by every processing node.
// The cache is an optimization, never a source of truth: shared-layer
// failures degrade to recomputation instead of failing the caller.
package cache

import (
	"context"
	"log"
	"time"
)

// Shared is the cross-process cache layer (Redis in production, an
// in-memory implementation in tests). A (nil, false, nil) return from Get
// is a miss; a non-nil error is a transport/availability failure.
type Shared interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	DelPattern(ctx context.Context, pattern string) (int, error)
	Close() error
}

// Options configures a Tiered cache.
type Options struct {
	// MaxLocalEntries bounds the in-process layer (0 = default 1024).
	MaxLocalEntries int

	// MaxLocalMultiTTL caps the local TTL used by SetMultiLevel so an
	// expensive value's staleness window stays short even when the shared
	// layer keeps it much longer (0 = default 60s).
	MaxLocalMultiTTL time.Duration
}

const (
	defaultMaxLocalEntries  = 1024
	defaultMaxLocalMultiTTL = 60 * time.Second
)

// Tiered is the two-layer cache. Constructed once at startup and passed
// explicitly to every component that needs it.
type Tiered struct {
	local            *localLayer
	shared           Shared
	maxLocalMultiTTL time.Duration
}

// New creates a Tiered cache over the given shared layer.
func New(shared Shared, opts Options) *Tiered {
	maxEntries := opts.MaxLocalEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxLocalEntries
	}
	multiTTL := opts.MaxLocalMultiTTL
	if multiTTL <= 0 {
		multiTTL = defaultMaxLocalMultiTTL
	}
	return &Tiered{
		local:            newLocalLayer(maxEntries),
		shared:           shared,
		maxLocalMultiTTL: multiTTL,
	}
}

// Get checks the local layer first, then the shared layer. A shared hit
// repopulates the local layer. Shared-layer failures are logged and
// treated as a miss so reads degrade to recomputation.
func (c *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	return c.get(ctx, key, 0)
}

// GetMultiLevel behaves like Get; the name marks call sites holding
// values written with the split-TTL SetMultiLevel contract.
func (c *Tiered) GetMultiLevel(ctx context.Context, key string) ([]byte, bool) {
	return c.get(ctx, key, c.maxLocalMultiTTL)
}

func (c *Tiered) get(ctx context.Context, key string, localCap time.Duration) ([]byte, bool) {
	if value, ok := c.local.get(key); ok {
		localHits.Inc()
		return value, true
	}
	localMisses.Inc()

	value, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		sharedErrors.Inc()
		log.Printf("cache: shared get %q failed, treating as miss: %v", key, err)
		return nil, false
	}
	if !ok {
		sharedMisses.Inc()
		return nil, false
	}
	sharedHits.Inc()

	// Populate the local layer. Without knowing the shared entry's
	// remaining TTL we use the short multi-level window, which bounds
	// staleness either way.
	ttl := c.maxLocalMultiTTL
	if localCap > 0 && localCap < ttl {
		ttl = localCap
	}
	c.local.set(key, value, ttl)
	return value, true
}

// Set writes to both layers. The local write always succeeds; the shared
// write is best-effort and failures are logged, not propagated.
func (c *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.local.set(key, value, ttl)
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		sharedErrors.Inc()
		log.Printf("cache: shared set %q failed: %v", key, err)
	}
}

// SetMultiLevel writes the full TTL to the shared layer but caps the
// local TTL, trading a few shared round-trips for bounded staleness on
// expensive values.
func (c *Tiered) SetMultiLevel(ctx context.Context, key string, value []byte, ttl time.Duration) {
	localTTL := ttl
	if localTTL > c.maxLocalMultiTTL {
		localTTL = c.maxLocalMultiTTL
	}
	c.local.set(key, value, localTTL)
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		sharedErrors.Inc()
		log.Printf("cache: shared set %q failed: %v", key, err)
	}
}

// Del removes the keys from both layers. Deleting an absent key is not an
// error. The shared-layer error is returned so the synchronous ingest
// path can surface invalidation failures; callers on other paths log it.
func (c *Tiered) Del(ctx context.Context, keys ...string) error {
	c.local.del(keys...)
	if err := c.shared.Del(ctx, keys...); err != nil {
		sharedErrors.Inc()
		return err
	}
	return nil
}

// InvalidatePattern deletes every key matching the glob pattern from both
// layers. A set racing an invalidation may leave its key present or
// absent, but never a value predating the triggering write.
func (c *Tiered) InvalidatePattern(ctx context.Context, pattern string) error {
	c.local.delPattern(pattern)
	if _, err := c.shared.DelPattern(ctx, pattern); err != nil {
		sharedErrors.Inc()
		return err
	}
	return nil
}

// LocalLen reports the local layer's entry count.
func (c *Tiered) LocalLen() int {
	return c.local.len()
}
