package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowmetrics/pulse/pkg/cache/memory"
)

// failingShared simulates shared-layer transport failures.
type failingShared struct{}

var errDown = errors.New("connection refused")

func (failingShared) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errDown
}
func (failingShared) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errDown
}
func (failingShared) Del(ctx context.Context, keys ...string) error { return errDown }
func (failingShared) DelPattern(ctx context.Context, pattern string) (int, error) {
	return 0, errDown
}
func (failingShared) Close() error { return nil }

func TestTiered_RoundTrip(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	c := New(shared, Options{})

	c.Set(ctx, "data:stats", []byte("snapshot"), 50*time.Millisecond)

	value, ok := c.Get(ctx, "data:stats")
	if !ok || string(value) != "snapshot" {
		t.Fatalf("Expected snapshot, got %q ok=%v", value, ok)
	}

	time.Sleep(70 * time.Millisecond)
	if _, ok := c.Get(ctx, "data:stats"); ok {
		t.Error("Expected absence after TTL elapsed")
	}
}

func TestTiered_SharedHitPopulatesLocal(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	c := New(shared, Options{})

	// Value exists only in the shared layer (written by another node)
	if err := shared.Set(ctx, "k", []byte("remote"), time.Minute); err != nil {
		t.Fatalf("Shared set failed: %v", err)
	}

	value, ok := c.Get(ctx, "k")
	if !ok || string(value) != "remote" {
		t.Fatalf("Expected shared-layer value, got %q ok=%v", value, ok)
	}

	if c.LocalLen() != 1 {
		t.Errorf("Expected local layer populated after shared hit, have %d entries", c.LocalLen())
	}
}

func TestTiered_SharedFailureDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	c := New(failingShared{}, Options{})

	// Get on a cold cache with a down shared layer is a miss, not an error
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("Expected miss when shared layer is down")
	}

	// Local writes still succeed even when the shared write fails
	c.Set(ctx, "k", []byte("v"), time.Minute)
	value, ok := c.Get(ctx, "k")
	if !ok || string(value) != "v" {
		t.Errorf("Expected local value despite shared failure, got %q ok=%v", value, ok)
	}

	// Invalidation failures surface to the caller (the sync ingest path
	// must re-raise them)
	if err := c.Del(ctx, "k"); err == nil {
		t.Error("Expected Del to report the shared-layer failure")
	}
	if err := c.InvalidatePattern(ctx, "data:history:*"); err == nil {
		t.Error("Expected InvalidatePattern to report the shared-layer failure")
	}
}

func TestTiered_SetMultiLevelCapsLocalTTL(t *testing.T) {
	ctx := context.Background()
	c := New(failingShared{}, Options{MaxLocalMultiTTL: 20 * time.Millisecond})

	// Shared layer is down, so visibility is driven by the local TTL cap
	c.SetMultiLevel(ctx, "expensive", []byte("v"), time.Hour)

	if _, ok := c.GetMultiLevel(ctx, "expensive"); !ok {
		t.Fatal("Expected hit inside the local freshness window")
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := c.GetMultiLevel(ctx, "expensive"); ok {
		t.Error("Expected local entry to expire at the capped TTL")
	}
}

func TestTiered_InvalidatePatternBothLayers(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	c := New(shared, Options{})

	c.Set(ctx, "data:history:1", []byte("a"), time.Minute)
	c.Set(ctx, "data:history:2", []byte("b"), time.Minute)
	c.Set(ctx, "data:stats", []byte("c"), time.Minute)

	if err := c.InvalidatePattern(ctx, "data:history:*"); err != nil {
		t.Fatalf("InvalidatePattern failed: %v", err)
	}

	if _, ok := c.Get(ctx, "data:history:1"); ok {
		t.Error("Expected history key removed")
	}
	if _, ok := c.Get(ctx, "data:history:2"); ok {
		t.Error("Expected history key removed")
	}
	if _, ok := c.Get(ctx, "data:stats"); !ok {
		t.Error("Expected unrelated key untouched")
	}
	if shared.Len() != 1 {
		t.Errorf("Expected 1 shared entry to survive, have %d", shared.Len())
	}
}
