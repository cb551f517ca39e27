// Package memory implements the shared cache layer in process memory.
// Useful for tests and single-node development runs.
package memory

import (
	"context"
	"path"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Shared is an in-memory stand-in for the cross-process cache layer.
type Shared struct {
	entries map[string]entry
	mu      sync.Mutex
}

// New creates an empty in-memory shared layer.
func New() *Shared {
	return &Shared{entries: make(map[string]entry)}
}

// Get retrieves a key; expired entries are treated as absent.
func (s *Shared) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores a key with the given TTL.
func (s *Shared) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Del removes keys; absent keys are not an error.
func (s *Shared) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

// DelPattern removes every key matching the glob pattern.
func (s *Shared) DelPattern(ctx context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if matched, err := path.Match(pattern, key); err == nil && matched {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory layer.
func (s *Shared) Close() error { return nil }

// Len reports the number of live entries (test helper).
func (s *Shared) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
