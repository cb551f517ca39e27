package cache

import (
	"path"
	"sync"
	"time"
)

// localEntry is one value in the process-local layer.
type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// localLayer is the bounded in-process cache layer. A mutex guards the
// compound read-modify-write paths (eviction, pattern sweeps); an expired
// entry is treated as absent and removed lazily on lookup.
type localLayer struct {
	entries    map[string]localEntry
	maxEntries int
	mu         sync.Mutex
}

func newLocalLayer(maxEntries int) *localLayer {
	return &localLayer{
		entries:    make(map[string]localEntry),
		maxEntries: maxEntries,
	}
}

func (l *localLayer) get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(l.entries, key)
		return nil, false
	}
	return e.value, true
}

func (l *localLayer) set(key string, value []byte, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[key]; !exists && len(l.entries) >= l.maxEntries {
		l.evictLocked()
	}
	l.entries[key] = localEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// evictLocked drops the entry closest to expiry, preferring anything
// already expired. Caller holds the mutex.
func (l *localLayer) evictLocked() {
	now := time.Now()
	var victim string
	var victimExpiry time.Time

	for key, e := range l.entries {
		if now.After(e.expiresAt) {
			delete(l.entries, key)
			return
		}
		if victim == "" || e.expiresAt.Before(victimExpiry) {
			victim = key
			victimExpiry = e.expiresAt
		}
	}
	if victim != "" {
		delete(l.entries, victim)
	}
}

func (l *localLayer) del(keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		delete(l.entries, key)
	}
}

func (l *localLayer) delPattern(pattern string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key := range l.entries {
		if matched, err := path.Match(pattern, key); err == nil && matched {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

func (l *localLayer) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
