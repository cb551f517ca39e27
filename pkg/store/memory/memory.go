// Package memory stores measurements in process memory. Data is lost on
// restart. Useful for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmetrics/pulse/pkg/measurement"
	"github.com/flowmetrics/pulse/pkg/stats"
	"github.com/flowmetrics/pulse/pkg/store"
)

// Store is an in-memory measurement store.
type Store struct {
	points []measurement.Measurement
	mu     sync.RWMutex
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{points: make([]measurement.Measurement, 0, 1024)}
}

// InsertMany appends the measurements, defaulting absent timestamps.
func (s *Store) InsertMany(ctx context.Context, points []measurement.Measurement) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, p := range points {
		if p.Timestamp.IsZero() {
			p.Timestamp = now
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		s.points = append(s.points, p)
	}
	return len(points), nil
}

// Find returns one page of measurements, newest first.
func (s *Store) Find(ctx context.Context, q measurement.HistoryQuery) (*measurement.HistoryPage, error) {
	q = store.NormalizeQuery(q)

	s.mu.RLock()
	matched := stats.Filter(s.points, q.Type, q.Start, q.End)
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := int64(len(matched))
	skip := (q.Page - 1) * q.Limit
	if skip > len(matched) {
		skip = len(matched)
	}
	end := skip + q.Limit
	if end > len(matched) {
		end = len(matched)
	}

	page := make([]measurement.Measurement, end-skip)
	copy(page, matched[skip:end])

	return &measurement.HistoryPage{
		Data:       page,
		Pagination: store.Paginate(q.Page, q.Limit, total),
	}, nil
}

// Count returns the number of measurements matching the filter.
func (s *Store) Count(ctx context.Context, typ string, start, end time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(stats.Filter(s.points, typ, start, end))), nil
}

// Stats summarizes the full collection.
func (s *Store) Stats(ctx context.Context) (measurement.StatsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stats.Summarize(s.points), nil
}

// RealtimeStats summarizes the trailing window ending now.
func (s *Store) RealtimeStats(ctx context.Context, window time.Duration) (measurement.StatsSnapshot, error) {
	cutoff := time.Now().Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return stats.Summarize(stats.Filter(s.points, "", cutoff, time.Time{})), nil
}

// AggregateBuckets computes interval buckets for one measurement type.
func (s *Store) AggregateBuckets(ctx context.Context, typ string, start, end time.Time, interval stats.Interval) ([]measurement.Bucket, error) {
	s.mu.RLock()
	matched := stats.Filter(s.points, typ, start, end)
	s.mu.RUnlock()

	return stats.Bucketize(matched, interval), nil
}

// Close is a no-op for memory storage.
func (s *Store) Close() error { return nil }
