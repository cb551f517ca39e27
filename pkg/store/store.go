// Package store defines the document store contract for persisted
// measurements. The aggregation surface is a closed, typed set (count,
// avg, min, max, per-type counts, interval buckets); the system never
// needs arbitrary pipeline expressions.
//
// Implementations: memory (testing), badger (embedded single-node),
// mongo (production).
package store

import (
	"context"
	"time"

	"github.com/flowmetrics/pulse/pkg/measurement"
	"github.com/flowmetrics/pulse/pkg/stats"
)

// Store is the persistence contract for measurements. The store is the
// source of truth; it must tolerate concurrent writers through its own
// per-insert atomicity.
type Store interface {
	// InsertMany persists the measurements, defaulting absent timestamps
	// to the current time. Returns the number inserted.
	InsertMany(ctx context.Context, points []measurement.Measurement) (int, error)

	// Find returns one page of measurements, newest first.
	Find(ctx context.Context, q measurement.HistoryQuery) (*measurement.HistoryPage, error)

	// Count returns the number of measurements matching the filter.
	// Zero times mean unbounded; empty type matches all.
	Count(ctx context.Context, typ string, start, end time.Time) (int64, error)

	// Stats summarizes the full collection.
	Stats(ctx context.Context) (measurement.StatsSnapshot, error)

	// RealtimeStats summarizes the trailing window ending now.
	RealtimeStats(ctx context.Context, window time.Duration) (measurement.StatsSnapshot, error)

	// AggregateBuckets computes interval buckets for one measurement type
	// over [start, end], ascending by bucket start.
	AggregateBuckets(ctx context.Context, typ string, start, end time.Time, interval stats.Interval) ([]measurement.Bucket, error)

	// Close cleanly shuts down the backend.
	Close() error
}

// Paginate computes the pagination envelope for a page of results.
// Pages are 1-based; hasNext/hasPrev derive from ceil(total/limit).
func Paginate(page, limit int, total int64) measurement.Pagination {
	totalPages := (total + int64(limit) - 1) / int64(limit)
	return measurement.Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    int64(page) < totalPages,
		HasPrev:    page > 1,
	}
}

// NormalizeQuery applies the paging defaults shared by all backends.
func NormalizeQuery(q measurement.HistoryQuery) measurement.HistoryQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	return q
}
