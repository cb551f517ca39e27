// Package badger persists measurements in BadgerDB (LSM tree). Suited to
// embedded single-node deployments where no external document store is
// available; the in-memory mode keeps tests hermetic.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"

	"github.com/flowmetrics/pulse/pkg/measurement"
	"github.com/flowmetrics/pulse/pkg/stats"
	"github.com/flowmetrics/pulse/pkg/store"
)

// Store implements store.Store using BadgerDB.
type Store struct {
	db  *badger.DB
	seq atomic.Uint32
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = 48 MB default)
	MaxMemoryMB int64
}

// New creates a BadgerDB-backed measurement store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// BadgerDB's defaults assume a dedicated server; bound the memtable
	// and caches so the store behaves inside a shared service process.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(2).
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{db: db}, nil
}

// InsertMany persists the measurements in one transaction.
func (s *Store) InsertMany(ctx context.Context, points []measurement.Measurement) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := time.Now()
	err := s.db.Update(func(txn *badger.Txn) error {
		for i, p := range points {
			// Check context periodically (every 100 points)
			if i%100 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			if p.Timestamp.IsZero() {
				p.Timestamp = now
			}
			if p.ID == "" {
				p.ID = uuid.NewString()
			}

			value, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to encode measurement: %w", err)
			}
			if err := txn.Set(s.makeKey(p.Type, p.Timestamp), value); err != nil {
				return fmt.Errorf("failed to write measurement: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(points), nil
}

// Find returns one page of measurements, newest first.
func (s *Store) Find(ctx context.Context, q measurement.HistoryQuery) (*measurement.HistoryPage, error) {
	q = store.NormalizeQuery(q)

	matched, err := s.scan(ctx, q.Type, q.Start, q.End)
	if err != nil {
		return nil, err
	}

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

	return &measurement.HistoryPage{
		Data:       matched[skip:end],
		Pagination: store.Paginate(q.Page, q.Limit, total),
	}, nil
}

// Count returns the number of measurements matching the filter.
func (s *Store) Count(ctx context.Context, typ string, start, end time.Time) (int64, error) {
	matched, err := s.scan(ctx, typ, start, end)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// Stats summarizes the full collection.
func (s *Store) Stats(ctx context.Context) (measurement.StatsSnapshot, error) {
	matched, err := s.scan(ctx, "", time.Time{}, time.Time{})
	if err != nil {
		return measurement.StatsSnapshot{}, err
	}
	return stats.Summarize(matched), nil
}

// RealtimeStats summarizes the trailing window ending now.
func (s *Store) RealtimeStats(ctx context.Context, window time.Duration) (measurement.StatsSnapshot, error) {
	matched, err := s.scan(ctx, "", time.Now().Add(-window), time.Time{})
	if err != nil {
		return measurement.StatsSnapshot{}, err
	}
	return stats.Summarize(matched), nil
}

// AggregateBuckets computes interval buckets for one measurement type.
func (s *Store) AggregateBuckets(ctx context.Context, typ string, start, end time.Time, interval stats.Interval) ([]measurement.Bucket, error) {
	matched, err := s.scan(ctx, typ, start, end)
	if err != nil {
		return nil, err
	}
	return stats.Bucketize(matched, interval), nil
}

// scan iterates the full keyspace and decodes matching measurements.
// Cancellation is checked every 1000 iterations so a long scan cannot
// block shutdown.
func (s *Store) scan(ctx context.Context, typ string, start, end time.Time) ([]measurement.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var results []measurement.Measurement
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			err := it.Item().Value(func(val []byte) error {
				var p measurement.Measurement
				if err := json.Unmarshal(val, &p); err != nil {
					return fmt.Errorf("failed to decode measurement: %w", err)
				}
				if typ != "" && p.Type != typ {
					return nil
				}
				if !start.IsZero() && p.Timestamp.Before(start) {
					return nil
				}
				if !end.IsZero() && p.Timestamp.After(end) {
					return nil
				}
				results = append(results, p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Close shuts down BadgerDB cleanly.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection, reclaiming disk
// space from deleted values. Returns badger.ErrNoRewrite when nothing
// needed collecting.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// makeKey builds a sortable key: [type_hash (8)][timestamp (8)][seq (4)].
// The trailing sequence keeps two measurements of the same type at the
// same nanosecond from overwriting each other.
func (s *Store) makeKey(typ string, ts time.Time) []byte {
	key := make([]byte, 20)
	binary.BigEndian.PutUint64(key[0:8], xxhash.Sum64String(typ))
	binary.BigEndian.PutUint64(key[8:16], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint32(key[16:20], s.seq.Add(1))
	return key
}
