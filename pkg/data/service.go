// Package data implements the measurement service: the ingestion router
// deciding between synchronous persistence and queued batch processing,
// and the cached read path for history and statistics queries.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/flowmetrics/pulse/pkg/cache"
	"github.com/flowmetrics/pulse/pkg/config"
	"github.com/flowmetrics/pulse/pkg/errs"
	"github.com/flowmetrics/pulse/pkg/measurement"
	"github.com/flowmetrics/pulse/pkg/queue"
	"github.com/flowmetrics/pulse/pkg/stats"
	"github.com/flowmetrics/pulse/pkg/store"
)

// Cache keys owned by the service. Every write path must invalidate or
// refresh each of these before the write is considered complete.
const (
	CacheKeyStats          = "data:stats"
	CacheKeyRealtimeStats  = "data:realtime_stats"
	cacheKeyHistoryPrefix  = "data:history:"
	CacheKeyHistoryPattern = "data:history:*"
)

// Service routes ingestion and serves aggregate queries. Constructed once
// at startup with its collaborators passed in explicitly.
type Service struct {
	store  store.Store
	cache  *cache.Tiered
	broker queue.Queue
}

// New creates a Service.
func New(st store.Store, c *cache.Tiered, broker queue.Queue) *Service {
	return &Service{store: st, cache: c, broker: broker}
}

// IngestData validates a batch and routes it by size: small batches are
// persisted synchronously and the affected cache views invalidated;
// larger batches are chunked and enqueued, returning immediately.
func (s *Service) IngestData(ctx context.Context, points []measurement.Measurement) (measurement.IngestResult, error) {
	if len(points) == 0 {
		return measurement.IngestResult{}, errs.Validation("no measurements provided")
	}
	if err := ValidateBatch(points); err != nil {
		return measurement.IngestResult{}, err
	}

	if len(points) <= config.SyncThreshold {
		if _, err := s.store.InsertMany(ctx, points); err != nil {
			return measurement.IngestResult{}, err
		}
		// Stale cache after a synchronous write would be visible to the
		// very next read, so invalidation failures surface to the caller.
		if err := s.InvalidateDataCaches(ctx); err != nil {
			return measurement.IngestResult{}, err
		}
		return measurement.IngestResult{
			BatchID: fmt.Sprintf("immediate_%d", time.Now().UnixMilli()),
			Queued:  false,
		}, nil
	}

	batchID := "batch_" + uuid.NewString()
	if err := s.enqueueChunks(ctx, batchID, points, headOfBurstPriority); err != nil {
		return measurement.IngestResult{}, err
	}
	return measurement.IngestResult{BatchID: batchID, Queued: true}, nil
}

// headOfBurstPriority elevates the first config.ElevatedChunks chunks of
// a submission and leaves the rest standard, keeping the head of a burst
// visible quickly while the tail drains at lower urgency.
func headOfBurstPriority(chunkIndex int) int {
	if chunkIndex < config.ElevatedChunks {
		return queue.PriorityElevated
	}
	return queue.PriorityStandard
}

// IngestHighThroughput enqueues a submission of any size without the
// synchronous small-batch path: every batch is chunked and queued.
func (s *Service) IngestHighThroughput(ctx context.Context, points []measurement.Measurement) (measurement.IngestResult, error) {
	if len(points) == 0 {
		return measurement.IngestResult{}, errs.Validation("no measurements provided")
	}
	if err := ValidateBatch(points); err != nil {
		return measurement.IngestResult{}, err
	}

	batchID := "batch_" + uuid.NewString()
	if err := s.enqueueChunks(ctx, batchID, points, headOfBurstPriority); err != nil {
		return measurement.IngestResult{}, err
	}

	log.Printf("queued %d chunks for high-throughput batch %s", (len(points)+config.ChunkSize-1)/config.ChunkSize, batchID)
	return measurement.IngestResult{BatchID: batchID, Queued: true}, nil
}

// enqueueChunks splits points into chunks of at most config.ChunkSize and
// enqueues one job per chunk. Chunk ids derive from the parent batch id
// so the processor's dedup markers stay unique per job.
func (s *Service) enqueueChunks(ctx context.Context, batchID string, points []measurement.Measurement, priorityFor func(chunkIndex int) int) error {
	for i, chunk := range ChunkBatch(points, config.ChunkSize) {
		priority := priorityFor(i)
		job := measurement.ProcessBatchJob{
			BatchID:  fmt.Sprintf("%s_%d", batchID, i),
			Priority: priority,
			Data:     chunk,
		}
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode batch job: %w", err)
		}
		if _, err := s.broker.Enqueue(ctx, config.JobTypeProcessBatch, payload, queue.EnqueueOptions{
			Priority: priority,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ChunkBatch splits points into chunks of at most size elements,
// preserving order.
func ChunkBatch(points []measurement.Measurement, size int) [][]measurement.Measurement {
	var chunks [][]measurement.Measurement
	for start := 0; start < len(points); start += size {
		end := start + size
		if end > len(points) {
			end = len(points)
		}
		chunks = append(chunks, points[start:end])
	}
	return chunks
}

// ValidateBatch checks every measurement; validation is all-or-nothing,
// so one invalid element rejects the whole batch before anything is
// written or enqueued.
func ValidateBatch(points []measurement.Measurement) error {
	for i, p := range points {
		if p.Type == "" {
			return errs.Validation("measurement %d: type is required and must be a string", i)
		}
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return errs.Validation("measurement %d: value must be a finite number", i)
		}
	}
	return nil
}

// GetDataStats returns the full-collection statistics, served from the
// multi-level cache when fresh.
func (s *Service) GetDataStats(ctx context.Context) (measurement.StatsSnapshot, error) {
	if body, ok := s.cache.GetMultiLevel(ctx, CacheKeyStats); ok {
		var snap measurement.StatsSnapshot
		if err := json.Unmarshal(body, &snap); err == nil {
			return snap, nil
		}
	}

	snap, err := s.store.Stats(ctx)
	if err != nil {
		return measurement.StatsSnapshot{}, err
	}
	s.setCached(ctx, CacheKeyStats, snap, config.StatsCacheTTL, true)
	return snap, nil
}

// GetRealtimeStats returns statistics over the trailing realtime window.
func (s *Service) GetRealtimeStats(ctx context.Context) (measurement.StatsSnapshot, error) {
	if body, ok := s.cache.Get(ctx, CacheKeyRealtimeStats); ok {
		var snap measurement.StatsSnapshot
		if err := json.Unmarshal(body, &snap); err == nil {
			return snap, nil
		}
	}

	snap, err := s.store.RealtimeStats(ctx, config.RealtimeWindow)
	if err != nil {
		return measurement.StatsSnapshot{}, err
	}
	s.setCached(ctx, CacheKeyRealtimeStats, snap, config.RealtimeCacheTTL, false)
	return snap, nil
}

// GetDataHistory returns one page of measurements, cached per serialized
// query with a short TTL.
func (s *Service) GetDataHistory(ctx context.Context, q measurement.HistoryQuery) (*measurement.HistoryPage, error) {
	key := HistoryCacheKey(q)
	if body, ok := s.cache.Get(ctx, key); ok {
		var page measurement.HistoryPage
		if err := json.Unmarshal(body, &page); err == nil {
			return &page, nil
		}
	}

	page, err := s.store.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	s.setCached(ctx, key, page, config.HistoryCacheTTL, false)
	return page, nil
}

// AggregateData computes interval buckets for one measurement type.
func (s *Service) AggregateData(ctx context.Context, typ string, start, end time.Time, interval stats.Interval) ([]measurement.Bucket, error) {
	if typ == "" {
		return nil, errs.Validation("type is required")
	}
	if interval == "" {
		interval = stats.IntervalHour
	}
	if !interval.Valid() {
		return nil, errs.Validation("interval must be hour, day or week")
	}
	return s.store.AggregateBuckets(ctx, typ, start, end, interval)
}

// InvalidateDataCaches drops every cached view a measurement write can
// touch: the global stats, the realtime stats and all history pages.
func (s *Service) InvalidateDataCaches(ctx context.Context) error {
	return errors.Join(
		s.cache.Del(ctx, CacheKeyStats, CacheKeyRealtimeStats),
		s.cache.InvalidatePattern(ctx, CacheKeyHistoryPattern),
	)
}

func (s *Service) setCached(ctx context.Context, key string, value any, ttl time.Duration, multiLevel bool) {
	body, err := json.Marshal(value)
	if err != nil {
		log.Printf("data: failed to encode cache value for %q: %v", key, err)
		return
	}
	if multiLevel {
		s.cache.SetMultiLevel(ctx, key, body, ttl)
	} else {
		s.cache.Set(ctx, key, body, ttl)
	}
}

// HistoryCacheKey derives the cache key for a history query. The
// serialized query is hashed so keys stay bounded; the normalized form
// keeps equivalent queries on one entry.
func HistoryCacheKey(q measurement.HistoryQuery) string {
	q = store.NormalizeQuery(q)
	body, _ := json.Marshal(q)
	return fmt.Sprintf("%s%x", cacheKeyHistoryPrefix, xxhash.Sum64(body))
}
