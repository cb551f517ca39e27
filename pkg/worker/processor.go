package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/flowmetrics/pulse/pkg/cache"
	"github.com/flowmetrics/pulse/pkg/config"
	"github.com/flowmetrics/pulse/pkg/data"
	"github.com/flowmetrics/pulse/pkg/measurement"
	"github.com/flowmetrics/pulse/pkg/queue"
	"github.com/flowmetrics/pulse/pkg/store"
)

// Processor is the process_batch handler: persist the chunk, recompute
// the realtime window from scratch, refresh the cache. Safe to re-run on
// the same payload: the dedup marker keeps a re-delivered job from
// inserting twice.
type Processor struct {
	store store.Store
	cache *cache.Tiered
	dedup Deduper
}

// NewProcessor creates a Processor.
func NewProcessor(st store.Store, c *cache.Tiered, dedup Deduper) *Processor {
	return &Processor{store: st, cache: c, dedup: dedup}
}

// Register binds the processor to its job type on the worker.
func (p *Processor) Register(w *Worker) {
	w.Register(config.JobTypeProcessBatch, p.HandleProcessBatch)
}

// HandleProcessBatch runs the per-job state machine:
//
//	received -> persisting (10%) -> persisted (50%) ->
//	recomputing-stats (70%) -> cache-updated (80%) -> completed (100%)
//
// Any step's failure re-raises to the broker's retry machinery with the
// batch id in the log line.
func (p *Processor) HandleProcessBatch(ctx context.Context, job *queue.Job, report ProgressFunc) (any, error) {
	var batch measurement.ProcessBatchJob
	if err := json.Unmarshal(job.Payload, &batch); err != nil {
		return nil, fmt.Errorf("decode batch payload: %w", err)
	}

	log.Printf("processing batch %s with %d measurements", batch.BatchID, len(batch.Data))
	report(10)

	first, err := p.dedup.Claim(ctx, batch.BatchID)
	if err != nil {
		log.Printf("batch %s: dedup claim failed: %v", batch.BatchID, err)
		return nil, err
	}

	processed := len(batch.Data)
	if first {
		if _, err := p.store.InsertMany(ctx, batch.Data); err != nil {
			// Give the marker back so the retry can insert for real.
			if relErr := p.dedup.Release(ctx, batch.BatchID); relErr != nil {
				log.Printf("batch %s: dedup release failed: %v", batch.BatchID, relErr)
			}
			log.Printf("batch %s: persist failed: %v", batch.BatchID, err)
			return nil, err
		}
	} else {
		// Re-delivery after a stall: the data is already in the store,
		// only the downstream stats/cache refresh needs re-running.
		log.Printf("batch %s already persisted, skipping insert", batch.BatchID)
	}
	report(50)

	// Recompute the short window from scratch rather than incrementally;
	// a bounded recent slice is cheap next to a full-table aggregate.
	snap, err := p.store.RealtimeStats(ctx, config.RealtimeWindow)
	if err != nil {
		log.Printf("batch %s: realtime stats recompute failed: %v", batch.BatchID, err)
		return nil, err
	}
	report(70)

	body, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode realtime stats: %w", err)
	}
	p.cache.Set(ctx, data.CacheKeyRealtimeStats, body, config.RealtimeCacheTTL)

	// The write also made the global stats and history pages stale;
	// invalidation failures here are logged, not re-raised, since the
	// next read recomputes from the store either way.
	if err := p.cache.Del(ctx, data.CacheKeyStats); err != nil {
		log.Printf("batch %s: stats cache invalidation failed: %v", batch.BatchID, err)
	}
	if err := p.cache.InvalidatePattern(ctx, data.CacheKeyHistoryPattern); err != nil {
		log.Printf("batch %s: history cache invalidation failed: %v", batch.BatchID, err)
	}
	report(80)

	log.Printf("successfully processed batch %s", batch.BatchID)
	report(100)

	return measurement.ProcessResult{
		BatchID:        batch.BatchID,
		ProcessedCount: processed,
		Stats:          snap,
	}, nil
}
