package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/flowmetrics/pulse/pkg/cache"
	cachemem "github.com/flowmetrics/pulse/pkg/cache/memory"
	"github.com/flowmetrics/pulse/pkg/config"
	"github.com/flowmetrics/pulse/pkg/data"
	"github.com/flowmetrics/pulse/pkg/measurement"
	"github.com/flowmetrics/pulse/pkg/queue"
	storemem "github.com/flowmetrics/pulse/pkg/store/memory"
)

func newProcessorFixture() (*Processor, *storemem.Store, *cache.Tiered) {
	st := storemem.New()
	c := cache.New(cachemem.New(), cache.Options{})
	return NewProcessor(st, c, NewMemoryDeduper()), st, c
}

func batchJob(t *testing.T, batchID string, n int) *queue.Job {
	t.Helper()
	points := make([]measurement.Measurement, n)
	for i := range points {
		points[i] = measurement.Measurement{Type: "cpu", Value: float64(i), Timestamp: time.Now()}
	}
	payload, err := json.Marshal(measurement.ProcessBatchJob{
		BatchID:  batchID,
		Priority: queue.PriorityElevated,
		Data:     points,
	})
	if err != nil {
		t.Fatalf("Failed to encode batch: %v", err)
	}
	return &queue.Job{ID: "job-1", Type: config.JobTypeProcessBatch, Payload: payload}
}

func TestHandleProcessBatch_ProgressAndPersist(t *testing.T) {
	p, st, c := newProcessorFixture()
	ctx := context.Background()

	// Stale entries that the processing run must refresh or drop
	c.Set(ctx, data.CacheKeyStats, []byte("stale"), time.Minute)
	c.Set(ctx, "data:history:abc", []byte("stale"), time.Minute)

	var milestones []int
	result, err := p.HandleProcessBatch(ctx, batchJob(t, "batch_x_0", 25), func(percent int) {
		milestones = append(milestones, percent)
	})
	if err != nil {
		t.Fatalf("HandleProcessBatch failed: %v", err)
	}

	want := []int{10, 50, 70, 80, 100}
	if len(milestones) != len(want) {
		t.Fatalf("Expected milestones %v, got %v", want, milestones)
	}
	for i := range want {
		if milestones[i] != want[i] {
			t.Fatalf("Expected milestones %v, got %v", want, milestones)
		}
	}

	count, _ := st.Count(ctx, "", time.Time{}, time.Time{})
	if count != 25 {
		t.Errorf("Expected 25 persisted measurements, got %d", count)
	}

	pr, ok := result.(measurement.ProcessResult)
	if !ok {
		t.Fatalf("Expected ProcessResult, got %T", result)
	}
	if pr.BatchID != "batch_x_0" || pr.ProcessedCount != 25 {
		t.Errorf("Unexpected result: %+v", pr)
	}
	if pr.Stats.TotalPoints != 25 {
		t.Errorf("Expected realtime window to cover the fresh batch, got %d", pr.Stats.TotalPoints)
	}

	// Realtime snapshot refreshed, stale views dropped
	body, ok := c.Get(ctx, data.CacheKeyRealtimeStats)
	if !ok {
		t.Fatal("Expected realtime stats cached after processing")
	}
	var snap measurement.StatsSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("Cached snapshot is not valid JSON: %v", err)
	}
	if snap.TotalPoints != 25 {
		t.Errorf("Expected cached snapshot of 25 points, got %d", snap.TotalPoints)
	}
	if _, ok := c.Get(ctx, data.CacheKeyStats); ok {
		t.Error("Expected stale global stats invalidated")
	}
}

func TestHandleProcessBatch_IdempotentRedelivery(t *testing.T) {
	p, st, _ := newProcessorFixture()
	ctx := context.Background()

	job := batchJob(t, "batch_y_0", 10)
	report := func(int) {}

	if _, err := p.HandleProcessBatch(ctx, job, report); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	// Simulated stall re-delivery of the identical payload
	result, err := p.HandleProcessBatch(ctx, job, report)
	if err != nil {
		t.Fatalf("Re-run failed: %v", err)
	}

	count, _ := st.Count(ctx, "", time.Time{}, time.Time{})
	if count != 10 {
		t.Errorf("Re-delivered job must not insert twice, have %d measurements", count)
	}

	pr := result.(measurement.ProcessResult)
	if pr.Stats.TotalPoints != 10 {
		t.Errorf("Expected stats over a single insert, got %d", pr.Stats.TotalPoints)
	}
}

func TestHandleProcessBatch_InsertFailureReleasesMarker(t *testing.T) {
	st := &failingStore{Store: storemem.New(), failures: 1}
	c := cache.New(cachemem.New(), cache.Options{})
	p := NewProcessor(st, c, NewMemoryDeduper())
	ctx := context.Background()

	job := batchJob(t, "batch_z_0", 5)
	report := func(int) {}

	if _, err := p.HandleProcessBatch(ctx, job, report); err == nil {
		t.Fatal("Expected first run to fail on insert")
	}

	// The marker was released, so the retry inserts for real
	if _, err := p.HandleProcessBatch(ctx, job, report); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	count, _ := st.Count(ctx, "", time.Time{}, time.Time{})
	if count != 5 {
		t.Errorf("Expected retry to persist the batch, have %d measurements", count)
	}
}

func TestHandleProcessBatch_MalformedPayload(t *testing.T) {
	p, _, _ := newProcessorFixture()
	job := &queue.Job{ID: "job-1", Type: config.JobTypeProcessBatch, Payload: []byte("{not json")}
	if _, err := p.HandleProcessBatch(context.Background(), job, func(int) {}); err == nil {
		t.Fatal("Expected error for malformed payload")
	}
}

// failingStore fails the first N inserts, then delegates.
type failingStore struct {
	*storemem.Store
	failures int
}

func (f *failingStore) InsertMany(ctx context.Context, points []measurement.Measurement) (int, error) {
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("write concern not satisfied")
	}
	return f.Store.InsertMany(ctx, points)
}
