package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowmetrics/pulse/pkg/queue"
	queuemem "github.com/flowmetrics/pulse/pkg/queue/memory"
)

func TestWorker_ProcessesJobsAndFiresCallbacks(t *testing.T) {
	broker := queuemem.New(queuemem.Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		broker.Enqueue(ctx, "echo", []byte{byte('a' + i)}, queue.EnqueueOptions{})
	}

	var mu sync.Mutex
	completed := make(map[string]string)
	done := make(chan struct{})

	w := New(broker, Config{Concurrency: 2, PollInterval: 5 * time.Millisecond}, Callbacks{
		OnCompleted: func(job queue.Job, result any) {
			mu.Lock()
			completed[job.ID] = result.(string)
			if len(completed) == 5 {
				close(done)
			}
			mu.Unlock()
		},
	})
	w.Register("echo", func(ctx context.Context, job *queue.Job, report ProgressFunc) (any, error) {
		report(50)
		return string(job.Payload), nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(runCtx)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for jobs to complete")
	}
	cancel()
	wg.Wait()

	if depth, _ := broker.Depth(ctx); depth != 0 {
		t.Errorf("Expected drained queue, got depth %d", depth)
	}
	mu.Lock()
	defer mu.Unlock()
	for id, result := range completed {
		if len(result) != 1 {
			t.Errorf("Job %s: unexpected result %q", id, result)
		}
	}
}

func TestWorker_UnregisteredTypeFails(t *testing.T) {
	broker := queuemem.New(queuemem.Config{MaxAttempts: 1})
	ctx := context.Background()

	broker.Enqueue(ctx, "unknown", []byte("x"), queue.EnqueueOptions{})

	failed := make(chan error, 1)
	w := New(broker, Config{Concurrency: 1, PollInterval: 5 * time.Millisecond}, Callbacks{
		OnFailed: func(job queue.Job, err error, requeued bool) {
			if requeued {
				t.Error("Expected no requeue with a single attempt")
			}
			failed <- err
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)
	defer cancel()

	select {
	case err := <-failed:
		if err == nil {
			t.Error("Expected a cause for the failed job")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the failure callback")
	}

	if dead := broker.Dead(); len(dead) != 1 {
		t.Errorf("Expected the job in the dead set, got %d", len(dead))
	}
}

func TestWorker_StallReclaimRedelivers(t *testing.T) {
	broker := queuemem.New(queuemem.Config{StallTimeout: time.Minute})
	ctx := context.Background()

	broker.Enqueue(ctx, "noop", []byte("x"), queue.EnqueueOptions{})
	job, _ := broker.Claim(ctx)
	if job == nil {
		t.Fatal("Expected a claimable job")
	}
	broker.ExpireActive(job.ID)

	stalledCh := make(chan queue.Job, 1)
	completedCh := make(chan struct{}, 1)
	w := New(broker, Config{
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
		ReclaimEvery: 10 * time.Millisecond,
	}, Callbacks{
		OnStalled:   func(job queue.Job) { stalledCh <- job },
		OnCompleted: func(queue.Job, any) { completedCh <- struct{}{} },
	})
	w.Register("noop", func(ctx context.Context, job *queue.Job, report ProgressFunc) (any, error) {
		return nil, nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)
	defer cancel()

	select {
	case stalled := <-stalledCh:
		if stalled.ID != job.ID {
			t.Errorf("Expected job %s reported stalled, got %s", job.ID, stalled.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the stall callback")
	}

	// The reclaimed job is re-delivered and completes on the second pass
	select {
	case <-completedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for re-delivery")
	}
}
