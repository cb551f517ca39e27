// Package worker consumes the batch queue: a pool of claim loops
// dispatching jobs through an explicitly registered handler table, a
// stall reclaimer, and lifecycle callbacks for completion, failure and
// re-delivery.
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/flowmetrics/pulse/pkg/config"
	"github.com/flowmetrics/pulse/pkg/errs"
	"github.com/flowmetrics/pulse/pkg/queue"
)

// ProgressFunc reports percent complete for the running job and doubles
// as its stall heartbeat.
type ProgressFunc func(percent int)

// HandlerFunc processes one claimed job. The returned result is handed
// to the OnCompleted callback.
type HandlerFunc func(ctx context.Context, job *queue.Job, report ProgressFunc) (any, error)

// Callbacks are the job lifecycle hooks, resolved at startup into a
// plain dispatch: no annotation magic, just registered functions.
type Callbacks struct {
	OnCompleted func(job queue.Job, result any)
	OnFailed    func(job queue.Job, err error, requeued bool)
	OnStalled   func(job queue.Job)
}

// Config tunes the pool.
type Config struct {
	Concurrency  int           // claim loops (0 = config.WorkerConcurrency)
	PollInterval time.Duration // idle sleep between empty claims
	ReclaimEvery time.Duration // stall reclaim cadence
}

// Worker runs the consumption side of the queue.
type Worker struct {
	broker    queue.Queue
	handlers  map[string]HandlerFunc
	callbacks Callbacks
	cfg       Config
}

// New creates a Worker over the given broker.
func New(broker queue.Queue, cfg Config, callbacks Callbacks) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = config.WorkerConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.WorkerPollInterval
	}
	if cfg.ReclaimEvery <= 0 {
		cfg.ReclaimEvery = config.WorkerReclaimEvery
	}
	return &Worker{
		broker:    broker,
		handlers:  make(map[string]HandlerFunc),
		callbacks: callbacks,
		cfg:       cfg,
	}
}

// Register binds a handler to a job type. Must be called before Run.
func (w *Worker) Register(jobType string, handler HandlerFunc) {
	w.handlers[jobType] = handler
}

// Run starts the claim loops and the stall reclaimer, blocking until ctx
// is cancelled and every in-flight job has finished. A claimed job runs
// to completion or failure; it is never cancelled mid-flight.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.claimLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reclaimLoop(ctx)
	}()

	wg.Wait()
}

func (w *Worker) claimLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.broker.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker: claim failed: %v", err)
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.dispatch(ctx, job)
	}
}

// dispatch runs one claimed job through its handler. The job itself
// always runs on context.Background derivatives implicitly via the
// passed ctx; shutdown lets it finish (see Run).
func (w *Worker) dispatch(ctx context.Context, job *queue.Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		w.fail(ctx, job, errs.Validation("no handler registered for job type %q", job.Type))
		return
	}

	report := func(percent int) {
		if err := w.broker.Progress(ctx, job.ID, percent); err != nil {
			log.Printf("worker: progress report for job %s failed: %v", job.ID, err)
		}
	}

	start := time.Now()
	result, err := handler(ctx, job, report)
	if err != nil {
		jobsFailed.Inc()
		w.fail(ctx, job, err)
		return
	}

	if err := w.broker.Complete(ctx, job.ID); err != nil {
		log.Printf("worker: completing job %s failed: %v", job.ID, err)
	}
	jobsProcessed.Inc()
	jobDuration.Observe(time.Since(start).Seconds())

	if w.callbacks.OnCompleted != nil {
		w.callbacks.OnCompleted(*job, result)
	}
}

func (w *Worker) fail(ctx context.Context, job *queue.Job, cause error) {
	requeued, err := w.broker.Fail(ctx, job.ID, cause)
	if err != nil {
		log.Printf("worker: failing job %s: %v", job.ID, err)
	}
	if w.callbacks.OnFailed != nil {
		w.callbacks.OnFailed(*job, cause, requeued)
	}
}

func (w *Worker) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReclaimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stalled, err := w.broker.ReclaimStalled(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("worker: stall reclaim failed: %v", err)
				}
				continue
			}
			for _, job := range stalled {
				jobsStalled.Inc()
				log.Printf("worker: job %s stalled, re-delivering", job.ID)
				if w.callbacks.OnStalled != nil {
					w.callbacks.OnStalled(job)
				}
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
