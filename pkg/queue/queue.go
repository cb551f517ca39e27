// Package queue defines the durable, priority-ordered, at-least-once
// work queue holding pending write batches. A smaller priority number is
// serviced first; jobs of equal priority are FIFO. Jobs whose handler
// fails are retried with backoff up to a bounded attempt count, then
// parked in a dead set. Claimed jobs that stop reporting progress are
// reclaimed and re-delivered, so handlers must be safe to re-run.
//
// Implementations: redis (durable broker), memory (tests/dev).
package queue

import (
	"context"
	"time"
)

// Priority classes used by the ingestion router. Lower is more urgent.
const (
	PriorityElevated = 1
	PriorityStandard = 2
)

// Job is one unit of queued work.
type Job struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Payload    []byte    `json:"payload"`
	Priority   int       `json:"priority"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// EnqueueOptions controls placement of a new job.
type EnqueueOptions struct {
	// Priority class; zero means PriorityStandard.
	Priority int

	// Delay before the job becomes claimable.
	Delay time.Duration
}

// Queue is the broker contract consumed by the worker pool.
type Queue interface {
	// Enqueue adds a job and returns its id.
	Enqueue(ctx context.Context, jobType string, payload []byte, opts EnqueueOptions) (string, error)

	// Claim pops the most urgent ready job, or (nil, nil) when none is
	// ready. A claimed job must be completed, failed, or it will be
	// reclaimed after the stall timeout.
	Claim(ctx context.Context) (*Job, error)

	// Progress records percent complete for a claimed job and doubles as
	// the heartbeat that keeps it from being treated as stalled.
	Progress(ctx context.Context, jobID string, percent int) error

	// Complete discards a successfully processed job.
	Complete(ctx context.Context, jobID string) error

	// Fail records a handler failure. The job is re-enqueued with backoff
	// until its attempts are exhausted, then moved to the dead set;
	// requeued reports which happened.
	Fail(ctx context.Context, jobID string, cause error) (requeued bool, err error)

	// ReclaimStalled returns claimed jobs whose heartbeat deadline has
	// passed to the pending set and reports them.
	ReclaimStalled(ctx context.Context) ([]Job, error)

	// Depth reports the number of ready jobs (monitoring).
	Depth(ctx context.Context) (int64, error)

	// Close releases broker resources.
	Close() error
}

// NormalizePriority maps the zero value to the standard class.
func NormalizePriority(p int) int {
	if p <= 0 {
		return PriorityStandard
	}
	return p
}

// Backoff returns the retry delay before the given attempt (1-based):
// 1s, 2s, 4s, ... capped at 30s.
func Backoff(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}
