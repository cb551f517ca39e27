// Package memory implements the queue contract in process memory.
// Priority ordering and FIFO-within-class match the Redis broker, so
// tests exercise the same semantics the production queue provides.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmetrics/pulse/pkg/errs"
	"github.com/flowmetrics/pulse/pkg/queue"
)

// Config holds the retry and stall policy.
type Config struct {
	MaxAttempts  int           // 0 = default 3
	StallTimeout time.Duration // 0 = default 30s
}

type pendingItem struct {
	jobID    string
	priority int
	seq      uint64
	index    int
}

// pendingHeap orders by (priority, seq): strict priority, FIFO within.
type pendingHeap []*pendingItem

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pendingHeap) Push(x any) {
	item := x.(*pendingItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type delayedItem struct {
	jobID   string
	readyAt time.Time
}

type activeItem struct {
	deadline time.Time
	progress int
}

// Broker is an in-memory queue.
type Broker struct {
	cfg     Config
	jobs    map[string]*queue.Job
	seqs    map[string]uint64
	pending pendingHeap
	delayed []delayedItem
	active  map[string]*activeItem
	dead    []queue.Job
	nextSeq uint64
	mu      sync.Mutex
}

// New creates an empty in-memory broker.
func New(cfg Config) *Broker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 30 * time.Second
	}
	return &Broker{
		cfg:    cfg,
		jobs:   make(map[string]*queue.Job),
		seqs:   make(map[string]uint64),
		active: make(map[string]*activeItem),
	}
}

// Enqueue adds a job and returns its id.
func (b *Broker) Enqueue(ctx context.Context, jobType string, payload []byte, opts queue.EnqueueOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job := &queue.Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    payload,
		Priority:   queue.NormalizePriority(opts.Priority),
		EnqueuedAt: time.Now(),
	}
	b.jobs[job.ID] = job
	b.nextSeq++
	b.seqs[job.ID] = b.nextSeq

	if opts.Delay > 0 {
		b.delayed = append(b.delayed, delayedItem{jobID: job.ID, readyAt: time.Now().Add(opts.Delay)})
	} else {
		heap.Push(&b.pending, &pendingItem{jobID: job.ID, priority: job.Priority, seq: b.seqs[job.ID]})
	}
	return job.ID, nil
}

// Claim pops the most urgent ready job, or (nil, nil) when none is ready.
func (b *Broker) Claim(ctx context.Context) (*queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.promoteLocked(time.Now())
	if b.pending.Len() == 0 {
		return nil, nil
	}

	item := heap.Pop(&b.pending).(*pendingItem)
	job := b.jobs[item.jobID]
	b.active[job.ID] = &activeItem{deadline: time.Now().Add(b.cfg.StallTimeout)}

	claimed := *job
	return &claimed, nil
}

// promoteLocked moves due delayed jobs into the pending heap.
func (b *Broker) promoteLocked(now time.Time) {
	remaining := b.delayed[:0]
	for _, d := range b.delayed {
		if d.readyAt.After(now) {
			remaining = append(remaining, d)
			continue
		}
		job := b.jobs[d.jobID]
		heap.Push(&b.pending, &pendingItem{jobID: d.jobID, priority: job.Priority, seq: b.seqs[d.jobID]})
	}
	b.delayed = remaining
}

// Progress records percent complete and extends the stall deadline.
func (b *Broker) Progress(ctx context.Context, jobID string, percent int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.active[jobID]
	if !ok {
		return errs.NotFound("active job", jobID)
	}
	a.progress = percent
	a.deadline = time.Now().Add(b.cfg.StallTimeout)
	return nil
}

// Complete discards a successfully processed job.
func (b *Broker) Complete(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.active, jobID)
	delete(b.jobs, jobID)
	delete(b.seqs, jobID)
	return nil
}

// Fail re-enqueues with backoff or parks the job in the dead set.
func (b *Broker) Fail(ctx context.Context, jobID string, cause error) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[jobID]
	if !ok {
		return false, errs.NotFound("job", jobID)
	}
	delete(b.active, jobID)

	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}

	if job.Attempts >= b.cfg.MaxAttempts {
		b.dead = append(b.dead, *job)
		delete(b.jobs, jobID)
		delete(b.seqs, jobID)
		return false, nil
	}

	b.delayed = append(b.delayed, delayedItem{
		jobID:   jobID,
		readyAt: time.Now().Add(queue.Backoff(job.Attempts)),
	})
	return true, nil
}

// ReclaimStalled returns expired claimed jobs to the pending heap.
func (b *Broker) ReclaimStalled(ctx context.Context) ([]queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var stalled []queue.Job
	for jobID, a := range b.active {
		if a.deadline.After(now) {
			continue
		}
		job := b.jobs[jobID]
		delete(b.active, jobID)
		heap.Push(&b.pending, &pendingItem{jobID: jobID, priority: job.Priority, seq: b.seqs[jobID]})
		stalled = append(stalled, *job)
	}
	return stalled, nil
}

// Depth reports the number of ready jobs.
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked(time.Now())
	return int64(b.pending.Len()), nil
}

// Dead returns the dead set (test helper).
func (b *Broker) Dead() []queue.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	dead := make([]queue.Job, len(b.dead))
	copy(dead, b.dead)
	return dead
}

// ExpireActive force-expires a claimed job's heartbeat deadline so tests
// can exercise stall reclaim without waiting out the timeout.
func (b *Broker) ExpireActive(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.active[jobID]; ok {
		a.deadline = time.Now().Add(-time.Second)
	}
}

// Close is a no-op for the in-memory broker.
func (b *Broker) Close() error { return nil }
