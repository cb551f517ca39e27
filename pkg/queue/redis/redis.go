// Package redis implements the durable queue on Redis sorted sets, the
// same substrate Bull-style brokers use. Four sets per queue:
//
//	pending: ready jobs scored by (priority << 40) | seq, so ZPOPMIN
//	         yields strict priority order and FIFO within a class
//	delayed: jobs scored by their ready time, promoted on each claim
//	active:  claimed jobs scored by their heartbeat deadline
//	dead:    jobs whose retries are exhausted (a list, for inspection)
//
// Job bodies live in per-job hashes. Claiming runs as a Lua script so a
// job is never popped without landing in the active set.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowmetrics/pulse/pkg/errs"
	"github.com/flowmetrics/pulse/pkg/queue"
)

// Config holds broker settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces all broker keys (default "pulse:queue").
	KeyPrefix string

	// MaxAttempts before a job is parked in the dead set (default 3).
	MaxAttempts int

	// StallTimeout is how long a claimed job may go without a progress
	// heartbeat before it is eligible for re-delivery (default 30s).
	StallTimeout time.Duration
}

// Broker is a Redis-backed queue.
type Broker struct {
	client       *redis.Client
	prefix       string
	maxAttempts  int
	stallTimeout time.Duration
}

// claimScript atomically pops the most urgent pending job and records it
// as active with the given heartbeat deadline.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewFromClient(client, cfg), nil
}

// NewFromClient wraps an existing client (shared with the cache layer).
func NewFromClient(client *redis.Client, cfg Config) *Broker {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pulse:queue"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 30 * time.Second
	}
	return &Broker{
		client:       client,
		prefix:       cfg.KeyPrefix,
		maxAttempts:  cfg.MaxAttempts,
		stallTimeout: cfg.StallTimeout,
	}
}

func (b *Broker) pendingKey() string { return b.prefix + ":pending" }
func (b *Broker) delayedKey() string { return b.prefix + ":delayed" }
func (b *Broker) activeKey() string  { return b.prefix + ":active" }
func (b *Broker) deadKey() string    { return b.prefix + ":dead" }
func (b *Broker) seqKey() string     { return b.prefix + ":seq" }
func (b *Broker) jobKey(id string) string {
	return b.prefix + ":job:" + id
}

// score packs priority and sequence into one sortable number. 40 bits of
// sequence stay exact in the float64 scores Redis uses.
func score(priority int, seq int64) float64 {
	return float64(int64(priority)<<40 | seq)
}

// Enqueue adds a job and returns its id.
func (b *Broker) Enqueue(ctx context.Context, jobType string, payload []byte, opts queue.EnqueueOptions) (string, error) {
	job := queue.Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    payload,
		Priority:   queue.NormalizePriority(opts.Priority),
		EnqueuedAt: time.Now(),
	}

	seq, err := b.client.Incr(ctx, b.seqKey()).Result()
	if err != nil {
		return "", errs.Transient("queue enqueue", err)
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	jobScore := score(job.Priority, seq)
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(job.ID), "body", body, "score", jobScore)
	if opts.Delay > 0 {
		readyAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		pipe.ZAdd(ctx, b.delayedKey(), redis.Z{Score: readyAt, Member: job.ID})
	} else {
		pipe.ZAdd(ctx, b.pendingKey(), redis.Z{Score: jobScore, Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errs.Transient("queue enqueue", err)
	}
	return job.ID, nil
}

// Claim pops the most urgent ready job, or (nil, nil) when none is
// ready. Due delayed jobs are promoted first.
func (b *Broker) Claim(ctx context.Context) (*queue.Job, error) {
	if err := b.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	deadline := strconv.FormatInt(time.Now().Add(b.stallTimeout).UnixMilli(), 10)
	res, err := claimScript.Run(ctx, b.client,
		[]string{b.pendingKey(), b.activeKey()}, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Transient("queue claim", err)
	}

	jobID, ok := res.(string)
	if !ok {
		return nil, nil
	}
	return b.loadJob(ctx, jobID)
}

// promoteDelayed moves due delayed jobs into the pending set at their
// original priority score.
func (b *Broker) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, b.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return errs.Transient("queue promote", err)
	}

	for _, jobID := range due {
		jobScore, err := b.client.HGet(ctx, b.jobKey(jobID), "score").Float64()
		if err != nil {
			continue // job hash expired or removed, drop the reference
		}
		pipe := b.client.TxPipeline()
		pipe.ZAdd(ctx, b.pendingKey(), redis.Z{Score: jobScore, Member: jobID})
		pipe.ZRem(ctx, b.delayedKey(), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return errs.Transient("queue promote", err)
		}
	}
	return nil
}

func (b *Broker) loadJob(ctx context.Context, jobID string) (*queue.Job, error) {
	body, err := b.client.HGet(ctx, b.jobKey(jobID), "body").Bytes()
	if err == redis.Nil {
		return nil, errs.NotFound("job", jobID)
	}
	if err != nil {
		return nil, errs.Transient("queue load", err)
	}
	var job queue.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// Progress records percent complete and extends the stall deadline.
func (b *Broker) Progress(ctx context.Context, jobID string, percent int) error {
	deadline := float64(time.Now().Add(b.stallTimeout).UnixMilli())
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(jobID), "progress", percent)
	pipe.ZAdd(ctx, b.activeKey(), redis.Z{Score: deadline, Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Transient("queue progress", err)
	}
	return nil
}

// Complete discards a successfully processed job.
func (b *Broker) Complete(ctx context.Context, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.activeKey(), jobID)
	pipe.Del(ctx, b.jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Transient("queue complete", err)
	}
	return nil
}

// Fail re-enqueues with backoff or parks the job in the dead set.
func (b *Broker) Fail(ctx context.Context, jobID string, cause error) (bool, error) {
	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}

	if job.Attempts >= b.maxAttempts {
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, b.activeKey(), jobID)
		pipe.LPush(ctx, b.deadKey(), body)
		pipe.Del(ctx, b.jobKey(jobID))
		if _, err := pipe.Exec(ctx); err != nil {
			return false, errs.Transient("queue fail", err)
		}
		return false, nil
	}

	readyAt := float64(time.Now().Add(queue.Backoff(job.Attempts)).UnixMilli())
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(jobID), "body", body)
	pipe.ZRem(ctx, b.activeKey(), jobID)
	pipe.ZAdd(ctx, b.delayedKey(), redis.Z{Score: readyAt, Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errs.Transient("queue fail", err)
	}
	return true, nil
}

// ReclaimStalled moves claimed jobs past their heartbeat deadline back
// to the pending set and reports them.
func (b *Broker) ReclaimStalled(ctx context.Context) ([]queue.Job, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	expired, err := b.client.ZRangeByScore(ctx, b.activeKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return nil, errs.Transient("queue reclaim", err)
	}

	var stalled []queue.Job
	for _, jobID := range expired {
		job, err := b.loadJob(ctx, jobID)
		if err != nil {
			// Body gone; nothing to re-deliver.
			b.client.ZRem(ctx, b.activeKey(), jobID)
			continue
		}
		jobScore, err := b.client.HGet(ctx, b.jobKey(jobID), "score").Float64()
		if err != nil {
			continue
		}
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, b.activeKey(), jobID)
		pipe.ZAdd(ctx, b.pendingKey(), redis.Z{Score: jobScore, Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return stalled, errs.Transient("queue reclaim", err)
		}
		stalled = append(stalled, *job)
	}
	return stalled, nil
}

// Depth reports the number of ready jobs.
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	n, err := b.client.ZCard(ctx, b.pendingKey()).Result()
	if err != nil {
		return 0, errs.Transient("queue depth", err)
	}
	return n, nil
}

// Close releases the underlying client.
func (b *Broker) Close() error {
	return b.client.Close()
}
