package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "worker",
		Name:      "jobs_processed_total",
		Help:      "Jobs processed to completion",
	})
	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "worker",
		Name:      "jobs_failed_total",
		Help:      "Job handler failures (including attempts that were retried)",
	})
	jobsStalled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "worker",
		Name:      "jobs_stalled_total",
		Help:      "Jobs reclaimed after their heartbeat deadline passed",
	})
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pulse",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Time spent processing a job to completion",
		Buckets:   prometheus.DefBuckets,
	})
)
