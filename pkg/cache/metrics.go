package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	localHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "cache",
		Name:      "local_hits_total",
		Help:      "Lookups served by the in-process cache layer",
	})
	localMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "cache",
		Name:      "local_misses_total",
		Help:      "Lookups that missed the in-process cache layer",
	})
	sharedHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "cache",
		Name:      "shared_hits_total",
		Help:      "Lookups served by the shared cache layer",
	})
	sharedMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "cache",
		Name:      "shared_misses_total",
		Help:      "Lookups that missed the shared cache layer",
	})
	sharedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "cache",
		Name:      "shared_errors_total",
		Help:      "Shared cache layer operations that failed and were degraded",
	})
)
