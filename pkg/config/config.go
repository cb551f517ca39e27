package config

import "time"

// Server defaults
const (
	DefaultPort = "8080"
)

// Ingestion routing
const (
	// Batches at or below this size are persisted synchronously.
	SyncThreshold = 10

	// Oversized batches are split into chunks of at most this many
	// measurements before enqueueing.
	ChunkSize = 1000

	// The first ElevatedChunks chunks of a multi-chunk submission get
	// elevated priority so the head of a burst shows up quickly.
	ElevatedChunks = 3
)

// Cache TTLs, reflecting each view's volatility
const (
	StatsCacheTTL    = 300 * time.Second
	RealtimeCacheTTL = 30 * time.Second
	HistoryCacheTTL  = 120 * time.Second
)

// Realtime statistics window
const (
	RealtimeWindow = 5 * time.Minute
)

// Queue and worker configuration
const (
	JobTypeProcessBatch = "process_batch"

	QueueMaxAttempts  = 3
	QueueStallTimeout = 30 * time.Second

	WorkerConcurrency  = 4
	WorkerPollInterval = 250 * time.Millisecond
	WorkerReclaimEvery = 10 * time.Second

	// Processed-batch markers outlive any plausible re-delivery.
	DedupTTL = 24 * time.Hour
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second

	RealtimeBroadcastEvery = 5 * time.Second
)

// HTTP timeouts
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second
	ShutdownTimeout    = 30 * time.Second
	RequestTimeout     = 15 * time.Second
)
