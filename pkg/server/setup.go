package server

import (
	"context"
	"log"
	"os"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flowmetrics/pulse/pkg/cache"
	cachememory "github.com/flowmetrics/pulse/pkg/cache/memory"
	cacheredis "github.com/flowmetrics/pulse/pkg/cache/redis"
	"github.com/flowmetrics/pulse/pkg/config"
	"github.com/flowmetrics/pulse/pkg/queue"
	queuememory "github.com/flowmetrics/pulse/pkg/queue/memory"
	queueredis "github.com/flowmetrics/pulse/pkg/queue/redis"
	"github.com/flowmetrics/pulse/pkg/store"
	storebadger "github.com/flowmetrics/pulse/pkg/store/badger"
	storememory "github.com/flowmetrics/pulse/pkg/store/memory"
	storemongo "github.com/flowmetrics/pulse/pkg/store/mongo"
	"github.com/flowmetrics/pulse/pkg/worker"
)

// Config holds server configuration.
type Config struct {
	Port string

	// RedisAddr enables the shared cache layer, the durable broker and
	// the dedup markers. Empty = in-process implementations (dev mode).
	RedisAddr     string
	RedisPassword string

	// MongoURI selects the MongoDB store. Empty = DataDir decides.
	MongoURI string
	MongoDB  string

	// DataDir selects the embedded BadgerDB store when MongoURI is
	// empty. Both empty = in-memory store (dev mode).
	DataDir string

	WorkerConcurrency int
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() Config {
	return Config{
		Port:              getEnv("PORT", config.DefaultPort),
		RedisAddr:         os.Getenv("PULSE_REDIS_ADDR"),
		RedisPassword:     os.Getenv("PULSE_REDIS_PASSWORD"),
		MongoURI:          os.Getenv("PULSE_MONGO_URI"),
		MongoDB:           getEnv("PULSE_MONGO_DB", "pulse"),
		DataDir:           os.Getenv("PULSE_DATA_DIR"),
		WorkerConcurrency: int(getEnvInt64("PULSE_WORKERS", config.WorkerConcurrency)),
	}
}

// InitializeStore selects and opens the measurement store: MongoDB when
// configured, embedded BadgerDB when a data directory is given,
// otherwise process memory.
func InitializeStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch {
	case cfg.MongoURI != "":
		log.Printf("Initializing MongoDB store (database %q)...", cfg.MongoDB)
		return storemongo.New(ctx, storemongo.Config{URI: cfg.MongoURI, Database: cfg.MongoDB})
	case cfg.DataDir != "":
		log.Printf("Initializing BadgerDB store at %s...", cfg.DataDir)
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, err
		}
		return storebadger.New(storebadger.Config{Path: cfg.DataDir})
	default:
		log.Println("No store configured, using in-memory store (data is lost on restart)")
		return storememory.New(), nil
	}
}

// InitializeBroker creates the Redis client (when configured), the
// tiered cache, the queue broker and the dedup marker store. All three
// share one client so their state lives and dies together.
func InitializeBroker(ctx context.Context, cfg Config) (*cache.Tiered, queue.Queue, worker.Deduper, func(), error) {
	if cfg.RedisAddr == "" {
		log.Println("No Redis configured, using in-process cache and queue (single node)")
		tiered := cache.New(cachememory.New(), cache.Options{})
		broker := queuememory.New(queuememory.Config{
			MaxAttempts:  config.QueueMaxAttempts,
			StallTimeout: config.QueueStallTimeout,
		})
		return tiered, broker, worker.NewMemoryDeduper(), func() {}, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, nil, nil, err
	}
	log.Printf("Connected to Redis at %s", cfg.RedisAddr)

	tiered := cache.New(cacheredis.NewFromClient(client), cache.Options{})
	broker := queueredis.NewFromClient(client, queueredis.Config{
		MaxAttempts:  config.QueueMaxAttempts,
		StallTimeout: config.QueueStallTimeout,
	})
	dedup := worker.NewRedisDeduper(client, config.DedupTTL)
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Printf("Closing Redis client: %v", err)
		}
	}
	return tiered, broker, dedup, cleanup, nil
}

// getEnv gets a string from an environment variable or returns default.
func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from an environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}
