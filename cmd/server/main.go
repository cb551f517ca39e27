package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowmetrics/pulse/pkg/config"
	"github.com/flowmetrics/pulse/pkg/data"
	"github.com/flowmetrics/pulse/pkg/measurement"
	"github.com/flowmetrics/pulse/pkg/queue"
	"github.com/flowmetrics/pulse/pkg/realtime"
	"github.com/flowmetrics/pulse/pkg/server"
	"github.com/flowmetrics/pulse/pkg/worker"
)

func main() {
	log.Println("🚀 Starting Pulse server...")

	cfg := server.LoadConfig()
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer startupCancel()

	// Store (source of truth)
	store, err := server.InitializeStore(startupCtx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize store: %v", err)
	}
	defer store.Close()
	log.Println("✅ Measurement store ready")

	// Tiered cache, queue broker and dedup markers
	tiered, broker, dedup, cleanup, err := server.InitializeBroker(startupCtx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize cache/broker: %v", err)
	}
	defer cleanup()
	defer broker.Close()
	log.Println("✅ Tiered cache and batch queue ready")

	svc := data.New(store, tiered, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// WebSocket hub for realtime stats streaming
	hub := realtime.NewHub()
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	log.Println("📡 Realtime hub started")

	// Worker pool consuming the batch queue. Completed batches push their
	// fresh stats straight to connected dashboards.
	processor := worker.NewProcessor(store, tiered, dedup)
	pool := worker.New(broker, worker.Config{Concurrency: cfg.WorkerConcurrency}, worker.Callbacks{
		OnCompleted: func(job queue.Job, result any) {
			if res, ok := result.(measurement.ProcessResult); ok {
				log.Printf("✅ Batch %s completed (%d measurements)", res.BatchID, res.ProcessedCount)
				if err := hub.Broadcast(statsUpdate{
					Type:      "batch_completed",
					Timestamp: time.Now().Unix(),
					Stats:     res.Stats,
				}); err != nil {
					log.Printf("❌ Failed to broadcast batch completion: %v", err)
				}
			}
		},
		OnFailed: func(job queue.Job, err error, requeued bool) {
			if requeued {
				log.Printf("⚠️  Job %s failed, retrying: %v", job.ID, err)
			} else {
				log.Printf("❌ Job %s failed terminally: %v", job.ID, err)
			}
		},
		OnStalled: func(job queue.Job) {
			log.Printf("⚠️  Job %s stalled, re-delivered", job.ID)
		},
	})
	processor.Register(pool)

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	log.Printf("⚙️  Batch workers started (concurrency %d)", cfg.WorkerConcurrency)

	// Periodic stats broadcaster for connected dashboards
	wg.Add(1)
	go func() {
		defer wg.Done()
		broadcastStats(ctx, svc, hub)
	}()

	// HTTP layer
	router := mux.NewRouter()
	server.SetupRoutes(router, server.NewHandlers(svc, hub))

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		log.Printf("🌐 Server listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutdown signal received...")

	// Stop background goroutines before waiting on them
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	log.Println("🔄 Gracefully shutting down HTTP server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown warning: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("✅ All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("⚠️  Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("👋 Pulse server exited cleanly")
}

// broadcastStats periodically pushes realtime stats to WebSocket clients.
func broadcastStats(ctx context.Context, svc *data.Service, hub *realtime.Hub) {
	ticker := time.NewTicker(config.RealtimeBroadcastEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Skip the query entirely when nobody is connected
			if !hub.HasClients() {
				continue
			}
			snap, err := svc.GetRealtimeStats(ctx)
			if err != nil {
				log.Printf("❌ Failed to compute stats for broadcast: %v", err)
				continue
			}
			if err := hub.Broadcast(statsUpdate{
				Type:      "stats_update",
				Timestamp: time.Now().Unix(),
				Stats:     snap,
			}); err != nil {
				log.Printf("❌ Failed to broadcast stats: %v", err)
			}
		}
	}
}

type statsUpdate struct {
	Type      string                    `json:"type"`
	Timestamp int64                     `json:"timestamp"`
	Stats     measurement.StatsSnapshot `json:"stats"`
}
