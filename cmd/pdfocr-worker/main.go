/**
 * PDF OCR Worker - Main Entry Point
 *
 * Batch-mode worker for PDF text extraction.
 *
 * Architecture:
 * - Asynq consumer for the Redis-backed job queue
 * - Job coordinator: validate, resolve, render, per-page OCR pool, aggregate
 * - Poppler (pdftoppm/pdfinfo) rasterization + Tesseract/Baidu OCR engines
 * - Result cache keyed on file state and OCR options
 * - PostgreSQL persistence of job records
 * - Redis pub/sub event relay for live progress
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/alove77580/pdfocr/internal/config"
	"github.com/alove77580/pdfocr/internal/job"
	"github.com/alove77580/pdfocr/internal/logging"
	"github.com/alove77580/pdfocr/internal/queue"
	"github.com/alove77580/pdfocr/internal/storage"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("PDF OCR Worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Queue=%s, Concurrency=%d, Cache=%s",
		cfg.RedisURL, cfg.QueueName, cfg.Concurrency, cfg.CacheDir)

	// Initialize job store (optional: worker runs without persistence)
	var store *storage.JobStore
	if cfg.DatabaseURL != "" {
		log.Printf("Connecting to PostgreSQL...")
		store, err = storage.NewJobStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize job store: %v", err)
		}
		defer store.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := store.Migrate(migrateCtx); err != nil {
			cancel()
			log.Fatalf("Failed to migrate job store: %v", err)
		}
		cancel()
		log.Printf("Job store initialized")
	} else {
		log.Printf("DATABASE_URL not set, job persistence disabled")
	}

	// Initialize event publisher
	log.Printf("Connecting event publisher to Redis...")
	publisher, err := queue.NewPublisher(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to initialize event publisher: %v", err)
	}
	defer publisher.Close()

	// The Redis client connects lazily; fail now rather than on the first job
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := publisher.Ping(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("Failed to reach Redis at %s: %v", cfg.RedisURL, err)
	}
	cancelPing()

	// Initialize job coordinator
	coordinator := job.NewCoordinator(cfg, logging.NewLogger("worker"))
	log.Printf("Job coordinator initialized (pool ceiling=%d, page timeout=%v)",
		cfg.PoolCeiling, cfg.PageTimeout)

	// Initialize queue consumer
	log.Printf("Connecting to Redis queue...")
	consumerCfg := &queue.ConsumerConfig{
		RedisURL:    cfg.RedisURL,
		QueueName:   cfg.QueueName,
		Concurrency: cfg.Concurrency,
		Coordinator: coordinator,
		Publisher:   publisher,
	}
	if store != nil {
		consumerCfg.Store = store
	}
	consumer, err := queue.NewConsumer(consumerCfg)
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}

	ctx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	if err := consumer.Start(ctx); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	if store != nil {
		go healthLoop(ctx, store)
	}

	// Print startup summary
	log.Printf("===========================================")
	log.Printf("PDF OCR Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s", cfg.QueueName)
	log.Printf("Concurrency: %d", cfg.Concurrency)
	log.Printf("Page timeout: %v", cfg.PageTimeout)
	log.Printf("Cache directory: %s", cfg.CacheDir)
	log.Printf("Baidu OCR: %t", cfg.HasBaiduCredentials())
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := consumer.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	}

	log.Printf("Shutdown complete")
}

// healthLoop pings the database every minute and logs connection pool usage,
// so a dead database shows up in the worker log before jobs start failing.
func healthLoop(ctx context.Context, store *storage.JobStore) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := store.Ping(pingCtx)
			cancel()
			if err != nil {
				log.Printf("Warning: Database health check failed: %v", err)
				continue
			}
			stats := store.Stats()
			log.Printf("Database healthy (open=%d, in_use=%d, idle=%d)",
				stats.OpenConnections, stats.InUse, stats.Idle)
		}
	}
}
