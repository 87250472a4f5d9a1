/**
 * Queue consumer for the PDF OCR worker
 *
 * Consumes OCR jobs from Redis using Asynq and runs them through the job
 * coordinator. Batch mode only; the CLI processes files directly without a
 * queue round-trip.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	ocrerrors "github.com/alove77580/pdfocr/internal/errors"
	"github.com/alove77580/pdfocr/internal/job"
	"github.com/alove77580/pdfocr/internal/storage"
)

// TaskTypeOCRProcess is the asynq task type for one OCR job.
const TaskTypeOCRProcess = "ocr:process"

// TaskPayload is the wire format of an enqueued OCR job.
type TaskPayload struct {
	JobID   string      `json:"job_id"`
	Path    string      `json:"path"`
	Options job.Options `json:"options"`
}

// JobStore records the lifecycle of enqueued jobs in durable storage.
// Satisfied by *storage.JobStore.
type JobStore interface {
	CreateJob(ctx context.Context, jobID, path string, options interface{}) error
	UpdateStatus(ctx context.Context, jobID, status string) error
	Complete(ctx context.Context, jobID string, c *storage.Completion) error
	Fail(ctx context.Context, jobID, status, errorCode, errorMessage string, details map[string]interface{}) error
}

// Consumer pulls OCR jobs from the queue and executes them.
type Consumer struct {
	client      *asynq.Client
	server      *asynq.Server
	mux         *asynq.ServeMux
	coordinator *job.Coordinator
	store       JobStore
	publisher   *Publisher
	config      *ConsumerConfig
}

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int

	Coordinator *job.Coordinator
	Store       JobStore   // optional; nil disables persistence
	Publisher   *Publisher // optional; nil disables event publishing
}

// NewConsumer creates a queue consumer.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("Coordinator is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at 60s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("Task processing error: type=%s, error=%v", task.Type(), err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client:      client,
		server:      server,
		mux:         mux,
		coordinator: cfg.Coordinator,
		store:       cfg.Store,
		publisher:   cfg.Publisher,
		config:      cfg,
	}

	mux.HandleFunc(TaskTypeOCRProcess, consumer.handleOCRProcess)

	return consumer, nil
}

// Start starts the queue consumer.
func (c *Consumer) Start(ctx context.Context) error {
	log.Printf("Starting queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	go func() {
		if err := c.server.Run(c.mux); err != nil {
			log.Printf("Queue consumer error: %v", err)
		}
	}()

	return nil
}

// Stop stops the queue consumer gracefully.
func (c *Consumer) Stop(ctx context.Context) error {
	log.Printf("Stopping queue consumer...")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	log.Printf("Queue consumer stopped")
	return nil
}

// handleOCRProcess executes one enqueued OCR job.
func (c *Consumer) handleOCRProcess(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	log.Printf("[Job %s] Processing file: %s (source=%s, language=%s)",
		payload.JobID, payload.Path, payload.Options.Source, payload.Options.Language)

	// The row must exist before any status update lands; CreateJob is an
	// upsert, so retried tasks reset their record instead of duplicating it.
	if c.store != nil {
		if serr := c.store.CreateJob(ctx, payload.JobID, payload.Path, payload.Options); serr != nil {
			log.Printf("[Job %s] Warning: Failed to create job record: %v", payload.JobID, serr)
		}
	}
	c.updateStatus(ctx, payload.JobID, string(job.StateProcessing))

	h, err := c.coordinator.SubmitWithID(ctx, payload.JobID, payload.Path, payload.Options)
	if err != nil {
		c.recordFailure(ctx, payload.JobID, err)
		return fmt.Errorf("job submission failed: %w", err)
	}

	for ev := range h.Events {
		if c.publisher == nil {
			continue
		}
		if perr := c.publisher.Publish(ctx, ev); perr != nil {
			log.Printf("[Job %s] Warning: Failed to publish event: %v", payload.JobID, perr)
		}
	}

	result, err := h.Wait()
	if err != nil {
		c.recordFailure(ctx, payload.JobID, err)
		if ocrerrors.CodeOf(err) == ocrerrors.ErrorJobCancelled {
			// Do not retry cancelled jobs
			return fmt.Errorf("job cancelled: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("job failed: %w", err)
	}

	log.Printf("[Job %s] Completed: pages=%d, words=%d, cached=%t, duration=%dms",
		payload.JobID, result.Stats.PagesTotal, result.Stats.Words, result.FromCache, result.DurationMS)

	if c.store != nil {
		if serr := c.store.Complete(ctx, payload.JobID, &storage.Completion{
			PagesTotal:     result.Stats.PagesTotal,
			PagesProcessed: result.Stats.PagesProcessed,
			Words:          result.Stats.Words,
			Chars:          result.Stats.Chars,
			FromCache:      result.FromCache,
			DurationMS:     result.DurationMS,
			OutputPath:     result.OutputPath,
		}); serr != nil {
			log.Printf("[Job %s] Warning: Failed to record completion: %v", payload.JobID, serr)
		}
	}

	return nil
}

func (c *Consumer) updateStatus(ctx context.Context, jobID, status string) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdateStatus(ctx, jobID, status); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to %s: %v", jobID, status, err)
	}
}

func (c *Consumer) recordFailure(ctx context.Context, jobID string, err error) {
	if c.store == nil {
		return
	}

	status := string(job.StateFailed)
	code := string(ocrerrors.CodeOf(err))
	if code == string(ocrerrors.ErrorJobCancelled) {
		status = string(job.StateCancelled)
	}

	var details map[string]interface{}
	var pe *ocrerrors.ProcessingError
	if errors.As(err, &pe) {
		details = pe.ToMap()
	}

	if serr := c.store.Fail(ctx, jobID, status, code, err.Error(), details); serr != nil {
		log.Printf("[Job %s] Warning: Failed to record failure: %v", jobID, serr)
	}
}

// Enqueuer submits OCR jobs to the queue.
type Enqueuer struct {
	client *asynq.Client
	queue  string
}

// NewEnqueuer creates a task submitter for the given queue.
func NewEnqueuer(redisURL, queueName string) (*Enqueuer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Enqueuer{client: asynq.NewClient(redisOpt), queue: queueName}, nil
}

// Enqueue submits one OCR job and returns its assigned job ID.
func (e *Enqueuer) Enqueue(ctx context.Context, path string, opts job.Options) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}

	jobID := uuid.New().String()
	payload, err := json.Marshal(TaskPayload{JobID: jobID, Path: path, Options: opts})
	if err != nil {
		return "", fmt.Errorf("failed to marshal task payload: %w", err)
	}

	task := asynq.NewTask(TaskTypeOCRProcess, payload)
	if _, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
	); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	return jobID, nil
}

// Close releases the underlying Redis client.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
