/**
 * Event publisher for the PDF OCR worker
 *
 * Relays job events onto per-job Redis pub/sub channels so clients outside
 * the worker process (the CLI in watch mode, dashboards) can follow progress
 * live. Events are fire-and-forget: a publish failure never fails the job.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alove77580/pdfocr/internal/job"
)

const eventChannelPrefix = "pdfocr:events:"

// EventChannel names the pub/sub channel for one job.
func EventChannel(jobID string) string {
	return eventChannelPrefix + jobID
}

// Publisher relays job events to Redis pub/sub.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher connects a publisher to Redis.
func NewPublisher(redisURL string) (*Publisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Publisher{rdb: redis.NewClient(opt)}, nil
}

// Publish sends one event to the job's channel.
func (p *Publisher) Publish(ctx context.Context, ev job.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.rdb.Publish(ctx, EventChannel(ev.JobID), payload).Err()
}

// Subscribe follows the event stream of one job. The returned channel closes
// when ctx is cancelled or the job reaches a terminal state.
func (p *Publisher) Subscribe(ctx context.Context, jobID string) (<-chan job.Event, error) {
	sub := p.rdb.Subscribe(ctx, EventChannel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan job.Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev job.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				out <- ev
				if ev.Kind == job.EventState && ev.State.Terminal() {
					return
				}
			}
		}
	}()

	return out, nil
}

// Ping checks Redis connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
