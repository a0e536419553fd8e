// Package redis provides a Redis-backed job queue so multiple harvester
// instances can share one scheduler.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openlistings/harvester/internal/listing"
)

const defaultKey = "harvester:jobs"

// blockTimeout bounds each BRPOP so context cancellation is observed promptly.
const blockTimeout = 5 * time.Second

// Options configures the queue connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Queue pushes jobs onto a Redis list and pops them with BRPOP.
type Queue struct {
	client *redis.Client
	key    string
}

// New connects a client and verifies it with a ping.
func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	key := opts.Key
	if key == "" {
		key = defaultKey
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Queue{client: client, key: key}, nil
}

// Close releases the client.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue pushes one job as JSON.
func (q *Queue) Enqueue(ctx context.Context, job listing.CrawlJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue blocks until a job is available or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (listing.CrawlJob, error) {
	for {
		if ctx.Err() != nil {
			return listing.CrawlJob{}, ctx.Err()
		}

		vals, err := q.client.BRPop(ctx, blockTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return listing.CrawlJob{}, ctx.Err()
			}
			return listing.CrawlJob{}, fmt.Errorf("dequeue: %w", err)
		}
		if len(vals) != 2 {
			return listing.CrawlJob{}, fmt.Errorf("dequeue: unexpected BRPOP reply of %d values", len(vals))
		}

		var job listing.CrawlJob
		if err := json.Unmarshal([]byte(vals[1]), &job); err != nil {
			return listing.CrawlJob{}, fmt.Errorf("unmarshal job: %w", err)
		}
		return job, nil
	}
}
