// Package memory provides a bounded in-process job queue.
package memory

import (
	"context"

	"github.com/openlistings/harvester/internal/listing"
)

// Queue hands jobs from the scheduler to workers over a buffered channel.
type Queue struct {
	jobs chan listing.CrawlJob
}

// New builds a queue with the given depth.
func New(depth int) *Queue {
	if depth <= 0 {
		depth = 64
	}
	return &Queue{jobs: make(chan listing.CrawlJob, depth)}
}

// Enqueue adds a job, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, job listing.CrawlJob) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a job is available or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (listing.CrawlJob, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return listing.CrawlJob{}, ctx.Err()
	}
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}
