// Package schedule decides which sources are due for a crawl and enqueues
// jobs, with exponential backoff for repeatedly failing sources.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/listing"
)

// Scheduler selects due sources and creates idempotent crawl jobs.
type Scheduler struct {
	repo       listing.Repository
	queue      listing.Queue
	clock      listing.Clock
	ids        listing.IDGenerator
	maxBackoff time.Duration
	logger     *zap.Logger
}

// New builds a Scheduler. maxBackoff caps the failure backoff; non-positive
// means one day.
func New(repo listing.Repository, queue listing.Queue, clock listing.Clock, ids listing.IDGenerator, maxBackoff time.Duration, logger *zap.Logger) *Scheduler {
	if maxBackoff <= 0 {
		maxBackoff = 24 * time.Hour
	}
	return &Scheduler{
		repo:       repo,
		queue:      queue,
		clock:      clock,
		ids:        ids,
		maxBackoff: maxBackoff,
		logger:     logger,
	}
}

// DueSources returns the active sources whose interval has elapsed and whose
// failure backoff window has passed.
func (s *Scheduler) DueSources(ctx context.Context) ([]listing.SourceConfig, error) {
	sources, err := s.repo.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	now := s.clock.Now()
	var due []listing.SourceConfig
	for _, src := range sources {
		if src.Active && s.due(src, now) {
			due = append(due, src)
		}
	}
	return due, nil
}

func (s *Scheduler) due(src listing.SourceConfig, now time.Time) bool {
	return !now.Before(s.NextEligible(src))
}

// NextEligible is the earliest instant a source may run again: the nominal
// interval from its last success, pushed out by failure backoff from its
// last attempt. Both constraints compose; the later one wins.
func (s *Scheduler) NextEligible(src listing.SourceConfig) time.Time {
	interval := src.ScrapeInterval
	if interval <= 0 {
		interval = time.Hour
	}

	var eligible time.Time
	if src.LastSuccess != nil {
		eligible = src.LastSuccess.Add(interval)
	}

	if src.FailureCount > 0 && src.LastAttempt != nil {
		backoff := interval << (src.FailureCount - 1)
		if backoff > s.maxBackoff || backoff <= 0 {
			backoff = s.maxBackoff
		}
		if retryAt := src.LastAttempt.Add(backoff); retryAt.After(eligible) {
			eligible = retryAt
		}
	}
	return eligible
}

// Enqueue creates and queues a job for the source. force skips the dueness
// check but never the idempotency key: a pending or running job for the same
// key is returned as-is wrapped in ErrAlreadyQueued.
func (s *Scheduler) Enqueue(ctx context.Context, src listing.SourceConfig, force bool) (listing.CrawlJob, error) {
	now := s.clock.Now()
	if !force && !s.due(src, now) {
		return listing.CrawlJob{}, fmt.Errorf("source %s not due until %s", src.ID, s.NextEligible(src).Format(time.RFC3339))
	}

	key := listing.IdempotencyKey(src, now)
	existing, err := s.repo.FindJobByKey(ctx, key)
	switch {
	case err == nil:
		if existing.State == listing.JobStatePending || existing.State == listing.JobStateRunning {
			return existing, fmt.Errorf("source %s job %s: %w", src.ID, existing.ID, listing.ErrAlreadyQueued)
		}
	case !errors.Is(err, listing.ErrJobNotFound):
		// A transient lookup failure must not slip past the idempotency
		// check and create a duplicate job.
		return listing.CrawlJob{}, fmt.Errorf("enqueue %s: find job by key: %w", src.ID, err)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return listing.CrawlJob{}, fmt.Errorf("enqueue %s: new job id: %w", src.ID, err)
	}

	job := listing.CrawlJob{
		ID:             id,
		SourceID:       src.ID,
		SourceName:     src.Name,
		SeedURL:        src.BaseURL,
		State:          listing.JobStatePending,
		Attempt:        src.FailureCount + 1,
		IdempotencyKey: key,
		ScheduledAt:    now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return listing.CrawlJob{}, fmt.Errorf("enqueue %s: create job: %w", src.ID, err)
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return listing.CrawlJob{}, fmt.Errorf("enqueue %s: queue push: %w", src.ID, err)
	}

	s.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("source", src.ID),
		zap.String("idempotency_key", key),
	)
	return job, nil
}

// Tick runs one scheduling pass: every due source gets a job. ErrAlreadyQueued
// is expected and skipped; other enqueue failures are logged and the pass
// continues.
func (s *Scheduler) Tick(ctx context.Context) error {
	due, err := s.DueSources(ctx)
	if err != nil {
		return err
	}
	for _, src := range due {
		if _, err := s.Enqueue(ctx, src, false); err != nil {
			if !isAlreadyQueued(err) {
				s.logger.Warn("enqueue failed", zap.String("source", src.ID), zap.Error(err))
			}
		}
	}
	return nil
}
