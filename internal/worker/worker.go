// Package worker orchestrates one crawl job at a time through fetch →
// extract → normalize → dedupe → persist, recording outcomes and counters.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/dedupe"
	"github.com/openlistings/harvester/internal/extract"
	"github.com/openlistings/harvester/internal/fetch/headless"
	"github.com/openlistings/harvester/internal/listing"
	"github.com/openlistings/harvester/internal/metrics"
	"github.com/openlistings/harvester/internal/normalize"
)

// Deps are the collaborators one Worker needs. Blob, Publisher, and Headless
// are optional; nil disables snapshots, summary events, and headless
// promotion respectively.
type Deps struct {
	Repo       listing.Repository
	Queue      listing.Queue
	Fetcher    listing.Fetcher
	Headless   listing.PageGetter
	Gate       listing.ComplianceGate
	Normalizer *normalize.Normalizer
	Deduper    *dedupe.Deduplicator
	Blob       listing.BlobStore
	Publisher  listing.Publisher
	Clock      listing.Clock
	Logger     *zap.Logger
}

// Config tunes worker behavior.
type Config struct {
	MaxPagesDefault int
	JobTimeout      time.Duration
	SnapshotPages   bool
	SummaryTopic    string
}

// Worker pulls jobs from the queue and runs them to completion. Multiple
// workers run in parallel; pacing and idempotency are enforced by the shared
// fetcher and scheduler, not here.
type Worker struct {
	deps Deps
	cfg  Config
}

// New builds a Worker.
func New(deps Deps, cfg Config) *Worker {
	if cfg.MaxPagesDefault <= 0 {
		cfg.MaxPagesDefault = 10
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	return &Worker{deps: deps, cfg: cfg}
}

// Run processes jobs until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		job, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.deps.Logger.Warn("dequeue failed", zap.Error(err))
			continue
		}
		w.RunJob(ctx, job)
	}
}

// RunJob drives one job through the pipeline. Per-item failures are counted
// and skipped; per-job failures mark the job failed. A mid-job fetch failure
// still persists everything processed so far.
func (w *Worker) RunJob(ctx context.Context, job listing.CrawlJob) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.deps.Logger.With(
		zap.String("job_id", job.ID),
		zap.String("source", job.SourceID),
	)

	jctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	started := w.deps.Clock.Now()
	job.StartedAt = &started
	if err := w.deps.Repo.UpdateJobState(ctx, job.ID, listing.JobStateRunning, "", job.Counters); err != nil {
		logger.Error("mark job running failed", zap.Error(err))
	}

	src, err := w.deps.Repo.GetSource(jctx, job.SourceID)
	if err != nil {
		w.finishJob(ctx, job, listing.JobStateFailed, fmt.Sprintf("load source: %v", err), listing.JobCounters{}, listing.PersistResult{}, logger)
		return
	}

	counters := listing.JobCounters{}
	raws, fetchAbort := w.paginate(jctx, job, src, &counters, logger)

	records := w.normalizeAll(raws, src, &counters, logger)

	var persist listing.PersistResult
	var persistErr error
	if len(records) > 0 {
		persist, persistErr = w.dedupeAndPersist(jctx, job, src, records, &counters, logger)
	}

	state, errText := finalState(fetchAbort, persistErr, counters)
	w.finishJob(ctx, job, state, errText, counters, persist, logger)
}

// paginate follows result pages up to the source's limit, accumulating raw
// listings. The returned error, when non-nil, is the fetch failure that
// aborted pagination early.
func (w *Worker) paginate(ctx context.Context, job listing.CrawlJob, src listing.SourceConfig, counters *listing.JobCounters, logger *zap.Logger) ([]listing.RawListing, error) {
	strategy := extract.ForSource(src.Kind)

	maxPages := src.MaxPages
	if maxPages <= 0 {
		maxPages = w.cfg.MaxPagesDefault
	}

	pageURL := job.SeedURL
	if pageURL == "" {
		pageURL = src.BaseURL
	}

	var raws []listing.RawListing
	for page := 1; page <= maxPages && pageURL != ""; page++ {
		if ctx.Err() != nil {
			return raws, ctx.Err()
		}

		headers := w.deps.Gate.CompliantHeaders(pageURL)
		res, err := w.deps.Fetcher.Fetch(ctx, pageURL, headers)
		if err != nil {
			counters.Errors++
			logger.Warn("page fetch failed, aborting pagination",
				zap.String("url", pageURL),
				zap.Int("page", page),
				zap.Error(err),
			)
			return raws, err
		}
		counters.PagesFetched++

		html := string(res.Body)
		if allowed, reason := w.deps.Gate.CheckMetaRobots(html); !allowed {
			counters.Errors++
			logger.Warn("meta robots blocks page", zap.String("url", pageURL), zap.String("reason", reason))
			return raws, nil
		}

		w.snapshot(ctx, job, src, page, res.Body, logger)

		meta := listing.FetchMetadata{
			StatusCode: res.StatusCode,
			Duration:   res.Duration,
			FetchedAt:  w.deps.Clock.Now(),
			PageURL:    pageURL,
			PageNum:    page,
		}

		pageRaws := strategy.Extract(html, src, meta)
		if len(pageRaws) == 0 && w.deps.Headless != nil && headless.LooksJSRendered(res.Body) {
			logger.Info("page looks JS-rendered, promoting to headless", zap.String("url", pageURL))
			if hres, herr := w.deps.Headless.Get(ctx, pageURL, headers); herr == nil {
				html = string(hres.Body)
				pageRaws = strategy.Extract(html, src, meta)
			} else {
				counters.Errors++
				logger.Warn("headless render failed", zap.String("url", pageURL), zap.Error(herr))
			}
		}

		counters.ListingsExtracted += len(pageRaws)
		metrics.ObserveListingsExtracted(src.Name, len(pageRaws))
		raws = append(raws, pageRaws...)

		pageURL = strategy.PaginationTarget(html, src, pageURL)
	}
	return raws, nil
}

func (w *Worker) normalizeAll(raws []listing.RawListing, src listing.SourceConfig, counters *listing.JobCounters, logger *zap.Logger) []listing.NormalizedRecord {
	records := make([]listing.NormalizedRecord, 0, len(raws))
	for _, raw := range raws {
		rec, err := w.deps.Normalizer.Normalize(raw)
		if err != nil {
			var nerr *listing.NormalizationError
			if errors.As(err, &nerr) {
				counters.Errors++
				metrics.ObserveNormalized(src.Name, "skipped")
				logger.Debug("listing skipped", zap.String("reason", nerr.Reason))
				continue
			}
			counters.Errors++
			logger.Error("normalize failed", zap.Error(err))
			continue
		}
		counters.RecordsNormalized++
		metrics.ObserveNormalized(src.Name, "ok")
		records = append(records, rec)
	}
	return records
}

func (w *Worker) dedupeAndPersist(ctx context.Context, job listing.CrawlJob, src listing.SourceConfig, records []listing.NormalizedRecord, counters *listing.JobCounters, logger *zap.Logger) (listing.PersistResult, error) {
	clusters, err := w.deps.Deduper.Dedupe(ctx, records)
	if err != nil {
		counters.Errors++
		return listing.PersistResult{}, fmt.Errorf("dedupe: %w", err)
	}
	for _, c := range clusters {
		counters.DuplicatesMerged += len(c.Merged)
	}
	metrics.ObserveDuplicatesMerged(src.Name, counters.DuplicatesMerged)

	persist, err := w.deps.Repo.PersistNormalizedBatch(ctx, clusters, job)
	if err != nil {
		counters.Errors++
		return listing.PersistResult{}, fmt.Errorf("persist batch: %w", err)
	}
	logger.Info("batch persisted",
		zap.Int("clusters", len(clusters)),
		zap.Int("inserted", persist.Inserted),
		zap.Int("merged", persist.Merged),
	)
	return persist, nil
}

func (w *Worker) snapshot(ctx context.Context, job listing.CrawlJob, src listing.SourceConfig, page int, body []byte, logger *zap.Logger) {
	if !w.cfg.SnapshotPages || w.deps.Blob == nil {
		return
	}
	path := fmt.Sprintf("%s/%s/page-%04d.html", src.ID, job.ID, page)
	uri, err := w.deps.Blob.Put(ctx, path, "text/html", body)
	if err != nil {
		logger.Warn("page snapshot failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("page snapshot stored", zap.String("uri", uri))
}

// finalState decides the job outcome. Persistence failures and job-fatal
// fetch errors fail the job; a fetch abort after at least one good page is a
// recorded partial success.
func finalState(fetchAbort, persistErr error, counters listing.JobCounters) (listing.JobState, string) {
	if persistErr != nil {
		return listing.JobStateFailed, persistErr.Error()
	}
	if fetchAbort != nil {
		var fe *listing.FetchError
		if errors.As(fetchAbort, &fe) && fe.JobFatal() {
			return listing.JobStateFailed, fetchAbort.Error()
		}
		if counters.PagesFetched == 0 {
			return listing.JobStateFailed, fetchAbort.Error()
		}
		return listing.JobStateSucceeded, fmt.Sprintf("partial: %v", fetchAbort)
	}
	return listing.JobStateSucceeded, ""
}

func (w *Worker) finishJob(ctx context.Context, job listing.CrawlJob, state listing.JobState, errText string, counters listing.JobCounters, persist listing.PersistResult, logger *zap.Logger) {
	finished := w.deps.Clock.Now()

	if err := w.deps.Repo.UpdateJobState(ctx, job.ID, state, errText, counters); err != nil {
		logger.Error("record job outcome failed", zap.Error(err))
	}

	var succeededAt *time.Time
	if state == listing.JobStateSucceeded {
		succeededAt = &finished
	}
	if err := w.deps.Repo.RecordSourceOutcome(ctx, job.SourceID, succeededAt); err != nil {
		logger.Error("record source outcome failed", zap.Error(err))
	}

	metrics.ObserveJob(string(state))
	w.publishSummary(ctx, job, state, counters, persist, finished, logger)

	logger.Info("job finished",
		zap.String("state", string(state)),
		zap.Int("pages", counters.PagesFetched),
		zap.Int("listings", counters.ListingsExtracted),
		zap.Int("normalized", counters.RecordsNormalized),
		zap.Int("merged", counters.DuplicatesMerged),
		zap.Int("errors", counters.Errors),
	)
}

func (w *Worker) publishSummary(ctx context.Context, job listing.CrawlJob, state listing.JobState, counters listing.JobCounters, persist listing.PersistResult, finished time.Time, logger *zap.Logger) {
	if w.deps.Publisher == nil || w.cfg.SummaryTopic == "" {
		return
	}
	summary := listing.JobSummary{
		JobID:      job.ID,
		SourceName: job.SourceName,
		State:      state,
		Counters:   counters,
		Inserted:   persist.Inserted,
		Merged:     persist.Merged,
		FinishedAt: finished,
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.SummaryTopic, summary); err != nil {
		logger.Warn("summary publish failed", zap.Error(err))
	}
}
