package listing

import (
	"context"
	"net/http"
	"time"
)

// Repository owns all storage and transactional guarantees for sources,
// jobs, and normalized records.
type Repository interface {
	UpsertSource(ctx context.Context, source SourceConfig) error
	GetSource(ctx context.Context, sourceID string) (SourceConfig, error)
	ListSources(ctx context.Context) ([]SourceConfig, error)
	RecordSourceOutcome(ctx context.Context, sourceID string, succeededAt *time.Time) error

	CreateJob(ctx context.Context, job CrawlJob) error
	UpdateJobState(ctx context.Context, jobID string, state JobState, errText string, counters JobCounters) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
	FindJobByKey(ctx context.Context, idempotencyKey string) (CrawlJob, error)

	// PersistNormalizedBatch stores deduplicated clusters in one transaction
	// and reports how many canonical records were inserted vs merged into
	// existing rows.
	PersistNormalizedBatch(ctx context.Context, clusters []DedupeCluster, job CrawlJob) (PersistResult, error)

	// FindCandidatesForDedupe returns existing records for the organization,
	// bounding corpus comparison to index candidates.
	FindCandidatesForDedupe(ctx context.Context, organization string) ([]NormalizedRecord, error)
}

// ComplianceGate is consulted before every fetch. A denial is a fetch
// failure with no retry.
type ComplianceGate interface {
	CheckURLAllowed(ctx context.Context, url string) (allowed bool, reason string)
	CheckMetaRobots(html string) (allowed bool, reason string)
	CompliantHeaders(url string) http.Header
}

// KeywordExtractor returns categorized keyword sets for a content string.
// Pure from the pipeline's perspective.
type KeywordExtractor interface {
	Extract(text string) map[string][]string
}

// Fetcher performs one rate-limited, retrying page fetch.
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers http.Header) (FetchResult, error)
}

// PageGetter is the low-level single-attempt transport the fetcher retries
// over (colly or headless chromedp).
type PageGetter interface {
	Get(ctx context.Context, url string, headers http.Header) (FetchResult, error)
}

// Queue hands CrawlJobs from the scheduler to workers.
type Queue interface {
	Enqueue(ctx context.Context, job CrawlJob) error
	Dequeue(ctx context.Context) (CrawlJob, error)
}

// BlobStore archives raw page snapshots and returns a URI.
type BlobStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes job summary events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (seam for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
