// Package listing defines the core types and collaborator interfaces shared
// across the ingestion pipeline: sources, crawl jobs, raw and normalized
// records, and dedupe clusters.
package listing

import (
	"fmt"
	"net/http"
	"time"
)

// SourceKind selects the extraction strategy for a source.
type SourceKind string

// Source kinds understood by the extractor factory. Unknown kinds fall back
// to the generic selector strategy.
const (
	SourceKindGeneric SourceKind = "generic"
	SourceKindIndeed  SourceKind = "indeed"
)

// Selectors holds the CSS selectors the generic strategy uses to locate a
// listing and its fields. Empty selectors fall back to built-in heuristics.
type Selectors struct {
	Listing  string `json:"listing" mapstructure:"listing"`
	Title    string `json:"title" mapstructure:"title"`
	Org      string `json:"org" mapstructure:"org"`
	Location string `json:"location" mapstructure:"location"`
	Posted   string `json:"posted" mapstructure:"posted"`
	Snippet  string `json:"snippet" mapstructure:"snippet"`
	Salary   string `json:"salary" mapstructure:"salary"`
	IDAttr   string `json:"id_attr" mapstructure:"id_attr"`
}

// SourceConfig describes one external site to ingest. It is immutable during
// a run; updates land between jobs through Repository.UpsertSource.
type SourceConfig struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	BaseURL           string        `json:"base_url"`
	Kind              SourceKind    `json:"kind"`
	Selectors         Selectors     `json:"selectors"`
	PaginationPattern string        `json:"pagination_pattern,omitempty"`
	ScrapeInterval    time.Duration `json:"scrape_interval"`
	MaxPages          int           `json:"max_pages"`
	Active            bool          `json:"active"`
	LastSuccess       *time.Time    `json:"last_success,omitempty"`
	LastAttempt       *time.Time    `json:"last_attempt,omitempty"`
	FailureCount      int           `json:"failure_count"`
}

// JobState represents the lifecycle state of a crawl job.
type JobState string

// Job states persisted by the Repository.
const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateBackoff   JobState = "backoff"
)

// JobCounters tracks per-job pipeline stats for observability.
type JobCounters struct {
	PagesFetched      int `json:"pages_fetched"`
	ListingsExtracted int `json:"listings_extracted"`
	RecordsNormalized int `json:"records_normalized"`
	DuplicatesMerged  int `json:"duplicates_merged"`
	Errors            int `json:"errors"`
}

// CrawlJob is one scheduled or ad-hoc run against a source. IdempotencyKey
// prevents duplicate concurrent jobs for the same source and time bucket.
type CrawlJob struct {
	ID             string      `json:"id"`
	SourceID       string      `json:"source_id"`
	SourceName     string      `json:"source_name"`
	SeedURL        string      `json:"seed_url,omitempty"`
	State          JobState    `json:"state"`
	Attempt        int         `json:"attempt"`
	IdempotencyKey string      `json:"idempotency_key"`
	ScheduledAt    time.Time   `json:"scheduled_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	ErrorText      string      `json:"error_text,omitempty"`
	Counters       JobCounters `json:"counters"`
}

// IdempotencyKey derives the duplicate-suppression key for a source at a
// given time: the schedule interval defines the bucket, so two enqueues
// inside one interval window collide.
func IdempotencyKey(source SourceConfig, now time.Time) string {
	interval := source.ScrapeInterval
	if interval <= 0 {
		interval = time.Hour
	}
	bucket := now.UTC().Truncate(interval)
	return fmt.Sprintf("%s@%s", source.ID, bucket.Format(time.RFC3339))
}

// FetchMetadata records how a page was retrieved.
type FetchMetadata struct {
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
	FetchedAt  time.Time     `json:"fetched_at"`
	PageURL    string        `json:"page_url"`
	PageNum    int           `json:"page_num"`
}

// RawListing is unprocessed extraction output. It is transient: produced by
// the extractor, consumed by the Normalizer, never persisted directly.
type RawListing struct {
	ExternalID   string        `json:"external_id,omitempty"`
	SourceName   string        `json:"source_name"`
	TitleHTML    string        `json:"title_html,omitempty"`
	OrgHTML      string        `json:"org_html,omitempty"`
	LocationText string        `json:"location_text,omitempty"`
	PostedText   string        `json:"posted_text,omitempty"`
	SnippetHTML  string        `json:"snippet_html,omitempty"`
	SalaryText   string        `json:"salary_text,omitempty"`
	URL          string        `json:"url,omitempty"`
	RawPayload   string        `json:"raw_payload"`
	Fetch        FetchMetadata `json:"fetch"`
}

// Location is a structured place; City/Region/Country are empty when the raw
// string could not be split.
type Location struct {
	Raw     string `json:"raw,omitempty"`
	City    string `json:"city,omitempty"`
	Region  string `json:"region,omitempty"`
	Country string `json:"country,omitempty"`
}

// SalaryPeriod is the period the source quoted the salary in. Amounts are
// always stored annualized.
type SalaryPeriod string

// Salary periods.
const (
	SalaryPeriodAnnual SalaryPeriod = "annual"
	SalaryPeriodHourly SalaryPeriod = "hourly"
)

// Salary is an annualized range in integer cents.
type Salary struct {
	MinCents int64        `json:"min_cents"`
	MaxCents int64        `json:"max_cents"`
	Currency string       `json:"currency"`
	Period   SalaryPeriod `json:"period"`
}

// EmploymentType classifies a listing when the source gives enough signal.
type EmploymentType string

// Employment types inferred by the Normalizer.
const (
	EmploymentUnspecified EmploymentType = "unspecified"
	EmploymentFullTime    EmploymentType = "full_time"
	EmploymentPartTime    EmploymentType = "part_time"
	EmploymentContract    EmploymentType = "contract"
	EmploymentTemporary   EmploymentType = "temporary"
	EmploymentInternship  EmploymentType = "internship"
)

// NormalizedRecord is the canonical typed record the pipeline produces.
// Fingerprint is a deterministic hash over a fixed tuple of fields; two
// records with equal fingerprints are exact duplicates.
type NormalizedRecord struct {
	ID           string              `json:"id"`
	Title        string              `json:"title"`
	Organization string              `json:"organization"`
	Location     Location            `json:"location"`
	Snippet      string              `json:"snippet,omitempty"`
	URL          string              `json:"url,omitempty"`
	ExternalID   string              `json:"external_id,omitempty"`
	SourceName   string              `json:"source_name"`
	PostedAt     *time.Time          `json:"posted_at,omitempty"`
	Employment   EmploymentType      `json:"employment"`
	Salary       *Salary             `json:"salary,omitempty"`
	Skills       map[string][]string `json:"skills,omitempty"`
	Fingerprint  string              `json:"fingerprint"`
	FetchedAt    time.Time           `json:"fetched_at"`
	NormalizedAt time.Time           `json:"normalized_at"`
}

// Completeness counts non-empty fields; the Deduplicator uses it to pick a
// cluster winner.
func (r NormalizedRecord) Completeness() int {
	n := 0
	if r.Title != "" {
		n++
	}
	if r.Organization != "" {
		n++
	}
	if r.Location.Raw != "" {
		n++
	}
	if r.Snippet != "" {
		n++
	}
	if r.URL != "" {
		n++
	}
	if r.ExternalID != "" {
		n++
	}
	if r.PostedAt != nil {
		n++
	}
	if r.Employment != "" && r.Employment != EmploymentUnspecified {
		n++
	}
	if r.Salary != nil {
		n++
	}
	if len(r.Skills) > 0 {
		n++
	}
	return n
}

// MergedRecord is a non-canonical cluster member with provenance back to the
// winner that absorbed it.
type MergedRecord struct {
	Record     NormalizedRecord `json:"record"`
	MergedInto string           `json:"merged_into"`
	Similarity float64          `json:"similarity"`
}

// DedupeCluster groups records judged to be the same underlying listing.
// Every record belongs to exactly one cluster.
type DedupeCluster struct {
	Canonical NormalizedRecord `json:"canonical"`
	Merged    []MergedRecord   `json:"merged,omitempty"`
}

// FetchResult is what the rate-limited fetcher returns for one page.
type FetchResult struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Headers    http.Header   `json:"headers,omitempty"`
	Body       []byte        `json:"body"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
}

// PersistResult reports what a batch persistence call did.
type PersistResult struct {
	Inserted int `json:"inserted"`
	Merged   int `json:"merged"`
}

// JobSummary is the payload published when a job finishes.
type JobSummary struct {
	JobID      string      `json:"job_id"`
	SourceName string      `json:"source_name"`
	State      JobState    `json:"state"`
	Counters   JobCounters `json:"counters"`
	Inserted   int         `json:"inserted"`
	Merged     int         `json:"merged"`
	FinishedAt time.Time   `json:"finished_at"`
}
