package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	blobmem "github.com/openlistings/harvester/internal/blob/memory"
	"github.com/openlistings/harvester/internal/dedupe"
	"github.com/openlistings/harvester/internal/listing"
	"github.com/openlistings/harvester/internal/metrics"
	"github.com/openlistings/harvester/internal/normalize"
	pubmem "github.com/openlistings/harvester/internal/publish/memory"
)

func init() {
	metrics.Init()
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%03d", g.n), nil
}

type stubKeywords struct{}

func (stubKeywords) Extract(string) map[string][]string { return map[string][]string{} }

type openGate struct{}

func (openGate) CheckURLAllowed(context.Context, string) (bool, string) { return true, "" }
func (openGate) CheckMetaRobots(string) (bool, string)                  { return true, "" }
func (openGate) CompliantHeaders(string) http.Header                    { return http.Header{} }

type scriptedFetcher struct {
	pages map[string]string
	errs  map[string]error
	calls []string
}

func (f *scriptedFetcher) Fetch(_ context.Context, url string, _ http.Header) (listing.FetchResult, error) {
	f.calls = append(f.calls, url)
	if err, ok := f.errs[url]; ok {
		return listing.FetchResult{}, err
	}
	body, ok := f.pages[url]
	if !ok {
		return listing.FetchResult{}, &listing.FetchError{Kind: listing.FetchErrHTTPStatus, URL: url, StatusCode: 404}
	}
	return listing.FetchResult{URL: url, StatusCode: 200, Body: []byte(body), Attempts: 1}, nil
}

type memRepo struct {
	mu         sync.Mutex
	sources    map[string]listing.SourceConfig
	jobStates  []listing.JobState
	lastErr    string
	counters   listing.JobCounters
	persisted  [][]listing.DedupeCluster
	outcomes   []*time.Time
	candidates map[string][]listing.NormalizedRecord
}

func newMemRepo(src listing.SourceConfig) *memRepo {
	return &memRepo{
		sources:    map[string]listing.SourceConfig{src.ID: src},
		candidates: map[string][]listing.NormalizedRecord{},
	}
}

func (r *memRepo) UpsertSource(_ context.Context, s listing.SourceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[s.ID] = s
	return nil
}

func (r *memRepo) GetSource(_ context.Context, id string) (listing.SourceConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[id]
	if !ok {
		return listing.SourceConfig{}, listing.ErrSourceNotFound
	}
	return s, nil
}

func (r *memRepo) ListSources(context.Context) ([]listing.SourceConfig, error) { return nil, nil }

func (r *memRepo) RecordSourceOutcome(_ context.Context, _ string, succeededAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, succeededAt)
	return nil
}

func (r *memRepo) CreateJob(context.Context, listing.CrawlJob) error { return nil }

func (r *memRepo) UpdateJobState(_ context.Context, _ string, state listing.JobState, errText string, counters listing.JobCounters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobStates = append(r.jobStates, state)
	r.lastErr = errText
	r.counters = counters
	return nil
}

func (r *memRepo) GetJob(context.Context, string) (listing.CrawlJob, error) {
	return listing.CrawlJob{}, listing.ErrJobNotFound
}

func (r *memRepo) FindJobByKey(context.Context, string) (listing.CrawlJob, error) {
	return listing.CrawlJob{}, listing.ErrJobNotFound
}

func (r *memRepo) PersistNormalizedBatch(_ context.Context, clusters []listing.DedupeCluster, _ listing.CrawlJob) (listing.PersistResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted = append(r.persisted, clusters)
	merged := 0
	for _, c := range clusters {
		merged += len(c.Merged)
	}
	return listing.PersistResult{Inserted: len(clusters), Merged: merged}, nil
}

func (r *memRepo) FindCandidatesForDedupe(_ context.Context, org string) ([]listing.NormalizedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.candidates[org], nil
}

type capturePublisher struct {
	mu        sync.Mutex
	summaries []listing.JobSummary
}

func (p *capturePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summaries = append(p.summaries, payload.(listing.JobSummary))
	return "msg-1", nil
}

const pageOne = `<html><body>
<div class="job" data-job-id="j1">
	<h2>Senior Backend Engineer</h2>
	<span class="company">Acme Inc</span>
	<span class="location">Berlin, Germany</span>
	<a href="/jobs/j1">view</a>
</div>
<div class="job" data-job-id="j2">
	<h2>Data Engineer</h2>
	<span class="company">Acme Inc</span>
	<a href="/jobs/j2">view</a>
</div>
<a rel="next" href="/search?page=2">Next</a>
</body></html>`

const pageTwo = `<html><body>
<div class="job" data-job-id="j3">
	<h2>Platform Engineer</h2>
	<span class="company">Globex</span>
	<a href="/jobs/j3">view</a>
</div>
</body></html>`

// pageWithBadListing holds one valid listing and one with no title and no id.
const pageWithBadListing = `<html><body>
<div class="job" data-job-id="ok1">
	<h2>Good Listing</h2>
	<span class="company">Initech</span>
	<a href="/jobs/ok1">view</a>
</div>
<div class="job">
	<span class="company">Mystery Org</span>
	no title, no id, no link
</div>
</body></html>`

func testSource() listing.SourceConfig {
	return listing.SourceConfig{
		ID:      "acme",
		Name:    "Acme Jobs",
		BaseURL: "https://jobs.example.com/search",
		Kind:    listing.SourceKindGeneric,
		Selectors: listing.Selectors{
			Listing: ".job",
			Title:   "h2",
			Org:     ".company",
		},
		MaxPages: 5,
		Active:   true,
	}
}

func testJob() listing.CrawlJob {
	return listing.CrawlJob{
		ID:         "job-1",
		SourceID:   "acme",
		SourceName: "Acme Jobs",
		SeedURL:    "https://jobs.example.com/search",
		State:      listing.JobStatePending,
	}
}

func newTestWorker(repo *memRepo, fetcher *scriptedFetcher, pub *capturePublisher) *Worker {
	clock := &fixedClock{t: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)}
	ids := &seqIDs{}
	logger := zap.NewNop()
	return New(Deps{
		Repo:       repo,
		Fetcher:    fetcher,
		Gate:       openGate{},
		Normalizer: normalize.New(stubKeywords{}, clock, ids),
		Deduper:    dedupe.New(repo, 0.85, logger),
		Publisher:  pub,
		Clock:      clock,
		Logger:     logger,
	}, Config{MaxPagesDefault: 10, JobTimeout: time.Minute, SummaryTopic: "job-summaries"})
}

func TestRunJobHappyPathAcrossPages(t *testing.T) {
	repo := newMemRepo(testSource())
	fetcher := &scriptedFetcher{pages: map[string]string{
		"https://jobs.example.com/search":        pageOne,
		"https://jobs.example.com/search?page=2": pageTwo,
	}}
	pub := &capturePublisher{}

	newTestWorker(repo, fetcher, pub).RunJob(context.Background(), testJob())

	require.Equal(t, []listing.JobState{listing.JobStateRunning, listing.JobStateSucceeded}, repo.jobStates)
	require.Empty(t, repo.lastErr)
	require.Equal(t, 2, repo.counters.PagesFetched)
	require.Equal(t, 3, repo.counters.ListingsExtracted)
	require.Equal(t, 3, repo.counters.RecordsNormalized)
	require.Zero(t, repo.counters.Errors)

	// One persistence call per job.
	require.Len(t, repo.persisted, 1)
	require.Len(t, repo.persisted[0], 3)

	// Success recorded against the source.
	require.Len(t, repo.outcomes, 1)
	require.NotNil(t, repo.outcomes[0])

	// Summary event published.
	require.Len(t, pub.summaries, 1)
	require.Equal(t, listing.JobStateSucceeded, pub.summaries[0].State)
	require.Equal(t, 3, pub.summaries[0].Inserted)
}

func TestRunJobPartialSuccessOnMidJobFetchFailure(t *testing.T) {
	repo := newMemRepo(testSource())
	fetcher := &scriptedFetcher{
		pages: map[string]string{"https://jobs.example.com/search": pageOne},
		errs: map[string]error{
			"https://jobs.example.com/search?page=2": &listing.FetchError{
				Kind: listing.FetchErrNetwork, URL: "https://jobs.example.com/search?page=2", Attempts: 4,
			},
		},
	}

	newTestWorker(repo, fetcher, &capturePublisher{}).RunJob(context.Background(), testJob())

	// Page one's records are persisted despite the abort.
	require.Len(t, repo.persisted, 1)
	require.Len(t, repo.persisted[0], 2)

	require.Equal(t, listing.JobStateSucceeded, repo.jobStates[len(repo.jobStates)-1])
	require.Contains(t, repo.lastErr, "partial")
	require.Equal(t, 1, repo.counters.PagesFetched)
	require.Equal(t, 1, repo.counters.Errors)
}

func TestRunJobCaptchaFailsJobButPersistsPartial(t *testing.T) {
	repo := newMemRepo(testSource())
	fetcher := &scriptedFetcher{
		pages: map[string]string{"https://jobs.example.com/search": pageOne},
		errs: map[string]error{
			"https://jobs.example.com/search?page=2": &listing.FetchError{
				Kind: listing.FetchErrCaptcha, URL: "https://jobs.example.com/search?page=2",
			},
		},
	}

	newTestWorker(repo, fetcher, &capturePublisher{}).RunJob(context.Background(), testJob())

	require.Equal(t, listing.JobStateFailed, repo.jobStates[len(repo.jobStates)-1])
	require.Contains(t, repo.lastErr, "captcha")
	require.Len(t, repo.persisted, 1, "records before the captcha are still persisted")

	// Failure outcome: no success timestamp for the source.
	require.Len(t, repo.outcomes, 1)
	require.Nil(t, repo.outcomes[0])
}

func TestRunJobFailsWhenFirstFetchFails(t *testing.T) {
	repo := newMemRepo(testSource())
	fetcher := &scriptedFetcher{errs: map[string]error{
		"https://jobs.example.com/search": &listing.FetchError{
			Kind: listing.FetchErrNetwork, URL: "https://jobs.example.com/search", Attempts: 4,
		},
	}}

	newTestWorker(repo, fetcher, &capturePublisher{}).RunJob(context.Background(), testJob())

	require.Equal(t, listing.JobStateFailed, repo.jobStates[len(repo.jobStates)-1])
	require.Empty(t, repo.persisted)
	require.Zero(t, repo.counters.PagesFetched)
}

func TestRunJobSkipsUnnormalizableListings(t *testing.T) {
	repo := newMemRepo(testSource())
	fetcher := &scriptedFetcher{pages: map[string]string{
		"https://jobs.example.com/search": pageWithBadListing,
	}}

	newTestWorker(repo, fetcher, &capturePublisher{}).RunJob(context.Background(), testJob())

	require.Equal(t, listing.JobStateSucceeded, repo.jobStates[len(repo.jobStates)-1])
	require.Equal(t, 2, repo.counters.ListingsExtracted)
	require.Equal(t, 1, repo.counters.RecordsNormalized)
	require.Equal(t, 1, repo.counters.Errors)
	require.Len(t, repo.persisted, 1)
	require.Len(t, repo.persisted[0], 1)
}

func TestRunJobRespectsMaxPages(t *testing.T) {
	src := testSource()
	src.MaxPages = 1
	repo := newMemRepo(src)
	fetcher := &scriptedFetcher{pages: map[string]string{
		"https://jobs.example.com/search":        pageOne,
		"https://jobs.example.com/search?page=2": pageTwo,
	}}

	newTestWorker(repo, fetcher, &capturePublisher{}).RunJob(context.Background(), testJob())

	require.Equal(t, []string{"https://jobs.example.com/search"}, fetcher.calls)
	require.Equal(t, 1, repo.counters.PagesFetched)
}

func TestRunJobSnapshotsPagesWhenEnabled(t *testing.T) {
	repo := newMemRepo(testSource())
	fetcher := &scriptedFetcher{pages: map[string]string{
		"https://jobs.example.com/search":        pageOne,
		"https://jobs.example.com/search?page=2": pageTwo,
	}}
	blob := blobmem.New()
	pub := pubmem.New()

	clock := &fixedClock{t: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)}
	ids := &seqIDs{}
	logger := zap.NewNop()
	w := New(Deps{
		Repo:       repo,
		Fetcher:    fetcher,
		Gate:       openGate{},
		Normalizer: normalize.New(stubKeywords{}, clock, ids),
		Deduper:    dedupe.New(repo, 0.85, logger),
		Blob:       blob,
		Publisher:  pub,
		Clock:      clock,
		Logger:     logger,
	}, Config{MaxPagesDefault: 10, JobTimeout: time.Minute, SnapshotPages: true, SummaryTopic: "job-summaries"})

	w.RunJob(context.Background(), testJob())

	require.Equal(t, 2, blob.Len())
	data, ok := blob.Get("acme/job-1/page-0001.html")
	require.True(t, ok)
	require.Contains(t, string(data), "Senior Backend Engineer")

	messages := pub.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "job-summaries", messages[0].Topic)
	var summary listing.JobSummary
	require.NoError(t, json.Unmarshal(messages[0].Data, &summary))
	require.Equal(t, listing.JobStateSucceeded, summary.State)
	require.Equal(t, "job-1", summary.JobID)
}

func TestRunJobUnknownSourceFails(t *testing.T) {
	repo := newMemRepo(testSource())
	job := testJob()
	job.SourceID = "ghost"

	newTestWorker(repo, &scriptedFetcher{}, &capturePublisher{}).RunJob(context.Background(), job)

	require.Equal(t, listing.JobStateFailed, repo.jobStates[len(repo.jobStates)-1])
	require.Contains(t, repo.lastErr, "load source")
}
