// Package memory provides an in-memory Repository for development and tests.
// It honors the same transactional semantics as the Postgres implementation:
// PersistNormalizedBatch is all-or-nothing under the lock.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openlistings/harvester/internal/listing"
)

// Repository keeps sources, jobs, and normalized records in maps guarded by
// one mutex.
type Repository struct {
	clock listing.Clock

	mu            sync.Mutex
	sources       map[string]listing.SourceConfig
	jobs          map[string]listing.CrawlJob
	jobsByKey     map[string]string
	records       map[string]listing.NormalizedRecord
	byFingerprint map[string]string
	merges        []MergeEntry
}

// MergeEntry is one row of merge provenance, mirroring the record_merges
// table in the Postgres implementation.
type MergeEntry struct {
	RecordID   string
	MergedInto string
	Similarity float64
	JobID      string
	MergedAt   time.Time
}

// NewRepository builds an empty in-memory repository.
func NewRepository(clock listing.Clock) *Repository {
	return &Repository{
		clock:         clock,
		sources:       map[string]listing.SourceConfig{},
		jobs:          map[string]listing.CrawlJob{},
		jobsByKey:     map[string]string{},
		records:       map[string]listing.NormalizedRecord{},
		byFingerprint: map[string]string{},
	}
}

// UpsertSource inserts or replaces a source config.
func (r *Repository) UpsertSource(_ context.Context, source listing.SourceConfig) error {
	if source.ID == "" {
		return fmt.Errorf("upsert source: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[source.ID] = source
	return nil
}

// GetSource returns one source by ID.
func (r *Repository) GetSource(_ context.Context, sourceID string) (listing.SourceConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[sourceID]
	if !ok {
		return listing.SourceConfig{}, fmt.Errorf("get source %s: %w", sourceID, listing.ErrSourceNotFound)
	}
	return src, nil
}

// ListSources returns all sources ordered by ID.
func (r *Repository) ListSources(_ context.Context) ([]listing.SourceConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]listing.SourceConfig, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordSourceOutcome updates the scheduling bookkeeping after a job. Success
// sets LastSuccess and clears the failure streak; failure extends it. Both
// stamp LastAttempt.
func (r *Repository) RecordSourceOutcome(_ context.Context, sourceID string, succeededAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[sourceID]
	if !ok {
		return fmt.Errorf("record outcome for %s: %w", sourceID, listing.ErrSourceNotFound)
	}

	now := r.clock.Now()
	src.LastAttempt = &now
	if succeededAt != nil {
		t := *succeededAt
		src.LastSuccess = &t
		src.FailureCount = 0
	} else {
		src.FailureCount++
	}
	r.sources[sourceID] = src
	return nil
}

// CreateJob stores a new job and indexes its idempotency key.
func (r *Repository) CreateJob(_ context.Context, job listing.CrawlJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: already exists", job.ID)
	}
	r.jobs[job.ID] = job
	if job.IdempotencyKey != "" {
		r.jobsByKey[job.IdempotencyKey] = job.ID
	}
	return nil
}

// UpdateJobState transitions a job and stamps FinishedAt on terminal states.
func (r *Repository) UpdateJobState(_ context.Context, jobID string, state listing.JobState, errText string, counters listing.JobCounters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("update job %s: %w", jobID, listing.ErrJobNotFound)
	}

	job.State = state
	job.ErrorText = errText
	job.Counters = counters
	switch state {
	case listing.JobStateRunning:
		if job.StartedAt == nil {
			now := r.clock.Now()
			job.StartedAt = &now
		}
	case listing.JobStateSucceeded, listing.JobStateFailed:
		now := r.clock.Now()
		job.FinishedAt = &now
	}
	r.jobs[jobID] = job
	return nil
}

// GetJob returns one job by ID.
func (r *Repository) GetJob(_ context.Context, jobID string) (listing.CrawlJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return listing.CrawlJob{}, fmt.Errorf("get job %s: %w", jobID, listing.ErrJobNotFound)
	}
	return job, nil
}

// FindJobByKey returns the job holding an idempotency key.
func (r *Repository) FindJobByKey(_ context.Context, idempotencyKey string) (listing.CrawlJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.jobsByKey[idempotencyKey]
	if !ok {
		return listing.CrawlJob{}, fmt.Errorf("find job by key %s: %w", idempotencyKey, listing.ErrJobNotFound)
	}
	return r.jobs[id], nil
}

// PersistNormalizedBatch upserts each cluster's canonical record and records
// merge provenance for the absorbed members. A canonical whose fingerprint
// already exists in the corpus merges into the stored row, the incoming
// fields winning where present; otherwise it inserts.
func (r *Repository) PersistNormalizedBatch(_ context.Context, clusters []listing.DedupeCluster, job listing.CrawlJob) (listing.PersistResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result listing.PersistResult
	now := r.clock.Now()
	for _, cluster := range clusters {
		rec := cluster.Canonical
		if rec.Fingerprint == "" {
			return listing.PersistResult{}, fmt.Errorf("persist batch: record %s has empty fingerprint", rec.ID)
		}

		existingID, ok := r.byFingerprint[rec.Fingerprint]
		if !ok {
			r.records[rec.ID] = rec
			r.byFingerprint[rec.Fingerprint] = rec.ID
			result.Inserted++
		} else {
			existing := r.records[existingID]
			r.records[existingID] = mergeRecords(existing, rec)
			result.Merged++
		}

		for _, m := range cluster.Merged {
			r.merges = append(r.merges, MergeEntry{
				RecordID:   m.Record.ID,
				MergedInto: m.MergedInto,
				Similarity: m.Similarity,
				JobID:      job.ID,
				MergedAt:   now,
			})
		}
	}
	return result, nil
}

// Merges returns a copy of the merge provenance log.
func (r *Repository) Merges() []MergeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MergeEntry(nil), r.merges...)
}

// FindCandidatesForDedupe returns stored records matching the organization,
// case-insensitively.
func (r *Repository) FindCandidatesForDedupe(_ context.Context, organization string) ([]listing.NormalizedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := strings.ToLower(strings.TrimSpace(organization))
	var out []listing.NormalizedRecord
	for _, rec := range r.records {
		if strings.ToLower(rec.Organization) == want {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordCount reports how many canonical records are stored.
func (r *Repository) RecordCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// mergeRecords applies the incoming record over the stored row, mirroring the
// Postgres upsert: identity stays with the stored row, non-empty incoming
// fields win, the rest gap-fill from the stored side, and the fresher fetch
// wins the timestamps.
func mergeRecords(existing, incoming listing.NormalizedRecord) listing.NormalizedRecord {
	out := incoming
	out.ID = existing.ID
	out.Fingerprint = existing.Fingerprint
	if out.Title == "" {
		out.Title = existing.Title
	}
	if out.Organization == "" {
		out.Organization = existing.Organization
	}
	if out.Location.Raw == "" {
		out.Location = existing.Location
	}
	if out.Snippet == "" {
		out.Snippet = existing.Snippet
	}
	if out.URL == "" {
		out.URL = existing.URL
	}
	if out.ExternalID == "" {
		out.ExternalID = existing.ExternalID
	}
	if out.PostedAt == nil {
		out.PostedAt = existing.PostedAt
	}
	if out.Salary == nil {
		out.Salary = existing.Salary
	}
	if len(out.Skills) == 0 {
		out.Skills = existing.Skills
	}
	if (out.Employment == "" || out.Employment == listing.EmploymentUnspecified) && existing.Employment != "" {
		out.Employment = existing.Employment
	}
	if existing.FetchedAt.After(out.FetchedAt) {
		out.FetchedAt = existing.FetchedAt
		out.NormalizedAt = existing.NormalizedAt
	}
	return out
}
