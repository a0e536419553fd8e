// Package postgres provides the Postgres-backed Repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlistings/harvester/internal/listing"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Repository persists sources, jobs, and normalized records in Postgres.
type Repository struct {
	pool  pool
	clock listing.Clock
}

// NewRepository connects a pool and returns a Repository.
func NewRepository(ctx context.Context, cfg Config, clock listing.Clock) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Repository{pool: p, clock: clock}, nil
}

// NewRepositoryWithPool constructs a Repository from an existing pool
// (primarily for testing).
func NewRepositoryWithPool(p pool, clock listing.Clock) (*Repository, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Repository{pool: p, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	base_url TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'generic',
	selectors JSONB NOT NULL DEFAULT '{}',
	pagination_pattern TEXT NOT NULL DEFAULT '',
	scrape_interval_seconds BIGINT NOT NULL DEFAULT 3600,
	max_pages INT NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	last_success TIMESTAMPTZ,
	last_attempt TIMESTAMPTZ,
	failure_count INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	source_name TEXT NOT NULL DEFAULT '',
	seed_url TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	attempt INT NOT NULL DEFAULT 0,
	idempotency_key TEXT NOT NULL,
	scheduled_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	error_text TEXT NOT NULL DEFAULT '',
	counters JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS jobs_idempotency_key_idx ON jobs (idempotency_key);

CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	organization TEXT NOT NULL,
	location JSONB NOT NULL DEFAULT '{}',
	snippet TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	source_name TEXT NOT NULL,
	posted_at TIMESTAMPTZ,
	employment TEXT NOT NULL DEFAULT 'unspecified',
	salary JSONB,
	skills JSONB,
	fingerprint TEXT NOT NULL UNIQUE,
	fetched_at TIMESTAMPTZ NOT NULL,
	normalized_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS records_organization_idx ON records (lower(organization));

CREATE TABLE IF NOT EXISTS record_merges (
	record_id TEXT NOT NULL,
	merged_into TEXT NOT NULL,
	similarity DOUBLE PRECISION NOT NULL,
	job_id TEXT NOT NULL,
	merged_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables if they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertSource inserts or replaces a source config.
func (r *Repository) UpsertSource(ctx context.Context, source listing.SourceConfig) error {
	if source.ID == "" {
		return fmt.Errorf("upsert source: empty id")
	}
	selectors, err := json.Marshal(source.Selectors)
	if err != nil {
		return fmt.Errorf("marshal selectors: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO sources (
	id, name, base_url, kind, selectors, pagination_pattern,
	scrape_interval_seconds, max_pages, active, last_success, last_attempt, failure_count
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	base_url = EXCLUDED.base_url,
	kind = EXCLUDED.kind,
	selectors = EXCLUDED.selectors,
	pagination_pattern = EXCLUDED.pagination_pattern,
	scrape_interval_seconds = EXCLUDED.scrape_interval_seconds,
	max_pages = EXCLUDED.max_pages,
	active = EXCLUDED.active`,
		source.ID, source.Name, source.BaseURL, string(source.Kind), selectors,
		source.PaginationPattern, int64(source.ScrapeInterval/time.Second),
		source.MaxPages, source.Active, source.LastSuccess, source.LastAttempt, source.FailureCount,
	)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", source.ID, err)
	}
	return nil
}

const sourceColumns = `id, name, base_url, kind, selectors, pagination_pattern,
	scrape_interval_seconds, max_pages, active, last_success, last_attempt, failure_count`

// GetSource returns one source by ID.
func (r *Repository) GetSource(ctx context.Context, sourceID string) (listing.SourceConfig, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, sourceID)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.SourceConfig{}, fmt.Errorf("get source %s: %w", sourceID, listing.ErrSourceNotFound)
	}
	if err != nil {
		return listing.SourceConfig{}, fmt.Errorf("get source %s: %w", sourceID, err)
	}
	return src, nil
}

// ListSources returns all sources ordered by ID.
func (r *Repository) ListSources(ctx context.Context) ([]listing.SourceConfig, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []listing.SourceConfig
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

func scanSource(row pgx.Row) (listing.SourceConfig, error) {
	var (
		src             listing.SourceConfig
		kind            string
		selectors       []byte
		intervalSeconds int64
	)
	err := row.Scan(
		&src.ID, &src.Name, &src.BaseURL, &kind, &selectors, &src.PaginationPattern,
		&intervalSeconds, &src.MaxPages, &src.Active, &src.LastSuccess, &src.LastAttempt, &src.FailureCount,
	)
	if err != nil {
		return listing.SourceConfig{}, err
	}
	src.Kind = listing.SourceKind(kind)
	src.ScrapeInterval = time.Duration(intervalSeconds) * time.Second
	if len(selectors) > 0 {
		if err := json.Unmarshal(selectors, &src.Selectors); err != nil {
			return listing.SourceConfig{}, fmt.Errorf("unmarshal selectors: %w", err)
		}
	}
	return src, nil
}

// RecordSourceOutcome stamps LastAttempt and either resets or extends the
// failure streak.
func (r *Repository) RecordSourceOutcome(ctx context.Context, sourceID string, succeededAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE sources SET
	last_attempt = $2,
	last_success = COALESCE($3, last_success),
	failure_count = CASE WHEN $3::timestamptz IS NULL THEN failure_count + 1 ELSE 0 END
WHERE id = $1`,
		sourceID, r.clock.Now(), succeededAt,
	)
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", sourceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record outcome for %s: %w", sourceID, listing.ErrSourceNotFound)
	}
	return nil
}

// CreateJob stores a new job.
func (r *Repository) CreateJob(ctx context.Context, job listing.CrawlJob) error {
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO jobs (
	id, source_id, source_name, seed_url, state, attempt,
	idempotency_key, scheduled_at, started_at, finished_at, error_text, counters
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		job.ID, job.SourceID, job.SourceName, job.SeedURL, string(job.State), job.Attempt,
		job.IdempotencyKey, job.ScheduledAt, job.StartedAt, job.FinishedAt, job.ErrorText, counters,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJobState transitions a job, stamping started_at on running and
// finished_at on terminal states.
func (r *Repository) UpdateJobState(ctx context.Context, jobID string, state listing.JobState, errText string, counters listing.JobCounters) error {
	countersJSON, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}

	now := r.clock.Now()
	var startedAt, finishedAt *time.Time
	switch state {
	case listing.JobStateRunning:
		startedAt = &now
	case listing.JobStateSucceeded, listing.JobStateFailed:
		finishedAt = &now
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE jobs SET
	state = $2,
	error_text = $3,
	counters = $4,
	started_at = COALESCE(started_at, $5),
	finished_at = COALESCE($6, finished_at)
WHERE id = $1`,
		jobID, string(state), errText, countersJSON, startedAt, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s: %w", jobID, listing.ErrJobNotFound)
	}
	return nil
}

const jobColumns = `id, source_id, source_name, seed_url, state, attempt,
	idempotency_key, scheduled_at, started_at, finished_at, error_text, counters`

// GetJob returns one job by ID.
func (r *Repository) GetJob(ctx context.Context, jobID string) (listing.CrawlJob, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.CrawlJob{}, fmt.Errorf("get job %s: %w", jobID, listing.ErrJobNotFound)
	}
	if err != nil {
		return listing.CrawlJob{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// FindJobByKey returns the most recent job holding an idempotency key.
func (r *Repository) FindJobByKey(ctx context.Context, idempotencyKey string) (listing.CrawlJob, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1 ORDER BY scheduled_at DESC LIMIT 1`,
		idempotencyKey,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.CrawlJob{}, fmt.Errorf("find job by key %s: %w", idempotencyKey, listing.ErrJobNotFound)
	}
	if err != nil {
		return listing.CrawlJob{}, fmt.Errorf("find job by key %s: %w", idempotencyKey, err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (listing.CrawlJob, error) {
	var (
		job      listing.CrawlJob
		state    string
		counters []byte
	)
	err := row.Scan(
		&job.ID, &job.SourceID, &job.SourceName, &job.SeedURL, &state, &job.Attempt,
		&job.IdempotencyKey, &job.ScheduledAt, &job.StartedAt, &job.FinishedAt, &job.ErrorText, &counters,
	)
	if err != nil {
		return listing.CrawlJob{}, err
	}
	job.State = listing.JobState(state)
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &job.Counters); err != nil {
			return listing.CrawlJob{}, fmt.Errorf("unmarshal counters: %w", err)
		}
	}
	return job, nil
}

// PersistNormalizedBatch upserts the canonical record of every cluster in one
// transaction and writes merge provenance rows. A fingerprint collision with
// an existing row counts as merged; otherwise inserted.
func (r *Repository) PersistNormalizedBatch(ctx context.Context, clusters []listing.DedupeCluster, job listing.CrawlJob) (listing.PersistResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return listing.PersistResult{}, fmt.Errorf("begin persist batch: %w", err)
	}

	result, err := r.persistClusters(ctx, tx, clusters, job)
	if err != nil {
		_ = tx.Rollback(ctx)
		return listing.PersistResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return listing.PersistResult{}, fmt.Errorf("commit persist batch: %w", err)
	}
	return result, nil
}

func (r *Repository) persistClusters(ctx context.Context, tx pgx.Tx, clusters []listing.DedupeCluster, job listing.CrawlJob) (listing.PersistResult, error) {
	var result listing.PersistResult
	for _, cluster := range clusters {
		rec := cluster.Canonical
		if rec.Fingerprint == "" {
			return listing.PersistResult{}, fmt.Errorf("persist batch: record %s has empty fingerprint", rec.ID)
		}

		inserted, err := upsertRecord(ctx, tx, rec)
		if err != nil {
			return listing.PersistResult{}, err
		}
		if inserted {
			result.Inserted++
		} else {
			result.Merged++
		}

		for _, m := range cluster.Merged {
			if _, err := tx.Exec(ctx, `
INSERT INTO record_merges (record_id, merged_into, similarity, job_id, merged_at)
VALUES ($1,$2,$3,$4,$5)`,
				m.Record.ID, m.MergedInto, m.Similarity, job.ID, r.clock.Now(),
			); err != nil {
				return listing.PersistResult{}, fmt.Errorf("insert merge provenance: %w", err)
			}
		}
	}
	return result, nil
}

// upsertRecord writes one canonical record; the xmax trick distinguishes a
// fresh insert from a conflict update.
func upsertRecord(ctx context.Context, tx pgx.Tx, rec listing.NormalizedRecord) (bool, error) {
	location, err := json.Marshal(rec.Location)
	if err != nil {
		return false, fmt.Errorf("marshal location: %w", err)
	}
	var salary []byte
	if rec.Salary != nil {
		if salary, err = json.Marshal(rec.Salary); err != nil {
			return false, fmt.Errorf("marshal salary: %w", err)
		}
	}
	var skills []byte
	if len(rec.Skills) > 0 {
		if skills, err = json.Marshal(rec.Skills); err != nil {
			return false, fmt.Errorf("marshal skills: %w", err)
		}
	}

	var inserted bool
	err = tx.QueryRow(ctx, `
INSERT INTO records (
	id, title, organization, location, snippet, url, external_id, source_name,
	posted_at, employment, salary, skills, fingerprint, fetched_at, normalized_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (fingerprint) DO UPDATE SET
	title = EXCLUDED.title,
	organization = EXCLUDED.organization,
	location = EXCLUDED.location,
	snippet = CASE WHEN EXCLUDED.snippet <> '' THEN EXCLUDED.snippet ELSE records.snippet END,
	url = CASE WHEN EXCLUDED.url <> '' THEN EXCLUDED.url ELSE records.url END,
	posted_at = COALESCE(EXCLUDED.posted_at, records.posted_at),
	employment = EXCLUDED.employment,
	salary = COALESCE(EXCLUDED.salary, records.salary),
	skills = COALESCE(EXCLUDED.skills, records.skills),
	fetched_at = GREATEST(EXCLUDED.fetched_at, records.fetched_at),
	normalized_at = GREATEST(EXCLUDED.normalized_at, records.normalized_at)
RETURNING (xmax = 0)`,
		rec.ID, rec.Title, rec.Organization, location, rec.Snippet, rec.URL, rec.ExternalID,
		rec.SourceName, rec.PostedAt, string(rec.Employment), salary, skills,
		rec.Fingerprint, rec.FetchedAt, rec.NormalizedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert record %s: %w", rec.ID, err)
	}
	return inserted, nil
}

// FindCandidatesForDedupe returns stored records for one organization,
// bounding corpus comparison to index candidates.
func (r *Repository) FindCandidatesForDedupe(ctx context.Context, organization string) ([]listing.NormalizedRecord, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, title, organization, location, snippet, url, external_id, source_name,
	posted_at, employment, salary, skills, fingerprint, fetched_at, normalized_at
FROM records
WHERE lower(organization) = lower($1)
ORDER BY id
LIMIT 500`, organization)
	if err != nil {
		return nil, fmt.Errorf("find dedupe candidates: %w", err)
	}
	defer rows.Close()

	var out []listing.NormalizedRecord
	for rows.Next() {
		var (
			rec        listing.NormalizedRecord
			location   []byte
			employment string
			salary     []byte
			skills     []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.Title, &rec.Organization, &location, &rec.Snippet, &rec.URL,
			&rec.ExternalID, &rec.SourceName, &rec.PostedAt, &employment, &salary, &skills,
			&rec.Fingerprint, &rec.FetchedAt, &rec.NormalizedAt,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Employment = listing.EmploymentType(employment)
		if len(location) > 0 {
			if err := json.Unmarshal(location, &rec.Location); err != nil {
				return nil, fmt.Errorf("unmarshal location: %w", err)
			}
		}
		if len(salary) > 0 {
			rec.Salary = &listing.Salary{}
			if err := json.Unmarshal(salary, rec.Salary); err != nil {
				return nil, fmt.Errorf("unmarshal salary: %w", err)
			}
		}
		if len(skills) > 0 {
			if err := json.Unmarshal(skills, &rec.Skills); err != nil {
				return nil, fmt.Errorf("unmarshal skills: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find dedupe candidates: %w", err)
	}
	return out, nil
}
