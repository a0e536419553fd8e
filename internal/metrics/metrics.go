// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal     *prometheus.CounterVec
	pagesFetchedTotal      *prometheus.CounterVec
	listingsExtractedTotal *prometheus.CounterVec
	recordsNormalizedTotal *prometheus.CounterVec
	duplicatesMergedTotal  *prometheus.CounterVec
	jobsTotal              *prometheus.CounterVec
	activeWorkers          prometheus.Gauge
	rateLimitDelaySeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_attempts_total",
				Help: "HTTP fetch attempts, labeled by domain and status code.",
			},
			[]string{"domain", "code"},
		)

		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_fetched_total",
				Help: "Pages successfully fetched, labeled by domain.",
			},
			[]string{"domain"},
		)

		listingsExtractedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_listings_extracted_total",
				Help: "Raw listings extracted, labeled by source.",
			},
			[]string{"source"},
		)

		recordsNormalizedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_normalized_total",
				Help: "Records normalized, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		duplicatesMergedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_duplicates_merged_total",
				Help: "Records merged into dedupe clusters, labeled by source.",
			},
			[]string{"source"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_total",
				Help: "Crawl jobs finished, labeled by state.",
			},
			[]string{"state"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Workers currently processing a job.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-domain pacer.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeDomain extracts a lowercase hostname from a URL, or "unknown".
func SanitizeDomain(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchAttempt records one HTTP attempt.
func ObserveFetchAttempt(rawURL string, code int) {
	fetchAttemptsTotal.WithLabelValues(SanitizeDomain(rawURL), strconv.Itoa(code)).Inc()
}

// ObservePageFetched records one successful page fetch.
func ObservePageFetched(rawURL string) {
	pagesFetchedTotal.WithLabelValues(SanitizeDomain(rawURL)).Inc()
}

// ObserveListingsExtracted adds extracted listing counts for a source.
func ObserveListingsExtracted(source string, n int) {
	if n > 0 {
		listingsExtractedTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveNormalized records one normalization outcome ("ok" or "skipped").
func ObserveNormalized(source, outcome string) {
	recordsNormalizedTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveDuplicatesMerged adds merged record counts for a source.
func ObserveDuplicatesMerged(source string, n int) {
	if n > 0 {
		duplicatesMergedTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveJob increments the job counter for a terminal state.
func ObserveJob(state string) {
	jobsTotal.WithLabelValues(state).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() { activeWorkers.Inc() }

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() { activeWorkers.Dec() }

// ObserveRateLimitDelay records a pacer wait.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}
