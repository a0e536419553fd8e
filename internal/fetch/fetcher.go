// Package fetch implements the rate-limited, retrying page fetcher shared by
// listing workers and the research crawler.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/listing"
	"github.com/openlistings/harvester/internal/metrics"
)

// Options tune one RateLimited fetcher.
type Options struct {
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxBodyBytes   int
}

// RateLimited wraps a single-attempt transport with compliance checks,
// per-domain pacing, and classified retries. One instance is shared across
// all workers so pacing holds process-wide.
type RateLimited struct {
	getter listing.PageGetter
	gate   listing.ComplianceGate
	pacer  *DomainPacer
	policy *backoffPolicy
	opts   Options
	logger *zap.Logger
}

// NewRateLimited builds a fetcher over the given transport.
func NewRateLimited(getter listing.PageGetter, gate listing.ComplianceGate, pacer *DomainPacer, opts Options, logger *zap.Logger) *RateLimited {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5_000_000
	}
	return &RateLimited{
		getter: getter,
		gate:   gate,
		pacer:  pacer,
		policy: newBackoffPolicy(opts.BackoffInitial, opts.BackoffMax),
		opts:   opts,
		logger: logger,
	}
}

// Fetch retrieves a page. Transient failures (network, 429, 5xx) are retried
// with exponential backoff up to MaxRetries; compliance denials, captcha
// interstitials, other 4xx statuses, and oversized bodies fail immediately.
func (f *RateLimited) Fetch(ctx context.Context, url string, headers http.Header) (listing.FetchResult, error) {
	if allowed, reason := f.gate.CheckURLAllowed(ctx, url); !allowed {
		return listing.FetchResult{}, &listing.FetchError{
			Kind:   listing.FetchErrComplianceDenied,
			URL:    url,
			Reason: reason,
		}
	}

	maxAttempts := f.opts.MaxRetries + 1
	var lastErr *listing.FetchError

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := f.policy.Backoff(attempt - 1)
			if lastErr != nil && lastErr.RetryAfter > wait {
				wait = lastErr.RetryAfter
			}
			f.logger.Debug("retrying fetch",
				zap.String("url", url),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
			)
			if err := sleepCtx(ctx, wait); err != nil {
				return listing.FetchResult{}, fmt.Errorf("fetch %s: %w", url, err)
			}
		}

		if err := f.pacer.Wait(ctx, url); err != nil {
			return listing.FetchResult{}, fmt.Errorf("fetch %s: %w", url, err)
		}

		res, err := f.getter.Get(ctx, url, headers)
		res.Attempts = attempt + 1

		if err != nil {
			metrics.ObserveFetchAttempt(url, 0)
			if ctx.Err() != nil {
				return listing.FetchResult{}, fmt.Errorf("fetch %s: %w", url, ctx.Err())
			}
			lastErr = &listing.FetchError{
				Kind:     listing.FetchErrNetwork,
				URL:      url,
				Attempts: attempt + 1,
				Err:      err,
			}
			continue
		}

		metrics.ObserveFetchAttempt(url, res.StatusCode)

		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			if len(res.Body) > f.opts.MaxBodyBytes {
				return listing.FetchResult{}, &listing.FetchError{
					Kind:       listing.FetchErrTooLarge,
					URL:        url,
					StatusCode: res.StatusCode,
					Attempts:   attempt + 1,
					Reason:     fmt.Sprintf("body %d bytes exceeds cap %d", len(res.Body), f.opts.MaxBodyBytes),
				}
			}
			if looksLikeCaptcha(res.Body) {
				return listing.FetchResult{}, &listing.FetchError{
					Kind:       listing.FetchErrCaptcha,
					URL:        url,
					StatusCode: res.StatusCode,
					Attempts:   attempt + 1,
					Reason:     "anti-bot interstitial detected",
				}
			}
			metrics.ObservePageFetched(url)
			return res, nil

		case res.StatusCode == http.StatusTooManyRequests:
			lastErr = &listing.FetchError{
				Kind:       listing.FetchErrRateLimited,
				URL:        url,
				StatusCode: res.StatusCode,
				Attempts:   attempt + 1,
				RetryAfter: parseRetryAfter(res.Headers),
			}

		case res.StatusCode >= 500:
			lastErr = &listing.FetchError{
				Kind:       listing.FetchErrNetwork,
				URL:        url,
				StatusCode: res.StatusCode,
				Attempts:   attempt + 1,
				Reason:     "server error",
			}

		default:
			return listing.FetchResult{}, &listing.FetchError{
				Kind:       listing.FetchErrHTTPStatus,
				URL:        url,
				StatusCode: res.StatusCode,
				Attempts:   attempt + 1,
			}
		}
	}

	f.logger.Warn("fetch exhausted retries",
		zap.String("url", url),
		zap.Int("attempts", maxAttempts),
		zap.String("kind", string(lastErr.Kind)),
	)
	lastErr.Attempts = maxAttempts
	return listing.FetchResult{}, lastErr
}

// parseRetryAfter reads a Retry-After header as delta-seconds or HTTP-date.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
