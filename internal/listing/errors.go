package listing

import (
	"errors"
	"fmt"
	"time"
)

// FetchErrorKind classifies fetch failures so callers can branch without
// string matching.
type FetchErrorKind string

// Fetch error kinds. Network and RateLimited are retryable inside the
// fetcher; the rest surface immediately.
const (
	FetchErrNetwork          FetchErrorKind = "network"
	FetchErrRateLimited      FetchErrorKind = "rate_limited"
	FetchErrHTTPStatus       FetchErrorKind = "http_status"
	FetchErrComplianceDenied FetchErrorKind = "compliance_denied"
	FetchErrCaptcha          FetchErrorKind = "captcha_detected"
	FetchErrTooLarge         FetchErrorKind = "response_too_large"
)

// FetchError is the explicit result variant for a failed fetch. Captcha and
// compliance kinds are fatal for the whole job.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Attempts   int
	RetryAfter time.Duration
	Reason     string
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// JobFatal reports whether this failure must abort the whole job rather than
// just the current page.
func (e *FetchError) JobFatal() bool {
	return e.Kind == FetchErrCaptcha
}

// NormalizationError marks a single record that cannot be canonicalized. The
// worker logs, counts, and skips it; the batch continues.
type NormalizationError struct {
	SourceName string
	Reason     string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s listing: %s", e.SourceName, e.Reason)
}

// ErrAlreadyQueued is returned (wrapped) by Scheduler.Enqueue when a
// pending or running job already holds the idempotency key.
var ErrAlreadyQueued = errors.New("source already queued")

// ErrJobNotFound is returned by repositories for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// ErrSourceNotFound is returned by repositories for unknown source IDs.
var ErrSourceNotFound = errors.New("source not found")
