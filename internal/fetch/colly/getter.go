// Package colly adapts gocolly as the single-attempt HTTP transport behind
// the rate-limited fetcher.
package colly

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/openlistings/harvester/internal/listing"
)

// Getter performs one HTTP GET per call. Retries, pacing, and compliance
// live above it in the fetch package; robots handling is owned by the
// compliance gate, so the collector's own robots support stays off.
type Getter struct {
	userAgent string
	timeout   time.Duration
}

// New builds a Getter with the given identity and per-request timeout.
func New(userAgent string, timeout time.Duration) *Getter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Getter{userAgent: userAgent, timeout: timeout}
}

// Get fetches the URL once. Non-2xx statuses are returned as results, not
// errors: classification is the caller's job.
func (g *Getter) Get(ctx context.Context, url string, headers http.Header) (listing.FetchResult, error) {
	if cerr := ctx.Err(); cerr != nil {
		return listing.FetchResult{}, cerr
	}

	c := colly.NewCollector(
		colly.UserAgent(g.userAgent),
		colly.AllowURLRevisit(),
	)
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	c.SetRequestTimeout(g.timeout)

	res := listing.FetchResult{URL: url, Headers: http.Header{}}
	var transportErr error

	c.OnResponse(func(r *colly.Response) {
		res.StatusCode = r.StatusCode
		if r.Headers != nil {
			res.Headers = r.Headers.Clone()
		}
		res.Body = r.Body
	})

	// With ParseHTTPErrorResponse on, OnError only fires for transport-level
	// failures (DNS, TLS, timeouts).
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			res.StatusCode = r.StatusCode
			res.Body = r.Body
			return
		}
		transportErr = err
	})

	start := time.Now()
	if err := c.Request(http.MethodGet, url, nil, nil, headers); err != nil {
		return listing.FetchResult{}, fmt.Errorf("request %s: %w", url, err)
	}
	c.Wait()
	res.Duration = time.Since(start)

	if transportErr != nil {
		return listing.FetchResult{}, fmt.Errorf("get %s: %w", url, transportErr)
	}
	return res, nil
}
