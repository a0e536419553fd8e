// Package headless renders JS-heavy pages with chromedp when the static
// transport yields an empty shell.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/listing"
)

// Getter drives a headless browser to retrieve fully rendered HTML. A
// semaphore bounds concurrent browser instances: Chrome is expensive and the
// pipeline must not fork one per worker.
type Getter struct {
	userAgent  string
	navTimeout time.Duration
	sem        chan struct{}
	logger     *zap.Logger
}

// New builds a Getter allowing at most maxParallel concurrent renders.
func New(userAgent string, navTimeout time.Duration, maxParallel int, logger *zap.Logger) *Getter {
	if navTimeout <= 0 {
		navTimeout = 25 * time.Second
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Getter{
		userAgent:  userAgent,
		navTimeout: navTimeout,
		sem:        make(chan struct{}, maxParallel),
		logger:     logger,
	}
}

// Get renders the page and returns its post-JS outer HTML. The status code is
// reported as 200 on successful navigation; render failures surface as
// transport errors for the fetcher to retry.
func (g *Getter) Get(ctx context.Context, url string, headers http.Header) (listing.FetchResult, error) {
	select {
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
	case <-ctx.Done():
		return listing.FetchResult{}, ctx.Err()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(g.userAgent),
		chromedp.NoSandbox,
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	navCtx, cancelNav := context.WithTimeout(browserCtx, g.navTimeout)
	defer cancelNav()

	start := time.Now()
	var html string
	actions := []chromedp.Action{network.Enable()}
	if extra := toNetworkHeaders(headers); len(extra) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(extra))
	}
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	if err := chromedp.Run(navCtx, actions...); err != nil {
		return listing.FetchResult{}, fmt.Errorf("render %s: %w", url, err)
	}

	g.logger.Debug("headless render complete",
		zap.String("url", url),
		zap.Duration("took", time.Since(start)),
		zap.Int("bytes", len(html)),
	)

	return listing.FetchResult{
		URL:        url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{},
		Body:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

func toNetworkHeaders(h http.Header) network.Headers {
	if len(h) == 0 {
		return nil
	}
	out := make(network.Headers, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
