package fetch

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openlistings/harvester/internal/metrics"
)

// DomainPacer enforces the minimum inter-request interval per domain. One
// instance is shared by every worker and the research crawler; the pacing
// invariant is global, never per caller.
type DomainPacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// NewDomainPacer builds a pacer with the given minimum gap between requests
// to the same domain.
func NewDomainPacer(interval time.Duration) *DomainPacer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &DomainPacer{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
	}
}

// Wait blocks until the URL's domain is outside its cooldown window,
// respecting the context.
func (p *DomainPacer) Wait(ctx context.Context, rawURL string) error {
	domain := domainOf(rawURL)

	p.mu.Lock()
	limiter, ok := p.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.interval), 1)
		p.limiters[domain] = limiter
	}
	p.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("domain pace wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
