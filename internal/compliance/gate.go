// Package compliance decides whether the pipeline may fetch a URL: robots.txt
// directives, protected path patterns, meta robots tags, and identifying
// request headers.
package compliance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// Paths that indicate authenticated or personal content. Blocked regardless
// of robots.txt.
var protectedPatterns = []string{
	"/login", "/signin", "/account", "/profile", "/admin",
	"/checkout", "/cart", "/payment", "/api/", "/private/",
	"/member", "/dashboard", "/settings",
}

// Meta robots directives that prohibit scraping.
var noScrapeDirectives = []string{"noindex", "nofollow", "noarchive", "nocache"}

const robotsTTL = time.Hour

// Gate implements listing.ComplianceGate. robots.txt is fetched once per
// host and cached with a TTL; an unreachable robots.txt permits fetching,
// matching crawler convention.
type Gate struct {
	userAgent    string
	contactEmail string
	client       *http.Client
	logger       *zap.Logger

	mu     sync.Mutex
	robots map[string]robotsEntry
}

type robotsEntry struct {
	group     *robotstxt.Group
	fetchedAt time.Time
}

// New builds a Gate identifying itself with the given agent and contact.
func New(userAgent, contactEmail string, timeout time.Duration, logger *zap.Logger) *Gate {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gate{
		userAgent:    userAgent,
		contactEmail: contactEmail,
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
		robots:       make(map[string]robotsEntry),
	}
}

// CheckURLAllowed applies protected-path rules first (no network), then the
// host's robots.txt.
func (g *Gate) CheckURLAllowed(ctx context.Context, rawURL string) (bool, string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false, fmt.Sprintf("unparseable url: %s", rawURL)
	}

	path := strings.ToLower(u.Path)
	for _, pattern := range protectedPatterns {
		if strings.Contains(path, pattern) {
			return false, fmt.Sprintf("path matches protected pattern: %s", pattern)
		}
	}

	group := g.robotsGroup(ctx, u)
	if group != nil && !group.Test(u.Path) {
		return false, "disallowed by robots.txt"
	}
	return true, "compliant"
}

// CheckMetaRobots scans the page for meta robots directives that prohibit
// indexing or archiving.
func (g *Gate) CheckMetaRobots(html string) (bool, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return true, "unparseable html"
	}

	blocked := ""
	doc.Find("meta").EachWithBreak(func(_ int, m *goquery.Selection) bool {
		name, _ := m.Attr("name")
		if !strings.EqualFold(name, "robots") {
			return true
		}
		content, _ := m.Attr("content")
		for _, part := range strings.Split(strings.ToLower(content), ",") {
			part = strings.TrimSpace(part)
			for _, directive := range noScrapeDirectives {
				if part == directive {
					blocked = directive
					return false
				}
			}
		}
		return true
	})

	if blocked != "" {
		return false, fmt.Sprintf("meta robots tag prohibits scraping: %s", blocked)
	}
	return true, "no meta restrictions"
}

// CompliantHeaders identifies the crawler to the site owner.
func (g *Gate) CompliantHeaders(rawURL string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", g.userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.5")
	if g.contactEmail != "" {
		h.Set("From", g.contactEmail)
	}
	return h
}

// robotsGroup returns the cached robots.txt group for the URL's host,
// fetching it when stale. Nil means no restrictions are known.
func (g *Gate) robotsGroup(ctx context.Context, u *url.URL) *robotstxt.Group {
	host := u.Scheme + "://" + u.Host

	g.mu.Lock()
	entry, ok := g.robots[host]
	g.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < robotsTTL {
		return entry.group
	}

	group := g.fetchRobots(ctx, host)

	g.mu.Lock()
	g.robots[host] = robotsEntry{group: group, fetchedAt: time.Now()}
	g.mu.Unlock()
	return group
}

func (g *Gate) fetchRobots(ctx context.Context, host string) *robotstxt.Group {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Debug("robots.txt unreachable", zap.String("host", host), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		g.logger.Debug("robots.txt unparseable", zap.String("host", host), zap.Error(err))
		return nil
	}
	return data.FindGroup(g.userAgent)
}
