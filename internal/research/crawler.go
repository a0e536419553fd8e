// Package research runs ad-hoc breadth-first topical crawls: from a seed URL
// it follows links, scores pages against search terms, and assembles a
// report of the most relevant findings.
package research

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/extract"
	"github.com/openlistings/harvester/internal/listing"
)

const (
	relevanceFloor = 0.5
	maxFindings    = 20
	maxLinks       = 50
	linksPerPage   = 10
)

// Finding is one page that scored above the relevance floor.
type Finding struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Summary   string  `json:"summary"`
	Relevance float64 `json:"relevance"`
	Depth     int     `json:"depth"`
}

// Report is the outcome of one research crawl.
type Report struct {
	SeedURL      string    `json:"seed_url"`
	Terms        []string  `json:"terms"`
	PagesCrawled int       `json:"pages_crawled"`
	Errors       int       `json:"errors"`
	Findings     []Finding `json:"findings"`
	Links        []string  `json:"links"`
	Subjects     []string  `json:"subjects"`
}

// Crawler performs bounded BFS traversals. It shares the rate-limited
// fetcher with the listing workers, so domain pacing holds across both.
type Crawler struct {
	fetcher listing.Fetcher
	gate    listing.ComplianceGate
	logger  *zap.Logger
}

// New builds a Crawler.
func New(fetcher listing.Fetcher, gate listing.ComplianceGate, logger *zap.Logger) *Crawler {
	return &Crawler{fetcher: fetcher, gate: gate, logger: logger}
}

type frontierEntry struct {
	url   string
	depth int
}

// Research crawls breadth-first from the seed. All depth-d pages are
// processed before any depth-d+1 page; no URL is dequeued twice; traversal
// stops at maxPages, maxDepth, or frontier exhaustion. Page failures are
// counted and skipped.
func (c *Crawler) Research(ctx context.Context, seedURL string, terms []string, maxDepth, maxPages int) (Report, error) {
	report := Report{SeedURL: seedURL, Terms: terms}
	if maxPages <= 0 || seedURL == "" {
		return report, nil
	}

	frontier := []frontierEntry{{url: seedURL, depth: 0}}
	// Dedupe at enqueue time: a URL linked from several pages enters the
	// frontier and the report once.
	seen := map[string]struct{}{seedURL: {}}
	subjects := map[string]struct{}{}

	for len(frontier) > 0 && report.PagesCrawled < maxPages {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		entry := frontier[0]
		frontier = frontier[1:]

		page, ok := c.crawlPage(ctx, entry, terms, &report)
		if !ok {
			continue
		}
		report.PagesCrawled++

		for _, term := range terms {
			if strings.Contains(strings.ToLower(page.Title+" "+page.Text), strings.ToLower(term)) {
				subjects[strings.ToLower(term)] = struct{}{}
			}
		}

		if page.relevance > relevanceFloor {
			report.Findings = append(report.Findings, Finding{
				URL:       entry.url,
				Title:     page.Title,
				Summary:   summarize(page.Description, page.Text),
				Relevance: page.relevance,
				Depth:     entry.depth,
			})
		}

		if entry.depth < maxDepth {
			enqueued := 0
			for _, link := range page.Links {
				if enqueued >= linksPerPage {
					break
				}
				if _, dup := seen[link]; dup {
					continue
				}
				seen[link] = struct{}{}
				frontier = append(frontier, frontierEntry{url: link, depth: entry.depth + 1})
				report.Links = append(report.Links, link)
				enqueued++
			}
		}
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		return report.Findings[i].Relevance > report.Findings[j].Relevance
	})
	if len(report.Findings) > maxFindings {
		report.Findings = report.Findings[:maxFindings]
	}
	if len(report.Links) > maxLinks {
		report.Links = report.Links[:maxLinks]
	}

	for s := range subjects {
		report.Subjects = append(report.Subjects, s)
	}
	sort.Strings(report.Subjects)

	return report, nil
}

type crawledPage struct {
	extract.PageContent
	relevance float64
}

func (c *Crawler) crawlPage(ctx context.Context, entry frontierEntry, terms []string, report *Report) (crawledPage, bool) {
	headers := c.gate.CompliantHeaders(entry.url)
	res, err := c.fetcher.Fetch(ctx, entry.url, headers)
	if err != nil {
		report.Errors++
		c.logger.Warn("research fetch failed",
			zap.String("url", entry.url),
			zap.Int("depth", entry.depth),
			zap.Error(err),
		)
		return crawledPage{}, false
	}

	html := string(res.Body)
	if allowed, reason := c.gate.CheckMetaRobots(html); !allowed {
		report.Errors++
		c.logger.Info("meta robots blocks research page",
			zap.String("url", entry.url),
			zap.String("reason", reason),
		)
		return crawledPage{}, false
	}

	content := extract.Content(res.Body, entry.url)
	return crawledPage{
		PageContent: content,
		relevance:   Relevance(content.Title, content.Text, terms),
	}, true
}

// Relevance scores term density in the page text, bounded to [0,1]. No terms
// means indifferent (0.5).
func Relevance(title, text string, terms []string) float64 {
	if len(terms) == 0 {
		return 0.5
	}

	haystack := strings.ToLower(title + " " + text)
	words := len(strings.Fields(haystack))
	if words == 0 {
		return 0
	}

	matches := 0
	for _, term := range terms {
		matches += strings.Count(haystack, strings.ToLower(term))
	}

	density := float64(matches) / (float64(words) * float64(len(terms)))
	score := density * 1000
	if score > 1 {
		return 1
	}
	return score
}

func summarize(description, text string) string {
	if description != "" {
		return description
	}
	words := strings.Fields(text)
	if len(words) <= 100 {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:100], " ") + "..."
}
