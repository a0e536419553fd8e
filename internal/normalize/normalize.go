// Package normalize canonicalizes raw listings into typed records and
// computes their content fingerprints.
package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/openlistings/harvester/internal/listing"
)

const (
	maxTitle      = 240
	maxOrg        = 200
	maxLocation   = 128
	maxSnippet    = 10_000
	maxURL        = 512
	maxExternalID = 128
	maxSourceName = 128
)

// Normalizer turns RawListings into NormalizedRecords. Skills come from the
// keyword collaborator; time and IDs come through seams so tests stay
// deterministic.
type Normalizer struct {
	keywords listing.KeywordExtractor
	clock    listing.Clock
	ids      listing.IDGenerator
}

// New builds a Normalizer.
func New(keywords listing.KeywordExtractor, clock listing.Clock, ids listing.IDGenerator) *Normalizer {
	return &Normalizer{keywords: keywords, clock: clock, ids: ids}
}

// Normalize canonicalizes one raw listing. A listing missing both title and
// external id returns a NormalizationError; the caller skips and counts it.
func (n *Normalizer) Normalize(raw listing.RawListing) (listing.NormalizedRecord, error) {
	title := CanonicalTitle(htmlText(raw.TitleHTML))
	if title == "" && raw.ExternalID == "" {
		return listing.NormalizedRecord{}, &listing.NormalizationError{
			SourceName: raw.SourceName,
			Reason:     "missing title and external id",
		}
	}

	org := CanonicalOrg(htmlText(raw.OrgHTML))
	loc := parseLocation(raw.LocationText)
	snippet := htmlText(raw.SnippetHTML)

	id, err := n.ids.NewID()
	if err != nil {
		return listing.NormalizedRecord{}, fmt.Errorf("normalize: new record id: %w", err)
	}

	rec := listing.NormalizedRecord{
		ID:           id,
		Title:        clip(title, maxTitle),
		Organization: clip(org, maxOrg),
		Location:     loc,
		Snippet:      clip(snippet, maxSnippet),
		URL:          clip(raw.URL, maxURL),
		ExternalID:   clip(raw.ExternalID, maxExternalID),
		SourceName:   clip(raw.SourceName, maxSourceName),
		PostedAt:     parsePostedAt(raw.PostedText, raw.Fetch.FetchedAt),
		Employment:   inferEmployment(title, snippet),
		Salary:       parseSalary(raw.SalaryText),
		Skills:       n.keywords.Extract(title + " " + snippet),
		FetchedAt:    raw.Fetch.FetchedAt,
		NormalizedAt: n.clock.Now(),
	}
	rec.Fingerprint = Fingerprint(rec.Organization, rec.Title, rec.Location.Raw, rec.ExternalID)
	return rec, nil
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)

	titleAbbrevs = []struct {
		pattern *regexp.Regexp
		full    string
	}{
		{regexp.MustCompile(`\bsr\.?\b`), "senior"},
		{regexp.MustCompile(`\bjr\.?\b`), "junior"},
		{regexp.MustCompile(`\beng\.?\b`), "engineer"},
		{regexp.MustCompile(`\bmgr\.?\b`), "manager"},
		{regexp.MustCompile(`\bdev\.?\b`), "developer"},
		{regexp.MustCompile(`\badmin\.?\b`), "administrator"},
	}

	orgSuffix = regexp.MustCompile(`(?i),?\s*(inc\.?|llc\.?|ltd\.?|corp\.?|corporation|company|co\.?)$`)
)

// CanonicalTitle lowercases, expands common abbreviations, and collapses
// whitespace.
func CanonicalTitle(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	for _, ab := range titleAbbrevs {
		title = ab.pattern.ReplaceAllString(title, ab.full)
	}
	return collapseSpace(title)
}

// CanonicalOrg folds case and strips trailing legal suffixes.
func CanonicalOrg(org string) string {
	org = strings.ToLower(strings.TrimSpace(org))
	org = orgSuffix.ReplaceAllString(org, "")
	return collapseSpace(strings.Trim(org, " ,."))
}

// parseLocation splits comma-separated locations into parts where
// recognizable; the raw string is always retained.
func parseLocation(raw string) listing.Location {
	raw = collapseSpace(raw)
	loc := listing.Location{Raw: clip(raw, maxLocation)}
	if raw == "" {
		return loc
	}

	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	switch len(parts) {
	case 2:
		loc.City, loc.Country = parts[0], parts[1]
	case 3:
		loc.City, loc.Region, loc.Country = parts[0], parts[1], parts[2]
	}
	return loc
}

func htmlText(html string) string {
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return collapseSpace(html)
	}
	doc.Find("script, style").Remove()
	return collapseSpace(doc.Text())
}

func collapseSpace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// clip truncates to at most n bytes, backing up to a rune boundary so the
// result stays valid UTF-8.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
