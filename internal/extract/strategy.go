// Package extract turns fetched pages into raw listing records and, for
// research crawls, into page content with outbound links.
package extract

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/openlistings/harvester/internal/listing"
)

// Strategy extracts listings from one page. Implementations never panic and
// never abort a page over one bad fragment: they return the largest subset of
// listings they can parse.
type Strategy interface {
	Extract(html string, cfg listing.SourceConfig, meta listing.FetchMetadata) []listing.RawListing
	// PaginationTarget returns the absolute URL of the next results page, or
	// "" when pagination is exhausted or undetectable.
	PaginationTarget(html string, cfg listing.SourceConfig, pageURL string) string
}

// ForSource selects the strategy for a source kind. Unknown kinds get the
// generic selector strategy.
func ForSource(kind listing.SourceKind) Strategy {
	switch kind {
	case listing.SourceKindIndeed:
		return NewIndeed()
	default:
		return NewSelector()
	}
}

var (
	jobHrefID       = regexp.MustCompile(`/job[s]?/(\w+)`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
	trackingParams  = []string{"utm_", "ref", "source", "campaign", "medium", "fbclid", "gclid"}
	maxListingURL   = 512
	maxTitleHTML    = 240
	maxOrgHTML      = 200
	maxLocationText = 128
	maxPostedText   = 64
	maxSnippetHTML  = 5000
	maxSalaryText   = 128
)

// NormalizeURL absolutizes a link against its page, strips tracking
// parameters and the fragment, and caps length. Unparseable URLs are returned
// trimmed but otherwise untouched.
func NormalizeURL(raw, base string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return clip(raw, maxListingURL)
	}
	if base != "" && !u.IsAbs() {
		b, berr := url.Parse(base)
		if berr == nil {
			u = b.ResolveReference(u)
		}
	}

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		for _, prefix := range trackingParams {
			if strings.HasPrefix(lower, prefix) {
				q.Del(key)
				break
			}
		}
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""

	return clip(u.String(), maxListingURL)
}

// externalIDFromHref derives an identifier from URL patterns like /job/12345.
func externalIDFromHref(href string) string {
	m := jobHrefID.FindStringSubmatch(href)
	if len(m) == 2 {
		return m[1]
	}
	return ""
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
