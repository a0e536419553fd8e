package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/openlistings/harvester/internal/listing"
)

// IndeedStrategy knows Indeed's card markup, which the generic defaults miss.
// It reuses the selector machinery with site-specific selectors and the
// data-jk identifier attribute.
type IndeedStrategy struct {
	inner *SelectorStrategy
}

// NewIndeed builds the Indeed strategy.
func NewIndeed() *IndeedStrategy {
	return &IndeedStrategy{
		inner: &SelectorStrategy{
			defaults: listing.Selectors{
				Listing:  "div.job_seen_beacon, a.tapItem",
				Title:    "h2.jobTitle, [data-testid=jobTitle]",
				Org:      "span.companyName, [data-testid=company-name]",
				Location: "div.companyLocation, [data-testid=text-location]",
				Posted:   "span.date, [data-testid=myJobsStateDate]",
				Snippet:  "div.job-snippet, [data-testid=jobsnippet]",
				Salary:   "div.salary-snippet-container, .salary-snippet",
				IDAttr:   "data-jk",
			},
			idAttrs:       []string{"data-jk", "data-job-id"},
			nextSelectors: []string{"a[data-testid=pagination-page-next]", "a[aria-label=Next]"},
		},
	}
}

// Extract ignores the source's own selectors: this strategy is authoritative
// for its site.
func (s *IndeedStrategy) Extract(html string, cfg listing.SourceConfig, meta listing.FetchMetadata) []listing.RawListing {
	siteCfg := cfg
	siteCfg.Selectors = listing.Selectors{}
	out := s.inner.Extract(html, siteCfg, meta)
	for i := range out {
		// Card anchors carry the job key when the fragment itself doesn't.
		if out[i].ExternalID == "" {
			out[i].ExternalID = jobKeyFromPayload(out[i].RawPayload)
		}
	}
	return out
}

// PaginationTarget follows Indeed's next-page control.
func (s *IndeedStrategy) PaginationTarget(html string, cfg listing.SourceConfig, pageURL string) string {
	siteCfg := cfg
	siteCfg.PaginationPattern = ""
	return s.inner.PaginationTarget(html, siteCfg, pageURL)
}

func jobKeyFromPayload(payload string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(payload))
	if err != nil {
		return ""
	}
	jk, _ := doc.Find("[data-jk]").First().Attr("data-jk")
	return jk
}
