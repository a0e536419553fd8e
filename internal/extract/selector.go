package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/openlistings/harvester/internal/listing"
)

// Built-in fallbacks tried in order when the configured selector matches
// nothing. The final "li" net is deliberately wide; empty fragments are
// dropped below.
var fallbackListingSelectors = []string{".job-card", ".posting", "article", "[data-job-id]", "li"}

// SelectorStrategy is the generic declarative extractor: SourceConfig
// supplies CSS selectors, missing optional fields stay empty.
type SelectorStrategy struct {
	defaults      listing.Selectors
	idAttrs       []string
	nextSelectors []string
}

// NewSelector builds the generic strategy with heuristic defaults.
func NewSelector() *SelectorStrategy {
	return &SelectorStrategy{
		defaults: listing.Selectors{
			Listing:  ".job, article, li.listing",
			Title:    "h2, h3, .title, .job-title",
			Org:      ".company, .employer, .org",
			Location: ".location, .job-location",
			Posted:   ".date, .posted, time",
			Snippet:  ".description, .snippet, p",
			Salary:   ".salary, .pay, .compensation",
			IDAttr:   "data-job-id",
		},
		idAttrs:       []string{"data-job-id", "data-id"},
		nextSelectors: []string{"a[rel=next]", ".pagination a.next", "a.next", "li.next a"},
	}
}

// Extract parses the page and returns one RawListing per matched fragment.
// Fragments with no visible text are dropped; everything else is emitted even
// when fields are missing, leaving validity judgments to the normalizer.
func (s *SelectorStrategy) Extract(html string, cfg listing.SourceConfig, meta listing.FetchMetadata) []listing.RawListing {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	sel := firstNonEmpty(cfg.Selectors.Listing, s.defaults.Listing)
	nodes := doc.Find(sel)
	if nodes.Length() == 0 {
		for _, fb := range fallbackListingSelectors {
			nodes = doc.Find(fb)
			if nodes.Length() > 0 {
				break
			}
		}
	}

	out := make([]listing.RawListing, 0, nodes.Length())
	nodes.Each(func(_ int, fragment *goquery.Selection) {
		if collapseSpace(fragment.Text()) == "" {
			return
		}
		raw := s.extractFragment(fragment, cfg, meta)
		out = append(out, raw)
	})
	return out
}

func (s *SelectorStrategy) extractFragment(fragment *goquery.Selection, cfg listing.SourceConfig, meta listing.FetchMetadata) listing.RawListing {
	sels := cfg.Selectors
	raw := listing.RawListing{
		SourceName: cfg.Name,
		Fetch:      meta,
	}

	idAttrs := s.idAttrs
	if sels.IDAttr != "" {
		idAttrs = append([]string{sels.IDAttr}, idAttrs...)
	}
	for _, attr := range idAttrs {
		if v, ok := fragment.Attr(attr); ok && v != "" {
			raw.ExternalID = v
			break
		}
	}

	var firstHref string
	if link := fragment.Find("a[href]").First(); link.Length() > 0 {
		firstHref, _ = link.Attr("href")
	}
	if raw.ExternalID == "" && firstHref != "" {
		raw.ExternalID = externalIDFromHref(firstHref)
	}
	if firstHref != "" {
		raw.URL = NormalizeURL(firstHref, meta.PageURL)
	}

	raw.TitleHTML = clip(outerHTML(fragment.Find(firstNonEmpty(sels.Title, s.defaults.Title)).First()), maxTitleHTML)
	raw.OrgHTML = clip(outerHTML(fragment.Find(firstNonEmpty(sels.Org, s.defaults.Org)).First()), maxOrgHTML)
	raw.LocationText = clip(collapseSpace(fragment.Find(firstNonEmpty(sels.Location, s.defaults.Location)).First().Text()), maxLocationText)
	raw.SnippetHTML = clip(outerHTML(fragment.Find(firstNonEmpty(sels.Snippet, s.defaults.Snippet)).First()), maxSnippetHTML)
	raw.SalaryText = clip(collapseSpace(fragment.Find(firstNonEmpty(sels.Salary, s.defaults.Salary)).First().Text()), maxSalaryText)

	posted := fragment.Find(firstNonEmpty(sels.Posted, s.defaults.Posted)).First()
	if posted.Length() > 0 {
		if dt, ok := posted.Attr("datetime"); ok && dt != "" {
			raw.PostedText = clip(dt, maxPostedText)
		} else {
			raw.PostedText = clip(collapseSpace(posted.Text()), maxPostedText)
		}
	}

	if payload, err := goquery.OuterHtml(fragment); err == nil {
		raw.RawPayload = payload
	}
	return raw
}

// PaginationTarget finds the next-page link. A configured PaginationPattern
// takes precedence as a CSS selector for the next anchor.
func (s *SelectorStrategy) PaginationTarget(html string, cfg listing.SourceConfig, pageURL string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	selectors := s.nextSelectors
	if cfg.PaginationPattern != "" {
		selectors = append([]string{cfg.PaginationPattern}, selectors...)
	}
	for _, sel := range selectors {
		if link := doc.Find(sel).First(); link.Length() > 0 {
			if href, ok := link.Attr("href"); ok && href != "" {
				next := NormalizeURL(href, pageURL)
				if next != "" && next != pageURL {
					return next
				}
			}
		}
	}
	return ""
}

func outerHTML(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(html)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
