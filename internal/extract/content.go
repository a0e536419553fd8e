package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const maxContentText = 50_000

// PageContent is what the research crawler needs from one page: identity,
// readable text, and where to go next.
type PageContent struct {
	Title       string
	Description string
	Text        string
	Links       []string
}

// Link substrings that are never worth following during research.
var skipLinkFragments = []string{
	"javascript:", "mailto:", "tel:",
	"login", "signup", "cart", "checkout",
	"facebook.com", "twitter.com", "instagram.com",
}

// Content extracts the research view of a page: title, meta description,
// main text with boilerplate stripped, and normalized outbound links in
// document order.
func Content(html []byte, baseURL string) PageContent {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return PageContent{}
	}

	pc := PageContent{
		Title: collapseSpace(doc.Find("title").First().Text()),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		pc.Description = collapseSpace(desc)
	}

	doc.Find("script, style, nav, footer, aside, header").Remove()

	pc.Links = outboundLinks(doc, baseURL)

	main := doc.Find("article").First()
	if main.Length() == 0 {
		main = doc.Find("main").First()
	}
	if main.Length() == 0 {
		main = doc.Find(`[role="main"]`).First()
	}
	if main.Length() == 0 {
		main = doc.Find("body").First()
	}
	if main.Length() == 0 {
		main = doc.Selection
	}
	pc.Text = clip(collapseSpace(main.Text()), maxContentText)

	return pc
}

func outboundLinks(doc *goquery.Document, baseURL string) []string {
	seen := make(map[string]struct{})
	var links []string

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		abs := NormalizeURL(href, baseURL)
		if !strings.HasPrefix(abs, "http://") && !strings.HasPrefix(abs, "https://") {
			return
		}
		lower := strings.ToLower(abs)
		for _, frag := range skipLinkFragments {
			if strings.Contains(lower, frag) {
				return
			}
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})

	return links
}
