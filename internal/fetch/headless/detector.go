package headless

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Markers that a page refuses to work without a browser engine.
var jsRequiredMarkers = []string{
	"enable javascript",
	"javascript is required",
	"javascript is disabled",
	"requires javascript",
}

// Empty application shells that frameworks hydrate client-side.
var shellSelectors = []string{
	"div#root:empty",
	"div#app:empty",
	"div#__next:empty",
}

// LooksJSRendered reports whether a statically fetched page is likely an
// unhydrated client-side shell, meaning a headless render would see more.
func LooksJSRendered(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range jsRequiredMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}

	for _, sel := range shellSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}

	scripts := doc.Find("script").Length()
	doc.Find("script, style, noscript").Remove()
	visible := strings.TrimSpace(doc.Text())

	// Heavy scripting with almost no server-rendered text is the classic SPA
	// shell signature.
	return scripts >= 3 && len(visible) < 200
}
