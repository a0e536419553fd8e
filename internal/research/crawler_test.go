package research

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/listing"
)

type openGate struct{}

func (openGate) CheckURLAllowed(context.Context, string) (bool, string) { return true, "" }
func (openGate) CheckMetaRobots(html string) (bool, string) {
	if strings.Contains(html, `content="noindex"`) {
		return false, "noindex"
	}
	return true, ""
}
func (openGate) CompliantHeaders(string) http.Header { return http.Header{} }

// graphFetcher serves a static page graph and records visit order.
type graphFetcher struct {
	pages map[string]string
	order []string
}

func (f *graphFetcher) Fetch(_ context.Context, url string, _ http.Header) (listing.FetchResult, error) {
	f.order = append(f.order, url)
	body, ok := f.pages[url]
	if !ok {
		return listing.FetchResult{}, &listing.FetchError{Kind: listing.FetchErrHTTPStatus, URL: url, StatusCode: 404}
	}
	return listing.FetchResult{URL: url, StatusCode: 200, Body: []byte(body)}, nil
}

func page(title, text string, links ...string) string {
	var b strings.Builder
	b.WriteString("<html><head><title>" + title + "</title></head><body><article><p>")
	b.WriteString(text)
	b.WriteString("</p>")
	for _, l := range links {
		b.WriteString(fmt.Sprintf(`<a href="%s">link</a>`, l))
	}
	b.WriteString("</article></body></html>")
	return b.String()
}

func newTestCrawler(f *graphFetcher) *Crawler {
	return New(f, openGate{}, zap.NewNop())
}

func TestResearchBoundedByMaxPagesAndDepth(t *testing.T) {
	// Seed links to 10 pages; maxDepth=1, maxPages=5.
	pages := map[string]string{}
	var links []string
	for i := 1; i <= 10; i++ {
		u := fmt.Sprintf("https://topic.example.org/p%d", i)
		links = append(links, u)
		// Depth-1 pages link further down; those must never be visited.
		pages[u] = page(fmt.Sprintf("Page %d", i), "gardening gardening tips", fmt.Sprintf("https://topic.example.org/deep%d", i))
	}
	seed := "https://topic.example.org/"
	pages[seed] = page("Seed", "all about gardening", links...)

	f := &graphFetcher{pages: pages}
	report, err := newTestCrawler(f).Research(context.Background(), seed, []string{"gardening"}, 1, 5)
	require.NoError(t, err)

	require.Equal(t, 5, report.PagesCrawled)
	require.LessOrEqual(t, len(f.order), 5)
	for _, u := range f.order {
		require.NotContains(t, u, "deep", "no page beyond depth 1 may be fetched")
	}
}

func TestResearchBFSLayerOrdering(t *testing.T) {
	seed := "https://g.example.org/"
	pages := map[string]string{
		seed: page("Seed", "roots", "https://g.example.org/a", "https://g.example.org/b"),
		"https://g.example.org/a": page("A", "layer one", "https://g.example.org/a1"),
		"https://g.example.org/b": page("B", "layer one", "https://g.example.org/b1"),
		"https://g.example.org/a1": page("A1", "layer two"),
		"https://g.example.org/b1": page("B1", "layer two"),
	}

	f := &graphFetcher{pages: pages}
	_, err := newTestCrawler(f).Research(context.Background(), seed, []string{"layer"}, 3, 100)
	require.NoError(t, err)

	require.Equal(t, []string{
		seed,
		"https://g.example.org/a",
		"https://g.example.org/b",
		"https://g.example.org/a1",
		"https://g.example.org/b1",
	}, f.order)
}

func TestResearchNeverVisitsURLTwice(t *testing.T) {
	seed := "https://g.example.org/"
	// a and b both link back to the seed and to each other.
	pages := map[string]string{
		seed: page("Seed", "x", "https://g.example.org/a", "https://g.example.org/b"),
		"https://g.example.org/a": page("A", "x", seed, "https://g.example.org/b"),
		"https://g.example.org/b": page("B", "x", seed, "https://g.example.org/a"),
	}

	f := &graphFetcher{pages: pages}
	_, err := newTestCrawler(f).Research(context.Background(), seed, nil, 5, 100)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, u := range f.order {
		seen[u]++
	}
	for u, n := range seen {
		require.Equal(t, 1, n, "url %s fetched %d times", u, n)
	}
}

func TestResearchSharedLinkEnqueuedOnce(t *testing.T) {
	seed := "https://g.example.org/"
	// a and b, both at depth 1, link to the same depth-2 page.
	shared := "https://g.example.org/shared"
	pages := map[string]string{
		seed:                      page("Seed", "x", "https://g.example.org/a", "https://g.example.org/b"),
		"https://g.example.org/a": page("A", "x", shared),
		"https://g.example.org/b": page("B", "x", shared),
		shared:                    page("Shared", "x"),
	}

	f := &graphFetcher{pages: pages}
	report, err := newTestCrawler(f).Research(context.Background(), seed, nil, 3, 100)
	require.NoError(t, err)

	fetched := 0
	for _, u := range f.order {
		if u == shared {
			fetched++
		}
	}
	require.Equal(t, 1, fetched)

	listed := 0
	for _, l := range report.Links {
		if l == shared {
			listed++
		}
	}
	require.Equal(t, 1, listed, "a link discovered from two pages is reported once")
}

func TestResearchPageFailureIsCountedNotFatal(t *testing.T) {
	seed := "https://g.example.org/"
	pages := map[string]string{
		seed: page("Seed", "x", "https://g.example.org/missing", "https://g.example.org/ok"),
		"https://g.example.org/ok": page("OK", "fine"),
	}

	f := &graphFetcher{pages: pages}
	report, err := newTestCrawler(f).Research(context.Background(), seed, nil, 2, 100)
	require.NoError(t, err)

	require.Equal(t, 2, report.PagesCrawled)
	require.Equal(t, 1, report.Errors)
}

func TestResearchMetaRobotsSkipsPage(t *testing.T) {
	seed := "https://g.example.org/"
	pages := map[string]string{
		seed: page("Seed", "x", "https://g.example.org/private"),
		"https://g.example.org/private": `<html><head><meta name="robots" content="noindex"></head><body>secret</body></html>`,
	}

	f := &graphFetcher{pages: pages}
	report, err := newTestCrawler(f).Research(context.Background(), seed, nil, 2, 100)
	require.NoError(t, err)

	require.Equal(t, 1, report.PagesCrawled)
	require.Equal(t, 1, report.Errors)
}

func TestResearchFindingsSortedAndFloored(t *testing.T) {
	seed := "https://g.example.org/"
	pages := map[string]string{
		seed: page("Seed index", "nothing relevant here at all in this long piece of filler text",
			"https://g.example.org/hot", "https://g.example.org/warm"),
		"https://g.example.org/hot":  page("Hot", "beekeeping beekeeping beekeeping"),
		"https://g.example.org/warm": page("Warm", "beekeeping mentioned once among many many other completely unrelated words of padding"),
	}

	f := &graphFetcher{pages: pages}
	report, err := newTestCrawler(f).Research(context.Background(), seed, []string{"beekeeping"}, 2, 100)
	require.NoError(t, err)

	require.NotEmpty(t, report.Findings)
	for i := 1; i < len(report.Findings); i++ {
		require.GreaterOrEqual(t, report.Findings[i-1].Relevance, report.Findings[i].Relevance)
	}
	for _, finding := range report.Findings {
		require.Greater(t, finding.Relevance, 0.5)
	}
	require.Contains(t, report.Subjects, "beekeeping")
}

func TestRelevanceFormula(t *testing.T) {
	require.Equal(t, 0.5, Relevance("any", "text", nil))
	require.Equal(t, 0.0, Relevance("", "", []string{"x"}))
	require.Equal(t, 1.0, Relevance("go", "go go go go", []string{"go"}))

	// 1 match over 10 words and 1 term: 0.1 * 1000 capped to 1... density
	// math stays within [0,1].
	score := Relevance("", "beekeeping one two three four five six seven eight nine", []string{"beekeeping"})
	require.Greater(t, score, 0.0)
	require.LessOrEqual(t, score, 1.0)
}

func TestResearchEmptyInputs(t *testing.T) {
	f := &graphFetcher{pages: map[string]string{}}
	report, err := newTestCrawler(f).Research(context.Background(), "", []string{"x"}, 3, 10)
	require.NoError(t, err)
	require.Zero(t, report.PagesCrawled)

	report, err = newTestCrawler(f).Research(context.Background(), "https://g.example.org/", []string{"x"}, 3, 0)
	require.NoError(t, err)
	require.Zero(t, report.PagesCrawled)
	require.Empty(t, f.order)
}
