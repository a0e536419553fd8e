package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const articleHTML = `
<html>
<head>
	<title>Go Concurrency Patterns</title>
	<meta name="description" content="Pipelines and cancellation in Go.">
</head>
<body>
	<nav><a href="/home">Home</a><a href="/login">Login</a></nav>
	<header>Site Header Boilerplate</header>
	<article>
		<h1>Go Concurrency Patterns</h1>
		<p>Channels orchestrate; mutexes serialize.</p>
		<a href="/articles/channels">Channels deep dive</a>
		<a href="https://example.org/select?utm_source=rss">Select statement</a>
		<a href="https://example.org/select">Select statement again</a>
		<a href="https://facebook.com/share">Share</a>
		<a href="mailto:editor@example.org">Email us</a>
	</article>
	<footer>Footer junk</footer>
	<script>trackEverything()</script>
</body>
</html>`

func TestContentExtractsTitleAndDescription(t *testing.T) {
	pc := Content([]byte(articleHTML), "https://example.org/articles/concurrency")
	require.Equal(t, "Go Concurrency Patterns", pc.Title)
	require.Equal(t, "Pipelines and cancellation in Go.", pc.Description)
}

func TestContentPrefersArticleAndStripsBoilerplate(t *testing.T) {
	pc := Content([]byte(articleHTML), "https://example.org/articles/concurrency")
	require.Contains(t, pc.Text, "Channels orchestrate")
	require.NotContains(t, pc.Text, "Footer junk")
	require.NotContains(t, pc.Text, "Site Header Boilerplate")
	require.NotContains(t, pc.Text, "trackEverything")
}

func TestContentLinksFilteredAndDeduplicated(t *testing.T) {
	pc := Content([]byte(articleHTML), "https://example.org/articles/concurrency")

	require.Contains(t, pc.Links, "https://example.org/articles/channels")
	require.Contains(t, pc.Links, "https://example.org/select")

	// utm-stripped duplicate collapses to one entry.
	count := 0
	for _, l := range pc.Links {
		if l == "https://example.org/select" {
			count++
		}
	}
	require.Equal(t, 1, count)

	for _, l := range pc.Links {
		require.NotContains(t, l, "facebook.com")
		require.NotContains(t, l, "login")
		require.NotContains(t, l, "mailto:")
	}
}

func TestContentFallsBackToBody(t *testing.T) {
	html := `<html><body><p>plain page, no article element</p></body></html>`
	pc := Content([]byte(html), "https://example.org/")
	require.Contains(t, pc.Text, "plain page")
}

func TestContentGarbageInput(t *testing.T) {
	pc := Content([]byte("<<<not html"), "https://example.org/")
	require.Empty(t, pc.Links)
}
