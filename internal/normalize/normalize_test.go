package normalize

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/openlistings/harvester/internal/listing"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return "rec-" + strings.Repeat("0", 3-len(itoa(g.n))) + itoa(g.n), nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

type stubKeywords struct{}

func (stubKeywords) Extract(text string) map[string][]string {
	out := map[string][]string{}
	if strings.Contains(strings.ToLower(text), "go") {
		out["tech_skills"] = []string{"go"}
	}
	return out
}

var (
	testFetchedAt = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	testNow       = time.Date(2026, 8, 20, 12, 5, 0, 0, time.UTC)
)

func newTestNormalizer() *Normalizer {
	return New(stubKeywords{}, fixedClock{t: testNow}, &seqIDs{})
}

func rawFixture() listing.RawListing {
	return listing.RawListing{
		ExternalID:   "j-42",
		SourceName:   "Example Jobs",
		TitleHTML:    `<h2>Sr. Go Eng</h2>`,
		OrgHTML:      `<span>Acme, Inc</span>`,
		LocationText: "Berlin, Germany",
		PostedText:   "2 days ago",
		SnippetHTML:  `<p>Write Go services. Full-time role.</p>`,
		SalaryText:   "$80,000 - $120,000",
		URL:          "https://jobs.example.com/jobs/42",
		Fetch:        listing.FetchMetadata{FetchedAt: testFetchedAt, StatusCode: 200},
	}
}

func TestNormalizeHappyPath(t *testing.T) {
	rec, err := newTestNormalizer().Normalize(rawFixture())
	require.NoError(t, err)

	require.Equal(t, "senior go engineer", rec.Title)
	require.Equal(t, "acme", rec.Organization)
	require.Equal(t, "Berlin, Germany", rec.Location.Raw)
	require.Equal(t, "Berlin", rec.Location.City)
	require.Equal(t, "Germany", rec.Location.Country)
	require.Equal(t, "Write Go services. Full-time role.", rec.Snippet)
	require.Equal(t, listing.EmploymentFullTime, rec.Employment)
	require.Equal(t, []string{"go"}, rec.Skills["tech_skills"])
	require.Equal(t, testFetchedAt, rec.FetchedAt)
	require.Equal(t, testNow, rec.NormalizedAt)
	require.NotEmpty(t, rec.ID)

	require.NotNil(t, rec.PostedAt)
	require.Equal(t, testFetchedAt.Add(-48*time.Hour), *rec.PostedAt)

	require.NotNil(t, rec.Salary)
	require.Equal(t, int64(80_000_00), rec.Salary.MinCents)
	require.Equal(t, int64(120_000_00), rec.Salary.MaxCents)
	require.Equal(t, "USD", rec.Salary.Currency)
	require.Equal(t, listing.SalaryPeriodAnnual, rec.Salary.Period)
}

func TestNormalizeMissingTitleAndIDFails(t *testing.T) {
	raw := rawFixture()
	raw.TitleHTML = ""
	raw.ExternalID = ""

	_, err := newTestNormalizer().Normalize(raw)
	var nerr *listing.NormalizationError
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, "Example Jobs", nerr.SourceName)
}

func TestNormalizeExternalIDAloneSuffices(t *testing.T) {
	raw := rawFixture()
	raw.TitleHTML = ""

	rec, err := newTestNormalizer().Normalize(raw)
	require.NoError(t, err)
	require.Empty(t, rec.Title)
	require.Equal(t, "j-42", rec.ExternalID)
}

func TestFingerprintDeterministic(t *testing.T) {
	n := newTestNormalizer()
	a, err := n.Normalize(rawFixture())
	require.NoError(t, err)
	b, err := n.Normalize(rawFixture())
	require.NoError(t, err)

	require.Equal(t, a.Fingerprint, b.Fingerprint)
	require.NotEqual(t, a.ID, b.ID)
	require.Len(t, a.Fingerprint, 64)
}

func TestFingerprintExternalIDOmittedWhenEmpty(t *testing.T) {
	withID := Fingerprint("acme", "engineer", "berlin", "x1")
	without := Fingerprint("acme", "engineer", "berlin", "")
	require.NotEqual(t, withID, without)
	require.Equal(t, without, Fingerprint("Acme", "Engineer", "BERLIN", ""))
}

func TestCanonicalTitle(t *testing.T) {
	cases := map[string]string{
		"Sr. Software Eng":     "senior software engineer",
		"Jr Dev":               "junior developer",
		"IT  Admin\t(remote)":  "it administrator (remote)",
		"Engineering Manager":  "engineering manager",
		"  Sales   Mgr  ":      "sales manager",
		"Developer Experience": "developer experience",
	}
	for in, want := range cases {
		require.Equal(t, want, CanonicalTitle(in), "input %q", in)
	}
}

func TestCanonicalOrg(t *testing.T) {
	cases := map[string]string{
		"Acme Inc.":            "acme",
		"ACME, Inc":            "acme",
		"Globex Corporation":   "globex",
		"Initech LLC":          "initech",
		"Umbrella Co.":         "umbrella",
		"Wayne  Enterprises":   "wayne enterprises",
		"Stark Industries Ltd": "stark industries",
	}
	for in, want := range cases {
		require.Equal(t, want, CanonicalOrg(in), "input %q", in)
	}
}

func TestParseLocation(t *testing.T) {
	loc := parseLocation("Austin, TX, USA")
	require.Equal(t, "Austin", loc.City)
	require.Equal(t, "TX", loc.Region)
	require.Equal(t, "USA", loc.Country)

	loc = parseLocation("Remote")
	require.Equal(t, "Remote", loc.Raw)
	require.Empty(t, loc.City)

	require.Empty(t, parseLocation("").Raw)
}

func TestParseSalaryVariants(t *testing.T) {
	s := parseSalary("$50k-$70k")
	require.NotNil(t, s)
	require.Equal(t, int64(50_000_00), s.MinCents)
	require.Equal(t, int64(70_000_00), s.MaxCents)
	require.Equal(t, "USD", s.Currency)

	s = parseSalary("£40,000 - £60,000")
	require.NotNil(t, s)
	require.Equal(t, "GBP", s.Currency)
	require.Equal(t, int64(40_000_00), s.MinCents)

	s = parseSalary("€30 per hour")
	require.NotNil(t, s)
	require.Equal(t, "EUR", s.Currency)
	require.Equal(t, listing.SalaryPeriodHourly, s.Period)
	require.Equal(t, int64(30*2080*100), s.MinCents)
	require.Equal(t, s.MinCents, s.MaxCents)

	s = parseSalary("100000")
	require.NotNil(t, s)
	require.Equal(t, int64(100_000_00), s.MinCents)
	require.Equal(t, s.MinCents, s.MaxCents)

	// Reversed ranges still order min <= max.
	s = parseSalary("$70k - $50k")
	require.NotNil(t, s)
	require.Equal(t, int64(50_000_00), s.MinCents)
	require.Equal(t, int64(70_000_00), s.MaxCents)

	require.Nil(t, parseSalary("competitive"))
	require.Nil(t, parseSalary(""))
}

func TestParsePostedAtVariants(t *testing.T) {
	at := func(text string) *time.Time { return parsePostedAt(text, testFetchedAt) }

	require.Equal(t, testFetchedAt.Add(-3*time.Hour), *at("Posted 3 hours ago"))
	require.Equal(t, testFetchedAt.Add(-2*24*time.Hour), *at("2 days ago"))
	require.Equal(t, testFetchedAt.Add(-1*7*24*time.Hour), *at("1 week ago"))
	require.Equal(t, testFetchedAt.Add(-2*30*24*time.Hour), *at("2 months ago"))
	require.Equal(t, testFetchedAt, *at("Just posted"))

	abs := at("2026-08-01")
	require.NotNil(t, abs)
	require.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), *abs)

	iso := at("2026-08-01T09:30:00Z")
	require.NotNil(t, iso)
	require.Equal(t, time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC), *iso)

	require.Nil(t, at("sometime recently"))
	require.Nil(t, at(""))
}

func TestInferEmployment(t *testing.T) {
	cases := map[string]listing.EmploymentType{
		"Software Engineering Intern":    listing.EmploymentInternship,
		"Contract Go Developer":          listing.EmploymentContract,
		"Part-time bookkeeper":           listing.EmploymentPartTime,
		"Seasonal warehouse associate":   listing.EmploymentTemporary,
		"Full time platform engineer":    listing.EmploymentFullTime,
		"Staff Engineer, Infrastructure": listing.EmploymentUnspecified,
	}
	for title, want := range cases {
		require.Equal(t, want, inferEmployment(strings.ToLower(title), ""), "title %q", title)
	}
}

func TestNormalizeCapsFieldLengths(t *testing.T) {
	raw := rawFixture()
	raw.SnippetHTML = "<p>" + strings.Repeat("x", 20_000) + "</p>"

	rec, err := newTestNormalizer().Normalize(raw)
	require.NoError(t, err)
	require.LessOrEqual(t, len(rec.Snippet), 10_000)
}

func TestNormalizeCapsKeepValidUTF8(t *testing.T) {
	raw := rawFixture()
	// Multibyte runes past every cap; a byte-wise cut would leave a broken
	// rune at the boundary.
	raw.TitleHTML = "<h2>инженер " + strings.Repeat("п", 300) + "</h2>"
	raw.OrgHTML = "<span>" + strings.Repeat("ü", 300) + "</span>"
	raw.LocationText = strings.Repeat("東", 200)
	raw.SnippetHTML = "<p>" + strings.Repeat("é", 11_000) + "</p>"

	rec, err := newTestNormalizer().Normalize(raw)
	require.NoError(t, err)
	for name, field := range map[string]string{
		"title":    rec.Title,
		"org":      rec.Organization,
		"location": rec.Location.Raw,
		"snippet":  rec.Snippet,
	} {
		require.True(t, utf8.ValidString(field), "%s must stay valid UTF-8", name)
	}
	require.LessOrEqual(t, len(rec.Title), 240)
	require.LessOrEqual(t, len(rec.Location.Raw), 128)
}

func TestClipTruncatesOnRuneBoundary(t *testing.T) {
	// Two-byte runes with the cap on an odd byte: the cut must back up.
	long := strings.Repeat("é", 200)
	got := clip(long, 241)
	require.Equal(t, 240, len(got))
	require.True(t, utf8.ValidString(got))

	require.Equal(t, "plain", clip("plain", 10))
	require.Equal(t, "pla", clip("plain", 3))
}
