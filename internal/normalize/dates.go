package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var relativeDate = regexp.MustCompile(`(\d+)\s*(hour|day|week|month)`)

// parsePostedAt resolves relative phrases against the fetch timestamp and
// falls back to common absolute layouts. Unparseable input is nil, never an
// error.
func parsePostedAt(text string, fetchedAt time.Time) *time.Time {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	lower := strings.ToLower(text)
	if m := relativeDate.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			var d time.Duration
			switch m[2] {
			case "hour":
				d = time.Duration(n) * time.Hour
			case "day":
				d = time.Duration(n) * 24 * time.Hour
			case "week":
				d = time.Duration(n) * 7 * 24 * time.Hour
			case "month":
				d = time.Duration(n) * 30 * 24 * time.Hour
			}
			t := fetchedAt.Add(-d)
			return &t
		}
	}

	if strings.Contains(lower, "today") || strings.Contains(lower, "just posted") {
		t := fetchedAt
		return &t
	}

	for _, layout := range []string{"2006-01-02", "2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, text); err == nil {
			return &t
		}
	}
	return nil
}
