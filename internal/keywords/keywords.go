// Package keywords implements the categorized keyword extractor the
// normalizer and research crawler consult. The table here is a compact
// working set; the full taxonomy lives outside this repository.
package keywords

import (
	"regexp"
	"strings"
)

// categories maps a category name to the keywords recognized for it. Matching
// is whole-word and case-insensitive.
var categories = map[string][]string{
	"tech_skills": {
		"python", "java", "javascript", "typescript", "c++", "c#", "ruby",
		"php", "go", "golang", "rust", "swift", "kotlin",
		"react", "angular", "vue", "django", "flask", "spring", "node.js",
		"sql", "postgresql", "mysql", "mongodb", "redis", "elasticsearch",
		"aws", "azure", "gcp", "docker", "kubernetes", "k8s",
		"machine learning", "deep learning", "tensorflow", "pytorch",
		"git", "jenkins", "ci/cd", "agile", "scrum",
	},
	"product_categories": {
		"laptop", "phone", "headphones", "monitor", "keyboard", "camera",
		"furniture", "appliance", "clothing", "footwear",
	},
	"seasonal_themes": {
		"black friday", "cyber monday", "holiday", "back to school",
		"summer sale", "clearance",
	},
	"demographics": {
		"students", "seniors", "parents", "professionals", "gamers",
	},
}

const maxPerCategory = 50

// Extractor is the default KeywordExtractor implementation. Construct with
// New; the zero value has no patterns compiled.
type Extractor struct {
	patterns map[string][]keywordPattern
}

type keywordPattern struct {
	keyword string
	re      *regexp.Regexp
}

// New compiles the category table into word-boundary matchers.
func New() *Extractor {
	e := &Extractor{patterns: make(map[string][]keywordPattern, len(categories))}
	for cat, words := range categories {
		for _, w := range words {
			// \b misbehaves next to symbols like "c++"; anchor on
			// non-alphanumeric neighbors instead.
			re := regexp.MustCompile(`(?i)(^|[^a-z0-9+#.])` + regexp.QuoteMeta(w) + `($|[^a-z0-9+#])`)
			e.patterns[cat] = append(e.patterns[cat], keywordPattern{keyword: w, re: re})
		}
	}
	return e
}

// Extract returns the keywords found in the text, grouped by category.
// Categories with no hits are omitted.
func (e *Extractor) Extract(text string) map[string][]string {
	if strings.TrimSpace(text) == "" {
		return map[string][]string{}
	}
	lower := strings.ToLower(text)

	out := make(map[string][]string)
	for cat, patterns := range e.patterns {
		for _, p := range patterns {
			if len(out[cat]) >= maxPerCategory {
				break
			}
			if p.re.MatchString(lower) {
				out[cat] = append(out[cat], p.keyword)
			}
		}
	}
	return out
}
