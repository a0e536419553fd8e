package fetch

import "strings"

// Markers that indicate an anti-bot interstitial rather than content. A hit
// aborts the whole job: retrying a captcha only digs the hole deeper.
var captchaMarkers = []string{
	"verify you are human",
	"recaptcha",
	"captcha",
	"please complete the security check",
	"are you a robot",
	"bot detection",
	"google.com/recaptcha",
}

// looksLikeCaptcha reports whether the body matches a captcha heuristic.
func looksLikeCaptcha(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
