package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/openlistings/harvester/internal/listing"
)

// Annualization factor for hourly figures: 40 hours × 52 weeks.
const hoursPerYear = 2080

var salaryNumber = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([kK])?`)

// parseSalary reads free-form salary text into annualized integer cents with
// currency and original period. Nil when no numbers are present.
func parseSalary(text string) *listing.Salary {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	currency := "USD"
	switch {
	case strings.Contains(text, "£") || strings.Contains(text, "GBP"):
		currency = "GBP"
	case strings.Contains(text, "€") || strings.Contains(text, "EUR"):
		currency = "EUR"
	}

	stripped := strings.NewReplacer("£", "", "$", "", "€", "", ",", "").Replace(text)

	var values []float64
	for _, m := range salaryNumber.FindAllStringSubmatch(stripped, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if m[2] != "" {
			v *= 1000
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil
	}

	min, max := values[0], values[0]
	if len(values) >= 2 {
		if values[1] < min {
			min = values[1]
		}
		if values[1] > max {
			max = values[1]
		}
	}

	period := listing.SalaryPeriodAnnual
	lower := strings.ToLower(text)
	if strings.Contains(lower, "/hr") || strings.Contains(lower, "per hour") || strings.Contains(lower, "hourly") {
		period = listing.SalaryPeriodHourly
		min *= hoursPerYear
		max *= hoursPerYear
	}

	return &listing.Salary{
		MinCents: int64(min * 100),
		MaxCents: int64(max * 100),
		Currency: currency,
		Period:   period,
	}
}

// Employment keyword tables, checked in order: the first hit wins.
var employmentKeywords = []struct {
	kind  listing.EmploymentType
	words []string
}{
	{listing.EmploymentInternship, []string{"intern", "internship", "co-op"}},
	{listing.EmploymentContract, []string{"contract", "contractor", "freelance", "consulting"}},
	{listing.EmploymentPartTime, []string{"part time", "part-time", "parttime"}},
	{listing.EmploymentTemporary, []string{"temporary", "temp ", "seasonal"}},
	{listing.EmploymentFullTime, []string{"full time", "full-time", "fulltime"}},
}

// inferEmployment keyword-matches title plus snippet. Nothing matched means
// unspecified, never an assumed default.
func inferEmployment(title, snippet string) listing.EmploymentType {
	text := strings.ToLower(title + " " + snippet)
	for _, entry := range employmentKeywords {
		for _, w := range entry.words {
			if strings.Contains(text, w) {
				return entry.kind
			}
		}
	}
	return listing.EmploymentUnspecified
}
