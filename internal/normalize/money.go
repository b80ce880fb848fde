package normalize

import (
	"strconv"
	"strings"
)

// currencyMarkers are stripped before numeric parsing.
var currencyMarkers = []string{"$", "€", "£", "¥", "usd", "eur", "gbp"}

// ParseAmount reads a monetary string in either US ("1,250,000.50") or
// continental ("1.250.000,50") digit grouping. Returns (0, false) when the
// value cannot be read or is negative.
func ParseAmount(s string) (float64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}

	for _, m := range currencyMarkers {
		s = strings.ReplaceAll(s, m, "")
	}
	s = strings.TrimSpace(strings.ReplaceAll(s, " ", ""))
	if s == "" {
		return 0, false
	}

	s = reconcileSeparators(s)

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// reconcileSeparators rewrites grouping and decimal separators into plain
// ParseFloat form. When both appear, whichever comes last is the decimal
// separator. A lone comma is decimal only when exactly two digits follow.
func reconcileSeparators(s string) string {
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if len(s)-lastComma == 3 && strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}

	return s
}
