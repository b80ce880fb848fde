package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/scholarmetrics/awardlink/internal/model"
)

// UnknownSpan is the sentinel for an unparsable date range.
var UnknownSpan = model.Span{}

var yearRe = regexp.MustCompile(`^\d{4}$`)

// rangeSplitRe separates the two halves of a date range. Word separators
// need surrounding spaces so month names like "October" survive; dashes may
// sit tight against the dates. The year form "2023-2025" is handled before
// this split so its hyphen is unambiguous.
var rangeSplitRe = regexp.MustCompile(`\s+(?:-|–|—|to|through)\s+|\s*[–—]\s*`)

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01/2006",
	"Jan 2006",
	"January 2006",
	"2006",
}

// ParseSpan reads a free-text date range: a bare year, a year range
// ("2021-2023"), or two dates joined by a dash or "to". Returns
// (UnknownSpan, false) when the text cannot be read or the range is
// inverted.
func ParseSpan(s string) (model.Span, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return UnknownSpan, false
	}

	if yearRe.MatchString(s) {
		return yearSpan(s, s)
	}

	// "2021-2023" with no spaces around the dash.
	if parts := strings.SplitN(s, "-", 2); len(parts) == 2 &&
		yearRe.MatchString(strings.TrimSpace(parts[0])) &&
		yearRe.MatchString(strings.TrimSpace(parts[1])) {
		return yearSpan(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}

	parts := rangeSplitRe.Split(s, 2)
	if len(parts) != 2 {
		return UnknownSpan, false
	}

	start, ok := parseDate(strings.TrimSpace(parts[0]), false)
	if !ok {
		return UnknownSpan, false
	}
	end, ok := parseDate(strings.TrimSpace(parts[1]), true)
	if !ok {
		return UnknownSpan, false
	}
	if end.Before(start) {
		return UnknownSpan, false
	}
	return model.Span{Start: start, End: end, Known: true}, true
}

func yearSpan(from, to string) (model.Span, bool) {
	a, err1 := strconv.Atoi(from)
	b, err2 := strconv.Atoi(to)
	if err1 != nil || err2 != nil || b < a {
		return UnknownSpan, false
	}
	return model.Span{
		Start: time.Date(a, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(b, time.December, 31, 0, 0, 0, 0, time.UTC),
		Known: true,
	}, true
}

// parseDate reads one endpoint. Partial dates snap to the start of the
// period, or to its end when the date closes a range.
func parseDate(s string, rangeEnd bool) (time.Time, bool) {
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		t = t.UTC()
		if !rangeEnd {
			return t, true
		}
		switch layout {
		case "2006":
			return time.Date(t.Year(), time.December, 31, 0, 0, 0, 0, time.UTC), true
		case "01/2006", "Jan 2006", "January 2006":
			return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1), true
		default:
			return t, true
		}
	}
	return time.Time{}, false
}
