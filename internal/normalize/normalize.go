// Package normalize canonicalizes RawRecords for matching. Every function is
// pure and total: unparsable input degrades to a flagged default, never an
// error.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/scholarmetrics/awardlink/internal/model"
)

// orgAbbreviations expands the short forms academic institutions file under.
// Checked token-by-token after folding.
var orgAbbreviations = map[string]string{
	"univ":  "university",
	"inst":  "institute",
	"instn": "institution",
	"coll":  "college",
	"dept":  "department",
	"lab":   "laboratory",
	"labs":  "laboratories",
	"natl":  "national",
	"intl":  "international",
	"tech":  "technology",
	"sci":   "science",
	"ctr":   "center",
	"res":   "research",
	"fdn":   "foundation",
	"assn":  "association",
	"acad":  "academy",
}

// acronymSkip lists connective words that contribute no letter to an
// institutional acronym.
var acronymSkip = map[string]bool{
	"of":  true,
	"the": true,
	"and": true,
	"for": true,
	"at":  true,
	"in":  true,
	"de":  true,
}

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// asciiFold strips diacritics down to their base Latin letters.
var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Record canonicalizes one RawRecord. Display fields keep the source casing;
// the fold keys are the comparison forms. Degradations set Quality flags
// instead of failing.
func Record(raw model.RawRecord) model.NormalizedRecord {
	rec := model.NormalizedRecord{
		SourceID:    raw.SourceID,
		Period:      raw.Period,
		DisplayName: Collapse(raw.PersonName),
		DisplayOrg:  Collapse(raw.OrgName),
		Title:       Collapse(raw.Title),
	}

	rec.NameKey = Key(rec.DisplayName)
	rec.OrgKey = OrgKey(rec.DisplayOrg)
	rec.TitleKey = Key(rec.Title)

	if rec.NameKey == "" {
		rec.Quality |= model.QualityNameEmpty
	}
	if rec.OrgKey == "" {
		rec.Quality |= model.QualityOrgEmpty
	}

	amount, ok := ParseAmount(raw.AmountRaw)
	if !ok {
		rec.Quality |= model.QualityAmountUnparsed
	}
	rec.Amount = amount

	span, ok := ParseSpan(raw.PeriodRaw)
	if !ok {
		rec.Quality |= model.QualityPeriodUnparsed
	}
	rec.Span = span

	return rec
}

// Collapse trims and squeezes runs of whitespace into single spaces.
func Collapse(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return multiSpaceRe.ReplaceAllString(strings.Map(blankToSpace, s), " ")
}

func blankToSpace(r rune) rune {
	if unicode.IsSpace(r) {
		return ' '
	}
	return r
}

// Key builds the canonical comparison form: collapsed, lowercased, diacritics
// folded to base Latin, and semantically empty punctuation stripped.
func Key(s string) string {
	s = strings.ToLower(Collapse(s))
	if s == "" {
		return ""
	}

	if folded, _, err := transform.String(asciiFold, s); err == nil {
		s = folded
	}

	s = strings.NewReplacer(
		",", "",
		".", "",
		"'", "",
		"’", "",
		"\"", "",
		"&", " and ",
		"-", " ",
		"(", " ",
		")", " ",
		"/", " ",
	).Replace(s)

	return strings.TrimSpace(multiSpaceRe.ReplaceAllString(s, " "))
}

// OrgKey is Key plus academic abbreviation expansion, so "MIT Dept of
// Physics" and "MIT Department of Physics" compare equal.
func OrgKey(s string) string {
	key := Key(s)
	if key == "" {
		return ""
	}

	tokens := strings.Fields(key)
	for i, tok := range tokens {
		if full, ok := orgAbbreviations[tok]; ok {
			tokens[i] = full
		}
	}
	return strings.Join(tokens, " ")
}

// Acronym derives the leading-letter acronym of a multi-word fold key, so
// "massachusetts institute of technology" yields "mit". Connective words are
// skipped. Keys with fewer than two significant words have no acronym and
// return "".
func Acronym(key string) string {
	var b strings.Builder
	significant := 0
	for _, tok := range strings.Fields(key) {
		if acronymSkip[tok] {
			continue
		}
		b.WriteByte(tok[0])
		significant++
	}
	if significant < 2 {
		return ""
	}
	return b.String()
}
