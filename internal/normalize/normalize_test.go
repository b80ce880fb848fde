package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarmetrics/awardlink/internal/model"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases and trims", "  Jane DOE  ", "jane doe"},
		{"folds diacritics", "José Martínez-Müller", "jose martinez muller"},
		{"strips punctuation", "O'Brien, J.", "obrien j"},
		{"expands ampersand", "Science & Engineering", "science and engineering"},
		{"collapses inner whitespace", "Jane\t\tDoe", "jane doe"},
		{"empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.in))
		})
	}
}

func TestOrgKeyExpandsAbbreviations(t *testing.T) {
	assert.Equal(t, Key("Massachusetts Institute of Technology"),
		OrgKey("Massachusetts Inst of Tech"))
	assert.Equal(t, "university of california", OrgKey("Univ. of California"))
	assert.Equal(t, OrgKey("MIT Department of Physics"), OrgKey("MIT Dept of Physics"))
}

func TestAcronym(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"skips connectives", "massachusetts institute of technology", "mit"},
		{"two words", "stanford university", "su"},
		{"single word has no acronym", "mit", ""},
		{"connectives alone do not count", "of the", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Acronym(tt.in))
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$1,250,000", 1250000, true},
		{"1,250,000.50", 1250000.50, true},
		{"1.250.000,50", 1250000.50, true},
		{"980000", 980000, true},
		{"12,50", 12.50, true},
		{"EUR 2 500", 2500, true},
		{"", 0, false},
		{"n/a", 0, false},
		{"-500", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseAmount(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseSpan(t *testing.T) {
	tests := []struct {
		in    string
		start time.Time
		end   time.Time
		ok    bool
	}{
		{"2023", date(2023, time.January, 1), date(2023, time.December, 31), true},
		{"2021-2023", date(2021, time.January, 1), date(2023, time.December, 31), true},
		{"2021 to 2023", date(2021, time.January, 1), date(2023, time.December, 31), true},
		{"2021-03-01 - 2023-02-28", date(2021, time.March, 1), date(2023, time.February, 28), true},
		{"October 2021 to September 2023", date(2021, time.October, 1), date(2023, time.September, 30), true},
		{"07/2021 - 06/2024", date(2021, time.July, 1), date(2024, time.June, 30), true},
		{"2023-2021", time.Time{}, time.Time{}, false}, // inverted
		{"ongoing", time.Time{}, time.Time{}, false},
		{"", time.Time{}, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			span, ok := ParseSpan(tt.in)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.ok, span.Known)
			if tt.ok {
				assert.Equal(t, tt.start, span.Start)
				assert.Equal(t, tt.end, span.End)
			}
		})
	}
}

func TestRecord(t *testing.T) {
	raw := model.RawRecord{
		SourceID:   "2300001",
		Period:     "2023",
		PersonName: "  Jane   DOE ",
		OrgName:    "Massachusetts Inst of Tech",
		Title:      "Quantum Sensing at Scale",
		AmountRaw:  "$1,250,000",
		PeriodRaw:  "2023-2025",
	}

	rec := Record(raw)

	assert.Equal(t, "Jane DOE", rec.DisplayName)
	assert.Equal(t, "jane doe", rec.NameKey)
	assert.Equal(t, "massachusetts institute of technology", rec.OrgKey)
	assert.Equal(t, "quantum sensing at scale", rec.TitleKey)
	assert.InDelta(t, 1250000, rec.Amount, 0.001)
	assert.True(t, rec.Span.Known)
	assert.Zero(t, rec.Quality)
}

func TestRecordDegradations(t *testing.T) {
	rec := Record(model.RawRecord{
		SourceID:   "2300009",
		Period:     "2023",
		PersonName: "Jane Doe",
		AmountRaw:  "pending",
		PeriodRaw:  "ongoing",
	})

	assert.Zero(t, rec.Amount)
	assert.False(t, rec.Span.Known)
	assert.True(t, rec.Quality.Has(model.QualityAmountUnparsed))
	assert.True(t, rec.Quality.Has(model.QualityPeriodUnparsed))
	assert.True(t, rec.Quality.Has(model.QualityOrgEmpty))
	assert.False(t, rec.Quality.Has(model.QualityNameEmpty))
}
