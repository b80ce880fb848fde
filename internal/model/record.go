// Package model defines the core data types shared across the pipeline.
package model

import "time"

// RawRecord is one row extracted from a source dataset period. Fields are
// loosely typed text exactly as they appeared in the archive. A RawRecord is
// immutable once the extractor hands it off.
type RawRecord struct {
	SourceID   string `json:"source_id"`
	Period     string `json:"period"` // dataset period label, e.g. "2023"
	PersonName string `json:"person_name"`
	OrgName    string `json:"org_name"`
	Title      string `json:"title"`
	AmountRaw  string `json:"amount_raw"`
	PeriodRaw  string `json:"period_raw"` // free-text date range, e.g. "2021-2022"
	Abstract   string `json:"abstract,omitempty"`
}

// Quality flags record best-effort normalization degradations. A flagged
// record still flows through matching; the flags travel with it so consumers
// can weigh the result.
type Quality uint8

const (
	QualityAmountUnparsed Quality = 1 << iota
	QualityPeriodUnparsed
	QualityNameEmpty
	QualityOrgEmpty
)

// Has reports whether the flag set contains q.
func (f Quality) Has(q Quality) bool { return f&q != 0 }

// Span is a parsed date range. Known is false when the source text could not
// be parsed; Start and End are zero in that case.
type Span struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Known bool      `json:"known"`
}

// NormalizedRecord is a RawRecord with canonicalized comparison fields, a
// parsed amount, and a parsed period. Created by the normalizer, read-only
// afterwards.
//
// Invariants: Amount >= 0; Span.Start <= Span.End when Span.Known.
type NormalizedRecord struct {
	SourceID string `json:"source_id"`
	Period   string `json:"period"`

	// Display copies retain original casing for output.
	DisplayName string `json:"display_name"`
	DisplayOrg  string `json:"display_org"`
	Title       string `json:"title"`

	// Fold keys are the canonical lowercase/ASCII comparison forms.
	NameKey  string `json:"name_key"`
	OrgKey   string `json:"org_key"`
	TitleKey string `json:"title_key"`

	Amount  float64 `json:"amount"`
	Span    Span    `json:"span"`
	Quality Quality `json:"quality,omitempty"`
}
