package extract

import "fmt"

// CorruptArchiveError reports a payload whose container could not be opened
// at all. It is fatal for that period; sibling periods are unaffected.
type CorruptArchiveError struct {
	Period string
	Err    error
}

func (e *CorruptArchiveError) Error() string {
	return fmt.Sprintf("extract: corrupt archive for period %s: %v", e.Period, e.Err)
}

func (e *CorruptArchiveError) Unwrap() error { return e.Err }

// MalformedRecordError reports a single row that could not be parsed into a
// RawRecord. Malformed rows are skipped and counted, never fatal.
type MalformedRecordError struct {
	Period string
	Member string // archive member name, empty for bare payloads
	Row    int    // 1-based row index within the member
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Member != "" {
		return fmt.Sprintf("extract: malformed record %s[%s] row %d: %s", e.Period, e.Member, e.Row, e.Reason)
	}
	return fmt.Sprintf("extract: malformed record %s row %d: %s", e.Period, e.Row, e.Reason)
}
