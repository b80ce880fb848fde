package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scholarmetrics/awardlink/internal/model"
)

// columnAliases maps the header names seen across source periods onto the
// canonical RawRecord fields. Older periods use terser headers.
var columnAliases = map[string]string{
	"source_id":    "source_id",
	"award_id":     "source_id",
	"id":           "source_id",
	"person_name":  "person",
	"pi_name":      "person",
	"investigator": "person",
	"org_name":     "org",
	"organization": "org",
	"institution":  "org",
	"title":        "title",
	"award_title":  "title",
	"amount":       "amount",
	"award_amount": "amount",
	"period":       "period",
	"award_period": "period",
	"dates":        "period",
	"abstract":     "abstract",
}

type columnMap map[string]int

// mapColumns resolves a header row into canonical column positions. The row
// is a header when it resolves at least the two required fields.
func mapColumns(header []string) (columnMap, bool) {
	cm := columnMap{}
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		if canonical, ok := columnAliases[key]; ok {
			if _, dup := cm[canonical]; !dup {
				cm[canonical] = i
			}
		}
	}
	_, hasID := cm["source_id"]
	_, hasPerson := cm["person"]
	return cm, hasID && hasPerson
}

func (cm columnMap) field(row []string, name string) string {
	i, ok := cm[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// recordFromRow parses one data row. Rows missing the source identifier or
// the person name are malformed.
func recordFromRow(cm columnMap, row []string, period, member string, rowNum int) (model.RawRecord, *MalformedRecordError) {
	rec := model.RawRecord{
		SourceID:   cm.field(row, "source_id"),
		Period:     period,
		PersonName: cm.field(row, "person"),
		OrgName:    cm.field(row, "org"),
		Title:      cm.field(row, "title"),
		AmountRaw:  cm.field(row, "amount"),
		PeriodRaw:  cm.field(row, "period"),
		Abstract:   cm.field(row, "abstract"),
	}
	if rec.SourceID == "" {
		return model.RawRecord{}, &MalformedRecordError{Period: period, Member: member, Row: rowNum, Reason: "missing source id"}
	}
	if rec.PersonName == "" {
		return model.RawRecord{}, &MalformedRecordError{Period: period, Member: member, Row: rowNum, Reason: "missing person name"}
	}
	return rec, nil
}

// extractCSV streams RawRecords out of one CSV reader. Parse errors on a row
// are counted and skipped; a read error that ends the stream early (the
// truncated-trailing-row case) counts the lost row and finishes cleanly.
func (e *Extractor) extractCSV(ctx context.Context, r io.Reader, period, member string, recCh chan<- model.RawRecord, errCh chan<- error, stats *Stats) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var cm columnMap
	rowNum := 0
	for {
		if ctx.Err() != nil {
			errCh <- eris.Wrap(ctx.Err(), "extract: context cancelled")
			return
		}

		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		rowNum++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				e.log.Warn("skipping unparsable row",
					zap.String("period", period),
					zap.String("member", member),
					zap.Int("row", rowNum),
					zap.Error(err))
				stats.Malformed++
				continue
			}
			// Truncated payload: the reader cannot continue. Drop the
			// partial record and treat everything before it as good.
			e.log.Warn("dropping truncated trailing row",
				zap.String("period", period),
				zap.String("member", member),
				zap.Int("row", rowNum),
				zap.Error(err))
			stats.Malformed++
			return
		}

		if cm == nil {
			mapped, ok := mapColumns(row)
			if !ok {
				e.log.Warn("member has no recognizable header, skipping",
					zap.String("period", period),
					zap.String("member", member))
				stats.Malformed++
				return
			}
			cm = mapped
			continue
		}

		if isBlankRow(row) {
			continue
		}

		rec, malformed := recordFromRow(cm, row, period, member, rowNum)
		if malformed != nil {
			e.log.Warn("skipping malformed record", zap.String("detail", malformed.Error()))
			stats.Malformed++
			continue
		}

		select {
		case recCh <- rec:
			stats.Emitted++
		case <-ctx.Done():
			errCh <- eris.Wrap(ctx.Err(), "extract: context cancelled")
			return
		}
	}
}

func isBlankRow(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
