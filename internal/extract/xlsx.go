package extract

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/scholarmetrics/awardlink/internal/model"
)

// extractXLSX reads the first sheet of a workbook payload. The first row must
// be a recognizable header; data rows follow the same malformed-row rules as
// CSV members.
func (e *Extractor) extractXLSX(ctx context.Context, payload []byte, period string, recCh chan<- model.RawRecord, errCh chan<- error, stats *Stats) {
	f, err := xlsx.OpenBinary(payload)
	if err != nil {
		errCh <- &CorruptArchiveError{Period: period, Err: eris.Wrap(err, "open xlsx")}
		return
	}
	if len(f.Sheets) == 0 {
		errCh <- &CorruptArchiveError{Period: period, Err: eris.New("xlsx has no sheets")}
		return
	}
	stats.Members = 1

	var cm columnMap
	for i, row := range f.Sheets[0].Rows {
		if ctx.Err() != nil {
			errCh <- eris.Wrap(ctx.Err(), "extract: context cancelled")
			return
		}

		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}

		if cm == nil {
			mapped, ok := mapColumns(cells)
			if !ok {
				errCh <- &CorruptArchiveError{Period: period, Err: eris.New("xlsx sheet has no recognizable header")}
				return
			}
			cm = mapped
			continue
		}

		if isBlankRow(cells) {
			continue
		}

		rec, malformed := recordFromRow(cm, cells, period, "", i+1)
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
