// Package extract turns fetched period payloads into streams of RawRecords.
// Payloads are sniffed by magic bytes: a ZIP of CSV members, a bare XLSX
// workbook, or a bare CSV file.
package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scholarmetrics/awardlink/internal/model"
)

// Format is the detected payload container type.
type Format int

const (
	FormatUnknown Format = iota
	FormatZIP
	FormatXLSX
	FormatCSV
)

func (f Format) String() string {
	switch f {
	case FormatZIP:
		return "zip"
	case FormatXLSX:
		return "xlsx"
	case FormatCSV:
		return "csv"
	default:
		return "unknown"
	}
}

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// DetectFormat sniffs the payload container type. XLSX files are ZIP
// containers themselves, so a ZIP that carries the OOXML marker entries is
// reported as XLSX rather than ZIP.
func DetectFormat(payload []byte) Format {
	if bytes.HasPrefix(payload, zipMagic) {
		if isXLSX(payload) {
			return FormatXLSX
		}
		return FormatZIP
	}
	if looksLikeCSV(payload) {
		return FormatCSV
	}
	return FormatUnknown
}

func isXLSX(payload []byte) bool {
	r, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return false
	}
	for _, f := range r.File {
		if f.Name == "[Content_Types].xml" || f.Name == "xl/workbook.xml" {
			return true
		}
	}
	return false
}

// looksLikeCSV accepts text payloads whose first line contains a delimiter.
func looksLikeCSV(payload []byte) bool {
	head := payload
	if len(head) > 1024 {
		head = head[:1024]
	}
	if bytes.ContainsRune(head, 0) {
		return false
	}
	line, _, _ := bytes.Cut(head, []byte("\n"))
	return bytes.ContainsRune(line, ',')
}

// Stats counts the outcome of one extraction. Valid to read only after the
// record channel has closed.
type Stats struct {
	Emitted   int // RawRecords delivered downstream
	Malformed int // rows skipped, including a truncated trailing row
	Members   int // archive members visited (1 for bare payloads)
}

// Extractor parses period payloads into RawRecords.
type Extractor struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{log: log}
}

// Extract parses one payload into a lazy stream of RawRecords. Rows that
// cannot be parsed are logged, counted in Stats, and skipped. The error
// channel carries at most one fatal error: a *CorruptArchiveError when the
// container cannot be opened, or a context cancellation. Both channels close
// when extraction completes; Stats must not be read before then.
func (e *Extractor) Extract(ctx context.Context, payload []byte, period string) (<-chan model.RawRecord, *Stats, <-chan error) {
	recCh := make(chan model.RawRecord, 64)
	errCh := make(chan error, 1)
	stats := &Stats{}

	go func() {
		defer close(recCh)
		defer close(errCh)

		switch DetectFormat(payload) {
		case FormatZIP:
			e.extractZIP(ctx, payload, period, recCh, errCh, stats)
		case FormatXLSX:
			e.extractXLSX(ctx, payload, period, recCh, errCh, stats)
		case FormatCSV:
			stats.Members = 1
			e.extractCSV(ctx, bytes.NewReader(payload), period, "", recCh, errCh, stats)
		default:
			errCh <- &CorruptArchiveError{Period: period, Err: eris.New("unrecognized payload format")}
		}
	}()

	return recCh, stats, errCh
}

// extractZIP walks the archive's CSV members. A member that cannot be opened
// is counted and skipped; only a container that cannot be opened at all is
// fatal.
func (e *Extractor) extractZIP(ctx context.Context, payload []byte, period string, recCh chan<- model.RawRecord, errCh chan<- error, stats *Stats) {
	r, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		errCh <- &CorruptArchiveError{Period: period, Err: eris.Wrap(err, "open zip")}
		return
	}

	for _, f := range r.File {
		if ctx.Err() != nil {
			errCh <- eris.Wrap(ctx.Err(), "extract: context cancelled")
			return
		}
		if f.FileInfo().IsDir() || !isTabularMember(f.Name) {
			continue
		}
		// Reject traversal names even though members stay in memory.
		if !safeMemberName(f.Name) {
			e.log.Warn("skipping archive member with illegal path",
				zap.String("period", period),
				zap.String("member", f.Name))
			stats.Malformed++
			continue
		}

		rc, err := f.Open()
		if err != nil {
			e.log.Warn("skipping unreadable archive member",
				zap.String("period", period),
				zap.String("member", f.Name),
				zap.Error(err))
			stats.Malformed++
			continue
		}

		stats.Members++
		e.extractCSV(ctx, rc, period, f.Name, recCh, errCh, stats)
		rc.Close() //nolint:errcheck

		if ctx.Err() != nil {
			return
		}
	}
}

func isTabularMember(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".csv") || strings.HasSuffix(lower, ".txt")
}

// safeMemberName rejects absolute paths and parent-directory traversal.
func safeMemberName(name string) bool {
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return false
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return false
		}
	}
	return true
}
