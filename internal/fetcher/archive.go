package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PeriodResult is the outcome of fetching one dataset period. A failed
// period carries its error and does not abort sibling periods; the caller
// aggregates the partial failures.
type PeriodResult struct {
	Period  string
	Payload []byte
	Path    string
	Err     error
}

// ArchiveFetcher retrieves one archive per dataset period, expanding the
// period identifier into the manifest's URL template. Downloads are cached
// on disk so repeat runs skip the network unless forced.
type ArchiveFetcher struct {
	fetcher  Fetcher
	cacheDir string
	force    bool
	parallel int
}

// NewArchiveFetcher creates an ArchiveFetcher caching under cacheDir.
func NewArchiveFetcher(f Fetcher, cacheDir string, force bool, parallel int) *ArchiveFetcher {
	if parallel <= 0 {
		parallel = 3
	}
	return &ArchiveFetcher{fetcher: f, cacheDir: cacheDir, force: force, parallel: parallel}
}

// ExpandURL substitutes the period identifier into the URL template.
func ExpandURL(template, period string) string {
	return strings.ReplaceAll(template, "{period}", period)
}

// FetchPeriod downloads (or loads from cache) the archive for one period.
func (a *ArchiveFetcher) FetchPeriod(ctx context.Context, urlTemplate, period string) PeriodResult {
	res := PeriodResult{Period: period}

	if err := os.MkdirAll(a.cacheDir, 0o755); err != nil {
		res.Err = eris.Wrap(err, "archive: create cache dir")
		return res
	}

	cachePath := filepath.Join(a.cacheDir, "awards_"+period+".zip")
	res.Path = cachePath

	if !a.force {
		if data, err := os.ReadFile(cachePath); err == nil && len(data) > 0 {
			zap.L().Info("archive already cached, skipping download",
				zap.String("period", period),
				zap.String("path", cachePath),
			)
			res.Payload = data
			return res
		}
	}

	url := ExpandURL(urlTemplate, period)
	zap.L().Info("downloading archive",
		zap.String("period", period),
		zap.String("url", url),
	)

	if _, err := a.fetcher.DownloadToFile(ctx, url, cachePath); err != nil {
		// Leave no partial cache file behind a failed download.
		_ = os.Remove(cachePath)
		res.Err = eris.Wrapf(err, "archive: fetch period %s", period)
		return res
	}

	data, err := os.ReadFile(cachePath)
	if err != nil {
		res.Err = eris.Wrapf(err, "archive: read cached payload for %s", period)
		return res
	}
	res.Payload = data
	return res
}

// FetchAll fetches every period concurrently with bounded parallelism and
// returns one result per period in input order. Individual period failures
// are reported in their result, never as an error from FetchAll.
func (a *ArchiveFetcher) FetchAll(ctx context.Context, urlTemplate string, periods []string) []PeriodResult {
	results := make([]PeriodResult, len(periods))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallel)

	for i, period := range periods {
		g.Go(func() error {
			results[i] = a.FetchPeriod(gctx, urlTemplate, period)
			if results[i].Err != nil {
				zap.L().Error("period fetch failed",
					zap.String("period", period),
					zap.Error(results[i].Err),
				)
			}
			return nil // per-period failures do not cancel siblings
		})
	}

	_ = g.Wait()
	return results
}
