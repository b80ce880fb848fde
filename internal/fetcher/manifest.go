package fetcher

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Manifest describes the remote sources for a run: the per-period archive
// URL template and the roster location. It is checked into the data
// directory next to the cache so a run is reproducible from one file.
type Manifest struct {
	// ArchiveURLTemplate contains a "{period}" placeholder, e.g.
	// "https://www.nsf.gov/awardsearch/download?DownloadFileName={period}&All=true".
	ArchiveURLTemplate string `yaml:"archive_url_template"`

	// Periods lists the dataset periods to ingest, e.g. years.
	Periods []string `yaml:"periods"`

	// RosterURL optionally points at a roster CSV to download before the run.
	RosterURL string `yaml:"roster_url,omitempty"`
}

// LoadManifest reads and validates a source manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "manifest: read")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "manifest: parse")
	}

	if m.ArchiveURLTemplate == "" {
		return nil, eris.New("manifest: archive_url_template is required")
	}
	if len(m.Periods) == 0 {
		return nil, eris.New("manifest: at least one period is required")
	}
	return &m, nil
}
