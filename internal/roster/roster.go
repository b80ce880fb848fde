// Package roster loads the reference entity set the matcher links against.
// The set is built once per run and then only read, so it carries no locks.
package roster

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scholarmetrics/awardlink/internal/model"
	"github.com/scholarmetrics/awardlink/internal/normalize"
)

// EntitySet is the immutable roster plus a lowercase token index over entity
// names, aliases, and orgs. Safe for concurrent readers.
type EntitySet struct {
	entities   []model.ReferenceEntity
	byID       map[int64]*model.ReferenceEntity
	tokens     map[string][]int64 // fold-key token -> entity ids, ascending
	tokenCount map[int64]int      // entity id -> distinct indexed tokens

	// SkippedRows counts roster rows dropped during load.
	SkippedRows int
}

// Load reads the roster CSV at path. Schema: id, name, aliases, org, lat,
// lng; aliases are semicolon-separated, lat/lng optional. Rows missing id or
// name are warned about and skipped. An empty roster, an unreadable file, or
// a duplicate id is fatal: matching against a partial or ambiguous roster
// would silently mislink.
func Load(path string, log *zap.Logger) (*EntitySet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "roster: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	return Parse(f, log)
}

// Parse reads a roster from r. See Load for the schema and failure rules.
func Parse(r io.Reader, log *zap.Logger) (*EntitySet, error) {
	if log == nil {
		log = zap.NewNop()
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var entities []model.ReferenceEntity
	seen := make(map[int64]bool)
	skipped := 0

	rowNum := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rowNum++
		if err != nil {
			return nil, eris.Wrapf(err, "roster: read row %d", rowNum)
		}

		if rowNum == 1 && isHeaderRow(row) {
			continue
		}

		ent, reason := parseRow(row)
		if reason != "" {
			log.Warn("skipping roster row",
				zap.Int("row", rowNum),
				zap.String("reason", reason))
			skipped++
			continue
		}

		if seen[ent.ID] {
			return nil, eris.Errorf("roster: duplicate entity id %d at row %d", ent.ID, rowNum)
		}
		seen[ent.ID] = true

		entities = append(entities, ent)
	}

	return newSet(entities, skipped)
}

// newSet builds the immutable set and its token index. An empty roster is
// fatal: matching against a partial roster would silently mislink.
func newSet(entities []model.ReferenceEntity, skipped int) (*EntitySet, error) {
	if len(entities) == 0 {
		return nil, eris.New("roster: no usable entities")
	}

	set := &EntitySet{
		entities:    entities,
		byID:        make(map[int64]*model.ReferenceEntity, len(entities)),
		tokens:      make(map[string][]int64),
		tokenCount:  make(map[int64]int, len(entities)),
		SkippedRows: skipped,
	}
	set.index()
	return set, nil
}

func isHeaderRow(row []string) bool {
	return len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "id")
}

// parseRow returns the entity, or a non-empty skip reason.
func parseRow(row []string) (model.ReferenceEntity, string) {
	if len(row) < 2 {
		return model.ReferenceEntity{}, "too few fields"
	}

	id, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
	if err != nil {
		return model.ReferenceEntity{}, "bad id"
	}

	ent := model.ReferenceEntity{
		ID:   id,
		Name: strings.TrimSpace(row[1]),
	}
	if ent.Name == "" {
		return model.ReferenceEntity{}, "empty name"
	}

	if len(row) > 2 {
		for _, alias := range strings.Split(row[2], ";") {
			if alias = strings.TrimSpace(alias); alias != "" {
				ent.Aliases = append(ent.Aliases, alias)
			}
		}
	}
	if len(row) > 3 {
		ent.Org = strings.TrimSpace(row[3])
	}

	// Geocode is best-effort; a bad coordinate degrades to zero.
	if len(row) > 5 {
		ent.Lat, _ = strconv.ParseFloat(strings.TrimSpace(row[4]), 64)
		ent.Lng, _ = strconv.ParseFloat(strings.TrimSpace(row[5]), 64)
	}

	return ent, ""
}

// index builds the token inverted index over fold keys of each entity's
// name, aliases, and org. A multi-word org also contributes its acronym, so
// "Massachusetts Institute of Technology" is reachable through the token
// "mit".
func (s *EntitySet) index() {
	for i := range s.entities {
		ent := &s.entities[i]
		s.byID[ent.ID] = ent

		seen := map[string]bool{}
		add := func(tok string) {
			if tok == "" || seen[tok] {
				return
			}
			seen[tok] = true
			s.tokens[tok] = append(s.tokens[tok], ent.ID)
		}

		for _, text := range append([]string{ent.Name, ent.Org}, ent.Aliases...) {
			for _, tok := range strings.Fields(normalize.Key(text)) {
				add(tok)
			}
		}
		add(normalize.Acronym(normalize.OrgKey(ent.Org)))

		s.tokenCount[ent.ID] = len(seen)
	}

	for _, ids := range s.tokens {
		slices.Sort(ids)
	}
}

// Len returns the number of entities in the set.
func (s *EntitySet) Len() int { return len(s.entities) }

// All returns the full entity slice. Callers must not mutate it.
func (s *EntitySet) All() []model.ReferenceEntity { return s.entities }

// ByID looks up one entity.
func (s *EntitySet) ByID(id int64) (model.ReferenceEntity, bool) {
	ent, ok := s.byID[id]
	if !ok {
		return model.ReferenceEntity{}, false
	}
	return *ent, true
}

// TokenCount returns the number of distinct indexed tokens for an entity, or
// zero for an unknown id.
func (s *EntitySet) TokenCount(id int64) int { return s.tokenCount[id] }

// WithToken returns the ids of entities whose indexed text contains the
// fold-key token, in ascending id order. The returned slice is shared; do
// not mutate it.
func (s *EntitySet) WithToken(token string) []int64 {
	return s.tokens[token]
}

// WithTokenPrefix returns the ids of entities with any indexed token that
// starts with prefix, ascending and deduplicated.
func (s *EntitySet) WithTokenPrefix(prefix string) []int64 {
	var ids []int64
	for tok, tokIDs := range s.tokens {
		if strings.HasPrefix(tok, prefix) {
			ids = append(ids, tokIDs...)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
