// Package match links normalized records to reference entities in two
// phases: a cheap lexical prefilter over the roster token index, then an
// expensive scorer on the survivors.
package match

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/scholarmetrics/awardlink/internal/model"
	"github.com/scholarmetrics/awardlink/internal/normalize"
	"github.com/scholarmetrics/awardlink/internal/roster"
)

// Scorer ranks one record against a slice of candidate entities. Score
// values are in [0,1], index-aligned with the input entities.
type Scorer interface {
	Score(ctx context.Context, rec model.NormalizedRecord, ents []model.ReferenceEntity) ([]float64, error)
	Method() string
}

// Options tunes the matcher.
type Options struct {
	// PrefilterFloor is the minimum token-overlap ratio an entity needs to
	// reach the scorer. Zero means the default.
	PrefilterFloor float64

	// MaxCandidates caps the ranked output per record. Zero means the
	// default.
	MaxCandidates int
}

const (
	defaultPrefilterFloor = 0.30
	defaultMaxCandidates  = 5

	// minPrefixLen keeps short tokens from prefix-matching half the index.
	minPrefixLen = 4
)

// Matcher is stateless per call; the entity set is shared read-only, so one
// Matcher serves all workers.
type Matcher struct {
	set    *roster.EntitySet
	scorer Scorer
	floor  float64
	limit  int
}

func New(set *roster.EntitySet, scorer Scorer, opts Options) *Matcher {
	if opts.PrefilterFloor <= 0 {
		opts.PrefilterFloor = defaultPrefilterFloor
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = defaultMaxCandidates
	}
	return &Matcher{set: set, scorer: scorer, floor: opts.PrefilterFloor, limit: opts.MaxCandidates}
}

// Match ranks candidate entities for one record, best first. Equal scores
// order by ascending entity id, so identical inputs produce identical output
// regardless of how work is distributed.
func (m *Matcher) Match(ctx context.Context, rec model.NormalizedRecord) ([]model.MatchCandidate, error) {
	ids := m.prefilter(rec)
	if len(ids) == 0 {
		return nil, nil
	}

	ents := make([]model.ReferenceEntity, 0, len(ids))
	for _, id := range ids {
		if ent, ok := m.set.ByID(id); ok {
			ents = append(ents, ent)
		}
	}

	scores, err := m.scorer.Score(ctx, rec, ents)
	if err != nil {
		return nil, eris.Wrapf(err, "match: score record %s", rec.SourceID)
	}
	if len(scores) != len(ents) {
		return nil, eris.Errorf("match: scorer returned %d scores for %d entities", len(scores), len(ents))
	}

	cands := make([]model.MatchCandidate, len(ents))
	for i, ent := range ents {
		cands[i] = model.MatchCandidate{
			RecordID: rec.SourceID,
			EntityID: ent.ID,
			Score:    clamp01(scores[i]),
			Method:   m.scorer.Method(),
		}
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].EntityID < cands[j].EntityID
	})

	if len(cands) > m.limit {
		cands = cands[:m.limit]
	}
	return cands, nil
}

// prefilter returns the ids of entities whose indexed tokens overlap the
// record's name and org tokens at or above the floor, ascending. The overlap
// ratio is measured against the smaller of the two token sets, so a verbose
// record does not dilute a short roster entry below the floor.
func (m *Matcher) prefilter(rec model.NormalizedRecord) []int64 {
	tokens := recordTokens(rec)
	if len(tokens) == 0 {
		return nil
	}

	hits := make(map[int64]int)
	for _, tok := range tokens {
		ids := m.set.WithToken(tok)
		if len(ids) == 0 && len(tok) >= minPrefixLen {
			ids = m.set.WithTokenPrefix(tok)
		}
		for _, id := range ids {
			hits[id]++
		}
	}

	var out []int64
	for id, n := range hits {
		denom := len(tokens)
		if c := m.set.TokenCount(id); c > 0 && c < denom {
			denom = c
		}
		if float64(n)/float64(denom) >= m.floor {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// recordTokens collects the record's distinct fold-key tokens. A multi-word
// org also contributes its acronym, mirroring the roster index.
func recordTokens(rec model.NormalizedRecord) []string {
	tokens := strings.Fields(rec.NameKey)
	tokens = append(tokens, strings.Fields(rec.OrgKey)...)
	if acr := normalize.Acronym(rec.OrgKey); acr != "" {
		tokens = append(tokens, acr)
	}

	seen := make(map[string]bool, len(tokens))
	out := tokens[:0]
	for _, tok := range tokens {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
