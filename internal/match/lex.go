package match

import (
	"context"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/scholarmetrics/awardlink/internal/model"
	"github.com/scholarmetrics/awardlink/internal/normalize"
)

// nameWeight and orgWeight blend the two similarity axes. Names dominate:
// two people at the same institution must not collapse into one another.
const (
	nameWeight = 0.75
	orgWeight  = 0.25

	// initialedSim scores a name pair where one side abbreviates the given
	// names to matching initials, e.g. "J. Doe" against "Jane Doe". Edit
	// distance punishes the dropped letters far below what the pair deserves.
	initialedSim = 0.95
)

// LexScorer ranks by normalized edit-distance similarity over the fold keys.
// It needs no network and is the default scorer.
type LexScorer struct {
	params *levenshtein.Params
}

func NewLexScorer() *LexScorer {
	return &LexScorer{params: levenshtein.NewParams()}
}

func (s *LexScorer) Method() string { return "lexical" }

func (s *LexScorer) Score(_ context.Context, rec model.NormalizedRecord, ents []model.ReferenceEntity) ([]float64, error) {
	scores := make([]float64, len(ents))
	for i, ent := range ents {
		scores[i] = s.scoreOne(rec, ent)
	}
	return scores, nil
}

func (s *LexScorer) scoreOne(rec model.NormalizedRecord, ent model.ReferenceEntity) float64 {
	// Best similarity across the entity's name and aliases.
	nameSim := s.nameSimilarity(rec.NameKey, normalize.Key(ent.Name))
	for _, alias := range ent.Aliases {
		if sim := s.nameSimilarity(rec.NameKey, normalize.Key(alias)); sim > nameSim {
			nameSim = sim
		}
	}

	orgKey := normalize.OrgKey(ent.Org)
	if rec.OrgKey == "" || orgKey == "" {
		return nameSim
	}

	return nameWeight*nameSim + orgWeight*s.orgSimilarity(rec.OrgKey, orgKey)
}

// nameSimilarity compares two name fold keys, recognizing the initialed form
// of the same name as near-equal.
func (s *LexScorer) nameSimilarity(a, b string) float64 {
	sim := levenshtein.Similarity(a, b, s.params)
	if sim < initialedSim && initialedForm(a, b) {
		sim = initialedSim
	}
	return sim
}

// orgSimilarity compares two org fold keys, treating a key that is exactly
// the other's acronym as an exact match.
func (s *LexScorer) orgSimilarity(a, b string) float64 {
	if acr := normalize.Acronym(a); acr != "" && acr == b {
		return 1
	}
	if acr := normalize.Acronym(b); acr != "" && acr == a {
		return 1
	}
	return levenshtein.Similarity(a, b, s.params)
}

// initialedForm reports whether keys a and b name the same person with one
// side abbreviating at least one given name to an initial, e.g. "j doe"
// against "jane doe". Surnames must be identical and the keys must have the
// same shape.
func initialedForm(a, b string) bool {
	at, bt := strings.Fields(a), strings.Fields(b)
	if len(at) < 2 || len(at) != len(bt) {
		return false
	}
	if at[len(at)-1] != bt[len(bt)-1] {
		return false
	}

	initialed := false
	for i := 0; i < len(at)-1; i++ {
		x, y := at[i], bt[i]
		if x == y {
			continue
		}
		if (len(x) == 1 || len(y) == 1) && x[0] == y[0] {
			initialed = true
			continue
		}
		return false
	}
	return initialed
}
