// Package aggregate folds match results into the run's final LinkedRecords.
// A single goroutine owns all state, so consumption needs no locks; Finalize
// may only be called after the input channel closes.
package aggregate

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/scholarmetrics/awardlink/internal/model"
	"github.com/scholarmetrics/awardlink/internal/roster"
)

const defaultAcceptThreshold = 0.78

// Input pairs one normalized record with its ranked candidates. Candidates
// may be empty when nothing survived the prefilter.
type Input struct {
	Record     model.NormalizedRecord
	Candidates []model.MatchCandidate
}

// Options tunes the aggregator.
type Options struct {
	// AcceptThreshold is the minimum best-candidate score a record needs to
	// be linked. Zero means the default.
	AcceptThreshold float64
}

// Tally counts aggregation outcomes.
type Tally struct {
	Seen    int // records consumed
	Matched int // records linked to an entity
	Skipped int // below threshold, candidate-less, or duplicate content
}

type best struct {
	record model.NormalizedRecord
	cand   model.MatchCandidate
	has    bool
}

// Aggregator accumulates the best candidate per record. Not safe for
// concurrent use; run exactly one Consume goroutine.
type Aggregator struct {
	set       *roster.EntitySet
	threshold float64
	byRecord  map[string]best
	order     []string // record ids in first-seen order, for stable tallies
	tally     Tally
	finalized bool
}

func New(set *roster.EntitySet, opts Options) *Aggregator {
	if opts.AcceptThreshold <= 0 {
		opts.AcceptThreshold = defaultAcceptThreshold
	}
	return &Aggregator{
		set:       set,
		threshold: opts.AcceptThreshold,
		byRecord:  make(map[string]best),
	}
}

// Consume drains the input channel, keeping the best candidate per record:
// higher score wins, equal scores prefer the lower entity id. Returns when
// the channel closes.
func (a *Aggregator) Consume(in <-chan Input) {
	for input := range in {
		a.Add(input)
	}
}

// Add folds in one result. Exported for callers that drive the aggregator
// directly instead of over a channel.
func (a *Aggregator) Add(input Input) {
	id := input.Record.SourceID
	cur, seen := a.byRecord[id]
	if !seen {
		a.order = append(a.order, id)
		a.tally.Seen++
		cur = best{record: input.Record}
	}

	for _, cand := range input.Candidates {
		if better(cand, cur) {
			cur.cand = cand
			cur.has = true
		}
	}
	a.byRecord[id] = cur
}

func better(cand model.MatchCandidate, cur best) bool {
	if !cur.has {
		return true
	}
	if cand.Score != cur.cand.Score {
		return cand.Score > cur.cand.Score
	}
	return cand.EntityID < cur.cand.EntityID
}

// Finalize applies the acceptance threshold and the duplicate-content rule,
// then materializes LinkedRecords sorted by entity id with records sorted by
// source id. Calling it twice is an error; the internal state is spent.
func (a *Aggregator) Finalize() ([]model.LinkedRecord, Tally, error) {
	if a.finalized {
		return nil, Tally{}, eris.New("aggregate: already finalized")
	}
	a.finalized = true

	accepted := make(map[int64][]best)
	for _, id := range a.order {
		b := a.byRecord[id]
		if !b.has || b.cand.Score < a.threshold {
			a.tally.Skipped++
			continue
		}
		accepted[b.cand.EntityID] = append(accepted[b.cand.EntityID], b)
	}

	out := make([]model.LinkedRecord, 0, len(accepted))
	for entityID, group := range accepted {
		group = a.dedupe(group)

		ent, ok := a.set.ByID(entityID)
		if !ok {
			return nil, Tally{}, eris.Errorf("aggregate: candidate references unknown entity %d", entityID)
		}

		linked := model.LinkedRecord{
			EntityID:    entityID,
			DisplayName: ent.Name,
			Org:         ent.Org,
			Records:     make([]model.MatchedRecord, 0, len(group)),
		}
		for _, b := range group {
			a.tally.Matched++
			linked.Records = append(linked.Records, model.MatchedRecord{
				SourceID: b.record.SourceID,
				Period:   b.record.Period,
				Title:    b.record.Title,
				Amount:   b.record.Amount,
				Span:     b.record.Span,
				Score:    b.cand.Score,
				Method:   b.cand.Method,
			})
		}
		sort.Slice(linked.Records, func(i, j int) bool {
			return linked.Records[i].SourceID < linked.Records[j].SourceID
		})
		out = append(out, linked)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, a.tally, nil
}

// dedupe drops same-content records within one entity: identical normalized
// title and span means the same award filed twice. Higher score survives,
// then the lexically smaller source id.
func (a *Aggregator) dedupe(group []best) []best {
	// time.Time is not safe to compare with ==; key on the instants.
	type contentKey struct {
		title      string
		start, end int64
		known      bool
	}
	spanKey := func(b best) contentKey {
		return contentKey{
			title: b.record.TitleKey,
			start: b.record.Span.Start.Unix(),
			end:   b.record.Span.End.Unix(),
			known: b.record.Span.Known,
		}
	}

	keep := make(map[contentKey]best, len(group))
	var keys []contentKey
	for _, b := range group {
		key := spanKey(b)
		cur, dup := keep[key]
		if !dup {
			keep[key] = b
			keys = append(keys, key)
			continue
		}

		a.tally.Skipped++
		if b.cand.Score > cur.cand.Score ||
			(b.cand.Score == cur.cand.Score && b.record.SourceID < cur.record.SourceID) {
			keep[key] = b
		}
	}

	out := make([]best, 0, len(keys))
	for _, key := range keys {
		out = append(out, keep[key])
	}
	return out
}
