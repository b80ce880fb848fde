package model

// ReferenceEntity is one person or organization from the roster. The roster
// is loaded once per run and shared read-only across all workers; entities are
// never mutated after load.
type ReferenceEntity struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
	Org     string   `json:"org"`

	// Optional geocode, carried through for the downstream map consumer.
	Lat float64 `json:"lat,omitempty"`
	Lng float64 `json:"lng,omitempty"`
}

// MatchCandidate scores one normalized record against one reference entity.
// Candidates are ephemeral: produced by the matcher, consumed by the
// aggregator, never persisted.
type MatchCandidate struct {
	RecordID string  `json:"record_id"`
	EntityID int64   `json:"entity_id"`
	Score    float64 `json:"score"` // in [0,1]
	Method   string  `json:"method"`
}
