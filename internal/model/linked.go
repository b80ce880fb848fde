package model

// MatchedRecord is one accepted record under a LinkedRecord, with the score
// and method that won it the link.
type MatchedRecord struct {
	SourceID string  `json:"source_id"`
	Period   string  `json:"period"`
	Title    string  `json:"title"`
	Amount   float64 `json:"amount"`
	Span     Span    `json:"span"`
	Score    float64 `json:"score"`
	Method   string  `json:"method"`
}

// LinkedRecord is the terminal artifact of a run: a reference entity plus the
// records whose best candidate cleared the acceptance threshold. Each record
// appears under at most one entity.
type LinkedRecord struct {
	EntityID    int64           `json:"entity_id"`
	DisplayName string          `json:"display_name"`
	Org         string          `json:"org"`
	Records     []MatchedRecord `json:"records"`
}

// TotalAmount sums the matched record amounts.
func (l *LinkedRecord) TotalAmount() float64 {
	var total float64
	for _, r := range l.Records {
		total += r.Amount
	}
	return total
}
