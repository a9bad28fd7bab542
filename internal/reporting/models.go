package reporting

import "time"

// TimeRange bounds CreatedAt. Zero ends are open.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SummaryRequest selects the calls to aggregate. Zero values mean "all".
type SummaryRequest struct {
	ContactID int64     `json:"contactId,omitempty"`
	Range     TimeRange `json:"range"`
}

// CallsSummary aggregates the analysis results of stored calls.
type CallsSummary struct {
	ContactID int64 `json:"contactId,omitempty"`

	TotalCalls      int            `json:"totalCalls"`
	ByState         map[string]int `json:"byState"`
	ArtifactMissing int            `json:"artifactMissing"`

	// WithSentiment counts completed calls that carry a percentage.
	WithSentiment    int     `json:"withSentiment"`
	AverageSentiment float64 `json:"averageSentiment"`

	// ByLabel counts completed calls per sentiment label as received.
	ByLabel map[string]int `json:"byLabel"`
}
