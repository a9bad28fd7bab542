package reporting

import (
	"context"
	"errors"
	"math"

	"salescall-platform/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Lister is the read side of calls.Repository used for reporting.
type Lister interface {
	List(ctx context.Context, f calls.ListFilter) ([]calls.Call, error)
}

type Service struct {
	repo Lister
}

func NewService(repo Lister) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req SummaryRequest) (CallsSummary, error) {
	r := req.Range
	if !r.From.IsZero() && !r.To.IsZero() && !r.To.After(r.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.List(ctx, calls.ListFilter{ContactID: req.ContactID})
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{
		ContactID: req.ContactID,
		ByState:   map[string]int{},
		ByLabel:   map[string]int{},
	}
	sentimentTotal := 0
	for _, c := range rows {
		if !r.From.IsZero() && c.CreatedAt.Before(r.From) {
			continue
		}
		if !r.To.IsZero() && !c.CreatedAt.Before(r.To) {
			continue
		}
		out.TotalCalls++
		out.ByState[string(c.State)]++
		if c.ArtifactMissing {
			out.ArtifactMissing++
		}
		if c.State != calls.StateCompleted {
			continue
		}
		if c.SentimentPercentage != nil {
			out.WithSentiment++
			sentimentTotal += *c.SentimentPercentage
		}
		if c.SentimentLabel != nil && *c.SentimentLabel != "" {
			out.ByLabel[*c.SentimentLabel]++
		}
	}
	if out.WithSentiment > 0 {
		avg := float64(sentimentTotal) / float64(out.WithSentiment)
		out.AverageSentiment = math.Round(avg*100) / 100
	}
	return out, nil
}
