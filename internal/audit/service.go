package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByCall(ctx context.Context, callID int64) ([]Event, error)
}

// Service records what happened to each call: every callback receipt
// (including duplicates and noise), every dispatch outcome, every expiry.
//
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == 0 || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogCallback records one inbound callback and how it was resolved.
func (s *Service) LogCallback(ctx context.Context, callID int64, outcome, requestID string, bodySize int, message string) error {
	return s.Append(ctx, Event{
		CallID:    callID,
		Type:      EventTypeCallback,
		Outcome:   outcome,
		RequestID: requestID,
		BodySize:  bodySize,
		Message:   message,
	})
}

// LogDispatch records the outcome of one workflow submission.
func (s *Service) LogDispatch(ctx context.Context, callID int64, outcome, message string) error {
	return s.Append(ctx, Event{
		CallID:  callID,
		Type:    EventTypeDispatch,
		Outcome: outcome,
		Message: message,
	})
}

// LogExpired records a reaper expiry.
func (s *Service) LogExpired(ctx context.Context, callID int64, reason string) error {
	return s.Append(ctx, Event{
		CallID:  callID,
		Type:    EventTypeExpired,
		Outcome: reason,
		Message: "expired by reaper",
	})
}

// History returns the events recorded for callID in append order.
func (s *Service) History(ctx context.Context, callID int64) ([]Event, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.ListByCall(ctx, callID)
}
