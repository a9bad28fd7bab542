package audit

import "time"

// Event is an immutable, append-only audit log record about one call.
//
// Invariants:
// - Events are never updated or deleted.
// - CallID is required.
// - Appends are best-effort; callers never fail a callback or dispatch on an
//   audit error.
type Event struct {
	ID     string    `json:"id" db:"id"`
	CallID int64     `json:"callId" db:"call_id"`
	Type   EventType `json:"type" db:"type"`

	// Outcome is the typed result of the action (e.g. "applied",
	// "already_finalized", "submitted", "no-callback-received").
	Outcome string `json:"outcome" db:"outcome"`

	// RequestID links the event to the inbound HTTP request, when any.
	RequestID string `json:"requestId,omitempty" db:"request_id"`

	// BodySize is the byte length of the callback body (callbacks only).
	BodySize int `json:"bodySize,omitempty" db:"body_size"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type EventType string

const (
	EventTypeCallback EventType = "callback_received"
	EventTypeDispatch EventType = "dispatch"
	EventTypeExpired  EventType = "expired"
)
