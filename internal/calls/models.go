package calls

import (
	"strings"
	"time"
)

// Call is one logged sales call plus its (eventually) computed analysis.
//
// Ownership:
// - The dispatcher creates the row (always in PENDING).
// - After creation only the correlation engine and the reaper change State,
//   the analysis fields, or the audit counters.
//
// Invariants:
// - State only moves forward (see CanTransition); terminal states never change.
// - Analysis fields are written at most once, by the first applied callback.
// - SentimentPercentage, when set, is within [0,100].
type Call struct {
	ID int64 `json:"id" db:"id"`

	Metadata

	State CallState `json:"state" db:"state"`

	// Analysis payload. Nil means "absent".
	Transcript          *string `json:"transcript,omitempty" db:"transcript"`
	Summary             *string `json:"summary,omitempty" db:"summary"`
	SentimentPercentage *int    `json:"sentimentPercentage,omitempty" db:"sentiment_percentage"`
	SentimentLabel      *string `json:"sentimentLabel,omitempty" db:"sentiment_label"`

	// ArtifactMissing is set at creation when the recording could not be found.
	// Such a call is never submitted and is expired on the next reaper sweep.
	ArtifactMissing bool `json:"artifactMissing" db:"artifact_missing"`

	// ExpiryReason is set only when State == EXPIRED.
	ExpiryReason ExpiryReason `json:"expiryReason,omitempty" db:"expiry_reason"`

	// Audit fields.
	RawCallback      string    `json:"-" db:"raw_callback"`
	DispatchAttempts int       `json:"dispatchAttempts" db:"dispatch_attempts"`
	CallbackAttempts int       `json:"callbackAttempts" db:"callback_attempts"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" db:"updated_at"`
}

// Metadata is the caller-supplied description of the call.
// RecordingFilePath doubles as the audio artifact reference.
type Metadata struct {
	Title             string        `json:"callTitle" db:"call_title"`
	CallDateTime      time.Time     `json:"callDateTime" db:"call_date_time"`
	RecordingFilePath string        `json:"recordingFilePath" db:"recording_file_path"`
	Direction         CallDirection `json:"callDirection" db:"call_direction"`
	FileSize          int64         `json:"fileSize,omitempty" db:"file_size"`
	FileType          string        `json:"fileType,omitempty" db:"file_type"`
	CompanyName       string        `json:"companyName,omitempty" db:"company_name"`
	ContactID         int64         `json:"contactId,omitempty" db:"contact_id"`
	UserID            int64         `json:"userId,omitempty" db:"user_id"`
	OrderID           int64         `json:"orderId,omitempty" db:"order_id"`
}

// Validate checks the fields a call cannot be created without.
func (m Metadata) Validate() error {
	title := strings.TrimSpace(m.Title)
	if len(title) < 2 || len(title) > 200 {
		return ErrInvalidArgument
	}
	if strings.TrimSpace(m.RecordingFilePath) == "" {
		return ErrInvalidArgument
	}
	switch m.Direction {
	case DirectionIncoming, DirectionOutgoing:
	default:
		return ErrInvalidArgument
	}
	return nil
}

type CallDirection string

const (
	DirectionIncoming CallDirection = "INCOMING"
	DirectionOutgoing CallDirection = "OUTGOING"
)

type CallState string

const (
	StatePending    CallState = "PENDING"
	StateProcessing CallState = "PROCESSING"
	StateCompleted  CallState = "COMPLETED"
	StateFailed     CallState = "FAILED"
	StateExpired    CallState = "EXPIRED"
)

// IsTerminal reports whether no further transitions are permitted.
func (s CallState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the call state machine.
//
//	PENDING -> PROCESSING -> {COMPLETED, FAILED}
//	PENDING -> COMPLETED (callback raced ahead of the dispatch acknowledgement)
//	PENDING|PROCESSING -> EXPIRED
func CanTransition(from, to CallState) bool {
	switch from {
	case StatePending:
		return to == StateProcessing || to == StateCompleted || to == StateFailed || to == StateExpired
	case StateProcessing:
		return to == StateCompleted || to == StateFailed || to == StateExpired
	default:
		return false
	}
}

type ExpiryReason string

const (
	ExpiryNoCallback      ExpiryReason = "no-callback-received"
	ExpiryArtifactMissing ExpiryReason = "artifact-missing"
)

// Result is the canonical analysis shape. Every field is optional; a nil
// field leaves the stored value untouched when merged.
type Result struct {
	Transcript          *string `json:"transcript,omitempty"`
	Summary             *string `json:"summary,omitempty"`
	SentimentPercentage *int    `json:"sentimentPercentage,omitempty"`
	SentimentLabel      *string `json:"sentimentLabel,omitempty"`
}

// IsEmpty reports whether the result carries no field at all.
func (r Result) IsEmpty() bool {
	return r.Transcript == nil && r.Summary == nil && r.SentimentPercentage == nil && r.SentimentLabel == nil
}

// MergeInto copies the present fields of r onto c.
func (r Result) MergeInto(c *Call) {
	if r.Transcript != nil {
		c.Transcript = ptr(*r.Transcript)
	}
	if r.Summary != nil {
		c.Summary = ptr(*r.Summary)
	}
	if r.SentimentPercentage != nil {
		c.SentimentPercentage = ptr(*r.SentimentPercentage)
	}
	if r.SentimentLabel != nil {
		c.SentimentLabel = ptr(*r.SentimentLabel)
	}
}

func ptr[T any](v T) *T { return &v }
