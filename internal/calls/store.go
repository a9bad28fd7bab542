package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)

// Repository persists Call records keyed by ID.
//
// Every mutating method is an atomic conditional update on a single row:
// implementations serialize per ID (row lock or per-ID mutex) and never take a
// lock spanning unrelated calls.
type Repository interface {
	// Create inserts a new PENDING call and assigns its ID.
	Create(ctx context.Context, c Call) (Call, error)
	Get(ctx context.Context, id int64) (Call, error)
	List(ctx context.Context, f ListFilter) ([]Call, error)

	// RecordDispatch adds attempts, the HTTP requests one submission took, to
	// the dispatch attempt counter and, when accepted is true, moves a PENDING
	// call to PROCESSING. attempts below 1 count as 1.
	RecordDispatch(ctx context.Context, id int64, accepted bool, attempts int, now time.Time) (Call, error)

	// ApplyCallback is the callback critical section. It increments the
	// callback counter and then:
	// - terminal state, or artifact missing: changes nothing else, applied=false
	// - otherwise: merges res, stamps raw, moves to COMPLETED, applied=true
	ApplyCallback(ctx context.Context, id int64, res Result, raw string, now time.Time) (c Call, applied bool, err error)

	// ExpireStale moves every PENDING/PROCESSING call created before cutoff,
	// and every non-terminal call whose artifact was missing, to EXPIRED.
	ExpireStale(ctx context.Context, cutoff, now time.Time) ([]Call, error)
}

// ListFilter narrows List. Zero values mean "no filter".
type ListFilter struct {
	ContactID int64
	State     CallState
	Limit     int
}

const defaultListLimit = 500

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > defaultListLimit {
		return defaultListLimit
	}
	return f.Limit
}
