package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository used by tests and STORE_BACKEND=memory.
//
// The map is guarded by mu only for lookup and insertion; each row carries
// its own mutex so mutations of different calls never contend.
type MemoryRepo struct {
	mu     sync.RWMutex
	rows   map[int64]*memRow
	nextID int64
}

type memRow struct {
	mu   sync.Mutex
	call Call
}

var _ Repository = (*MemoryRepo)(nil)

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{rows: map[int64]*memRow{}} }

func (r *MemoryRepo) Create(ctx context.Context, c Call) (Call, error) {
	if err := c.Metadata.Validate(); err != nil {
		return Call{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c.ID = r.nextID
	c.State = StatePending
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	r.rows[c.ID] = &memRow{call: c}
	return clone(c), nil
}

func (r *MemoryRepo) Get(ctx context.Context, id int64) (Call, error) {
	row, ok := r.row(id)
	if !ok {
		return Call{}, ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return clone(row.call), nil
}

func (r *MemoryRepo) List(ctx context.Context, f ListFilter) ([]Call, error) {
	r.mu.RLock()
	rows := make([]*memRow, 0, len(r.rows))
	for _, row := range r.rows {
		rows = append(rows, row)
	}
	r.mu.RUnlock()

	out := make([]Call, 0)
	for _, row := range rows {
		row.mu.Lock()
		c := clone(row.call)
		row.mu.Unlock()
		if f.ContactID != 0 && c.ContactID != f.ContactID {
			continue
		}
		if f.State != "" && c.State != f.State {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (r *MemoryRepo) RecordDispatch(ctx context.Context, id int64, accepted bool, attempts int, now time.Time) (Call, error) {
	row, ok := r.row(id)
	if !ok {
		return Call{}, ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	row.call.DispatchAttempts += max(attempts, 1)
	if accepted && row.call.State == StatePending {
		row.call.State = StateProcessing
	}
	row.call.UpdatedAt = now
	return clone(row.call), nil
}

func (r *MemoryRepo) ApplyCallback(ctx context.Context, id int64, res Result, raw string, now time.Time) (Call, bool, error) {
	row, ok := r.row(id)
	if !ok {
		return Call{}, false, ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	row.call.CallbackAttempts++
	if row.call.State.IsTerminal() || row.call.ArtifactMissing {
		return clone(row.call), false, nil
	}
	res.MergeInto(&row.call)
	row.call.State = StateCompleted
	row.call.RawCallback = raw
	row.call.UpdatedAt = now
	return clone(row.call), true, nil
}

func (r *MemoryRepo) ExpireStale(ctx context.Context, cutoff, now time.Time) ([]Call, error) {
	r.mu.RLock()
	rows := make([]*memRow, 0, len(r.rows))
	for _, row := range r.rows {
		rows = append(rows, row)
	}
	r.mu.RUnlock()

	var out []Call
	for _, row := range rows {
		row.mu.Lock()
		c := &row.call
		if !c.State.IsTerminal() && (c.ArtifactMissing || c.CreatedAt.Before(cutoff)) {
			c.State = StateExpired
			c.ExpiryReason = ExpiryNoCallback
			if c.ArtifactMissing {
				c.ExpiryReason = ExpiryArtifactMissing
			}
			c.UpdatedAt = now
			out = append(out, clone(*c))
		}
		row.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepo) row(id int64) (*memRow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[id]
	return row, ok
}

// clone deep-copies the pointer fields so callers cannot alias stored state.
func clone(c Call) Call {
	out := c
	if c.Transcript != nil {
		out.Transcript = ptr(*c.Transcript)
	}
	if c.Summary != nil {
		out.Summary = ptr(*c.Summary)
	}
	if c.SentimentPercentage != nil {
		out.SentimentPercentage = ptr(*c.SentimentPercentage)
	}
	if c.SentimentLabel != nil {
		out.SentimentLabel = ptr(*c.SentimentLabel)
	}
	return out
}
