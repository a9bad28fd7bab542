package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"salescall-platform/pkg/utils"

	sq "github.com/Masterminds/squirrel"
)

// NOTE: This repository assumes the calls table created by EnsureSchema.
//
// Concurrency: ApplyCallback and RecordDispatch lock the target row with
// SELECT ... FOR UPDATE and additionally guard the UPDATE with a state
// predicate, so concurrent callbacks for one ID serialize while different IDs
// proceed in parallel.

const callColumns = `id, call_title, call_date_time, recording_file_path, call_direction,
file_size, file_type, company_name, contact_id, user_id, order_id,
state, transcript, summary, sentiment_percentage, sentiment_label,
artifact_missing, expiry_reason, raw_callback, dispatch_attempts, callback_attempts,
created_at, updated_at`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type PostgresRepo struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepo)(nil)

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Create(ctx context.Context, c Call) (Call, error) {
	if err := c.Metadata.Validate(); err != nil {
		return Call{}, err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO calls (
  call_title, call_date_time, recording_file_path, call_direction,
  file_size, file_type, company_name, contact_id, user_id, order_id,
  state, artifact_missing, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13
)
RETURNING ` + callColumns
	out, err := scanCall(r.db.QueryRowContext(ctx, q,
		c.Title,
		c.CallDateTime,
		c.RecordingFilePath,
		string(c.Direction),
		c.FileSize,
		c.FileType,
		c.CompanyName,
		c.ContactID,
		c.UserID,
		c.OrderID,
		string(StatePending),
		c.ArtifactMissing,
		c.CreatedAt,
	))
	if err != nil {
		return Call{}, fmt.Errorf("insert call: %w", err)
	}
	return out, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id int64) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

func (r *PostgresRepo) List(ctx context.Context, f ListFilter) ([]Call, error) {
	b := psql.Select(callColumns).From("calls").OrderBy("id DESC").Limit(uint64(f.limit()))
	if f.ContactID != 0 {
		b = b.Where(sq.Eq{"contact_id": f.ContactID})
	}
	if f.State != "" {
		b = b.Where(sq.Eq{"state": string(f.State)})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}
	return r.query(ctx, r.db, q, args...)
}

func (r *PostgresRepo) RecordDispatch(ctx context.Context, id int64, accepted bool, attempts int, now time.Time) (Call, error) {
	var out Call
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := lockCall(ctx, tx, id); err != nil {
			return err
		}
		const q = `
UPDATE calls
SET dispatch_attempts = dispatch_attempts + $4,
    state = CASE WHEN $2::boolean AND state = 'PENDING' THEN 'PROCESSING' ELSE state END,
    updated_at = $3
WHERE id = $1
RETURNING ` + callColumns
		c, err := scanCall(tx.QueryRowContext(ctx, q, id, accepted, now, max(attempts, 1)))
		if err != nil {
			return fmt.Errorf("record dispatch: %w", err)
		}
		out = c
		return nil
	})
	return out, err
}

func (r *PostgresRepo) ApplyCallback(ctx context.Context, id int64, res Result, raw string, now time.Time) (Call, bool, error) {
	var (
		out     Call
		applied bool
	)
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := lockCall(ctx, tx, id)
		if err != nil {
			return err
		}

		if cur.State.IsTerminal() || cur.ArtifactMissing {
			const q = `
UPDATE calls SET callback_attempts = callback_attempts + 1
WHERE id = $1
RETURNING ` + callColumns
			c, err := scanCall(tx.QueryRowContext(ctx, q, id))
			if err != nil {
				return fmt.Errorf("count callback: %w", err)
			}
			out = c
			return nil
		}

		const q = `
UPDATE calls
SET transcript = COALESCE($2::text, transcript),
    summary = COALESCE($3::text, summary),
    sentiment_percentage = COALESCE($4::int, sentiment_percentage),
    sentiment_label = COALESCE($5::text, sentiment_label),
    raw_callback = $6,
    state = 'COMPLETED',
    callback_attempts = callback_attempts + 1,
    updated_at = $7
WHERE id = $1 AND state IN ('PENDING', 'PROCESSING')
RETURNING ` + callColumns
		c, err := scanCall(tx.QueryRowContext(ctx, q,
			id,
			res.Transcript,
			res.Summary,
			res.SentimentPercentage,
			res.SentimentLabel,
			raw,
			now,
		))
		if err != nil {
			return fmt.Errorf("apply callback: %w", err)
		}
		out = c
		applied = true
		return nil
	})
	if err != nil {
		return Call{}, false, err
	}
	return out, applied, nil
}

func (r *PostgresRepo) ExpireStale(ctx context.Context, cutoff, now time.Time) ([]Call, error) {
	q, args, err := psql.Update("calls").
		Set("state", string(StateExpired)).
		Set("expiry_reason", sq.Expr("CASE WHEN artifact_missing THEN ? ELSE ? END",
			string(ExpiryArtifactMissing), string(ExpiryNoCallback))).
		Set("updated_at", now).
		Where(sq.Eq{"state": []string{string(StatePending), string(StateProcessing)}}).
		Where(sq.Or{sq.Lt{"created_at": cutoff}, sq.Eq{"artifact_missing": true}}).
		Suffix("RETURNING " + callColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build expire: %w", err)
	}
	return r.query(ctx, r.db, q, args...)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *PostgresRepo) query(ctx context.Context, db queryer, q string, args ...any) ([]Call, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	out := make([]Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func lockCall(ctx context.Context, tx *sql.Tx, id int64) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1 FOR UPDATE`
	c, err := scanCall(tx.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c          Call
		direction  string
		state      string
		reason     string
		transcript sql.NullString
		summary    sql.NullString
		percentage sql.NullInt64
		label      sql.NullString
	)
	if err := row.Scan(
		&c.ID,
		&c.Title,
		&c.CallDateTime,
		&c.RecordingFilePath,
		&direction,
		&c.FileSize,
		&c.FileType,
		&c.CompanyName,
		&c.ContactID,
		&c.UserID,
		&c.OrderID,
		&state,
		&transcript,
		&summary,
		&percentage,
		&label,
		&c.ArtifactMissing,
		&reason,
		&c.RawCallback,
		&c.DispatchAttempts,
		&c.CallbackAttempts,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Call{}, err
	}
	c.Direction = CallDirection(direction)
	c.State = CallState(state)
	c.ExpiryReason = ExpiryReason(reason)
	if transcript.Valid {
		c.Transcript = ptr(transcript.String)
	}
	if summary.Valid {
		c.Summary = ptr(summary.String)
	}
	if percentage.Valid {
		c.SentimentPercentage = ptr(int(percentage.Int64))
	}
	if label.Valid {
		c.SentimentLabel = ptr(label.String)
	}
	return c, nil
}
