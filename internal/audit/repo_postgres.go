package audit

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// Schema is the DDL for the audit_events table. INSERT-only by convention.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
  id          UUID PRIMARY KEY,
  call_id     BIGINT      NOT NULL,
  type        TEXT        NOT NULL,
  outcome     TEXT        NOT NULL DEFAULT '',
  request_id  TEXT        NOT NULL DEFAULT '',
  body_size   INT         NOT NULL DEFAULT 0,
  message     TEXT        NOT NULL DEFAULT '',
  created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_call_idx ON audit_events (call_id, created_at);
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	q, args, err := psql.Insert("audit_events").
		Columns("id", "call_id", "type", "outcome", "request_id", "body_size", "message", "created_at").
		Values(e.ID, e.CallID, string(e.Type), e.Outcome, e.RequestID, e.BodySize, e.Message, e.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListByCall(ctx context.Context, callID int64) ([]Event, error) {
	q, args, err := psql.Select("id", "call_id", "type", "outcome", "request_id", "body_size", "message", "created_at").
		From("audit_events").
		Where(sq.Eq{"call_id": callID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit list: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			e  Event
			tp string
		)
		if err := rows.Scan(&e.ID, &e.CallID, &tp, &e.Outcome, &e.RequestID, &e.BodySize, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Type = EventType(tp)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}
