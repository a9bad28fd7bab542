package calls

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the DDL for the calls table. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
  id                   BIGSERIAL PRIMARY KEY,
  call_title           TEXT        NOT NULL,
  call_date_time       TIMESTAMPTZ NOT NULL,
  recording_file_path  TEXT        NOT NULL,
  call_direction       TEXT        NOT NULL,
  file_size            BIGINT      NOT NULL DEFAULT 0,
  file_type            TEXT        NOT NULL DEFAULT '',
  company_name         TEXT        NOT NULL DEFAULT '',
  contact_id           BIGINT      NOT NULL DEFAULT 0,
  user_id              BIGINT      NOT NULL DEFAULT 0,
  order_id             BIGINT      NOT NULL DEFAULT 0,

  state                TEXT        NOT NULL DEFAULT 'PENDING'
                       CHECK (state IN ('PENDING','PROCESSING','COMPLETED','FAILED','EXPIRED')),
  transcript           TEXT,
  summary              TEXT,
  sentiment_percentage INT CHECK (sentiment_percentage BETWEEN 0 AND 100),
  sentiment_label      TEXT,

  artifact_missing     BOOLEAN     NOT NULL DEFAULT FALSE,
  expiry_reason        TEXT        NOT NULL DEFAULT '',
  raw_callback         TEXT        NOT NULL DEFAULT '',
  dispatch_attempts    INT         NOT NULL DEFAULT 0,
  callback_attempts    INT         NOT NULL DEFAULT 0,
  created_at           TIMESTAMPTZ NOT NULL,
  updated_at           TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS calls_open_created_idx
  ON calls (created_at) WHERE state IN ('PENDING','PROCESSING');
CREATE INDEX IF NOT EXISTS calls_contact_idx ON calls (contact_id);
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("calls: ensure schema: %w", err)
	}
	return nil
}
