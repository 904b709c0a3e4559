package database

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	call_id          TEXT PRIMARY KEY,
	media_stream_id  TEXT NOT NULL DEFAULT '',
	rep_identity     TEXT NOT NULL DEFAULT '',
	rep_user_id      TEXT NOT NULL DEFAULT '',
	customer_number  TEXT NOT NULL DEFAULT '',
	contact_id       TEXT NOT NULL DEFAULT '',
	company_id       TEXT NOT NULL DEFAULT '',
	direction        TEXT NOT NULL,
	status           TEXT NOT NULL,
	outcome          TEXT,
	declined         BOOLEAN NOT NULL DEFAULT FALSE,
	started_at       TIMESTAMPTZ NOT NULL,
	answered_at      TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_calls_rep_started ON calls (rep_identity, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_calls_contact ON calls (contact_id) WHERE contact_id <> '';

CREATE TABLE IF NOT EXISTS call_transcripts (
	call_id   TEXT NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
	seq       INTEGER NOT NULL,
	text      TEXT NOT NULL,
	speaker   TEXT NOT NULL DEFAULT '',
	spoken_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (call_id, seq)
);
`

// EnsureSchema creates the call tables if they do not exist yet.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
