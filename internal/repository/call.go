package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/leadline/call-broker/internal/database"
	apperrors "github.com/leadline/call-broker/internal/errors"
	"github.com/leadline/call-broker/internal/model"
)

type CallRepository interface {
	SaveCall(ctx context.Context, session model.CallSession, entries []model.TranscriptEntry) error
	FindByID(ctx context.Context, callID string) (*model.CallSession, error)
	FindTranscript(ctx context.Context, callID string) ([]model.TranscriptEntry, error)
}

// callRecord is the calls row: the session plus its duration in whole seconds.
type callRecord struct {
	model.CallSession
	DurationSeconds int `db:"duration_seconds"`
}

const upsertCallSQL = `
	INSERT INTO calls (
		call_id, media_stream_id, rep_identity, rep_user_id, customer_number, contact_id,
		company_id, direction, status, outcome, declined, started_at, answered_at, ended_at,
		duration_seconds, updated_at
	) VALUES (
		:call_id, :media_stream_id, :rep_identity, :rep_user_id, :customer_number, :contact_id,
		:company_id, :direction, :status, :outcome, :declined, :started_at, :answered_at, :ended_at,
		:duration_seconds, NOW()
	)
	ON CONFLICT (call_id) DO UPDATE SET
		media_stream_id  = EXCLUDED.media_stream_id,
		rep_identity     = EXCLUDED.rep_identity,
		rep_user_id      = EXCLUDED.rep_user_id,
		customer_number  = EXCLUDED.customer_number,
		contact_id       = EXCLUDED.contact_id,
		company_id       = EXCLUDED.company_id,
		direction        = EXCLUDED.direction,
		status           = EXCLUDED.status,
		outcome          = EXCLUDED.outcome,
		declined         = EXCLUDED.declined,
		answered_at      = EXCLUDED.answered_at,
		ended_at         = EXCLUDED.ended_at,
		duration_seconds = EXCLUDED.duration_seconds,
		updated_at       = NOW()
	WHERE calls.ended_at IS NULL
`

type callRepo struct {
	db *database.DB
}

func NewCallRepository(db *database.DB) CallRepository {
	return &callRepo{db: db}
}

// SaveCall upserts the call row and replaces its transcript with the final entries, in one
// transaction. A row that already has ended_at set is final: later saves leave it and its
// transcript untouched.
func (r *callRepo) SaveCall(ctx context.Context, session model.CallSession, entries []model.TranscriptEntry) error {
	rec := callRecord{CallSession: session, DurationSeconds: session.DurationSeconds()}

	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, upsertCallSQL, rec)
		if err != nil {
			return fmt.Errorf("upsert call: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("upsert call: %w", err)
		}
		if n == 0 {
			log.Debug().Str("callId", session.CallID).Msg("call already finalized, save skipped")
			return nil
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM call_transcripts WHERE call_id = $1`, session.CallID); err != nil {
			return fmt.Errorf("clear transcript: %w", err)
		}

		seq := 0
		for _, e := range entries {
			if !e.IsFinal {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO call_transcripts (call_id, seq, text, speaker, spoken_at)
				VALUES ($1, $2, $3, $4, $5)
			`, session.CallID, seq, e.Text, e.Speaker, e.Timestamp); err != nil {
				return fmt.Errorf("insert transcript entry %d: %w", seq, err)
			}
			seq++
		}
		return nil
	})
}

// FindByID returns the stored call, or nil without error when there is none.
func (r *callRepo) FindByID(ctx context.Context, callID string) (*model.CallSession, error) {
	var rec callRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT call_id, media_stream_id, rep_identity, rep_user_id, customer_number, contact_id,
			company_id, direction, status, outcome, declined, started_at, answered_at, ended_at,
			duration_seconds
		FROM calls WHERE call_id = $1
	`, callID)
	found, err := HandleNotFound(&rec, err)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if found == nil {
		return nil, nil
	}
	session := found.CallSession
	session.Duration = time.Duration(found.DurationSeconds) * time.Second
	return &session, nil
}

func (r *callRepo) FindTranscript(ctx context.Context, callID string) ([]model.TranscriptEntry, error) {
	var entries []model.TranscriptEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT text, speaker, spoken_at FROM call_transcripts
		WHERE call_id = $1
		ORDER BY seq ASC
	`, callID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	if len(entries) == 0 {
		var exists bool
		err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM calls WHERE call_id = $1)`, callID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Database(err)
		}
		if !exists {
			return nil, apperrors.NotFound("transcript")
		}
		return []model.TranscriptEntry{}, nil
	}

	for i := range entries {
		entries[i].IsFinal = true
	}
	return entries, nil
}
