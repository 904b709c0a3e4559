package repository

import (
	"context"

	"github.com/rs/zerolog/log"

	apperrors "github.com/leadline/call-broker/internal/errors"
	"github.com/leadline/call-broker/internal/model"
)

// LogCallStore stands in when no database is configured: finished calls are written to the
// log and nothing can be read back.
type LogCallStore struct{}

func NewLogCallStore() *LogCallStore {
	return &LogCallStore{}
}

func (LogCallStore) SaveCall(ctx context.Context, session model.CallSession, entries []model.TranscriptEntry) error {
	outcome := ""
	if session.Outcome != nil {
		outcome = string(*session.Outcome)
	}
	log.Info().
		Str("callId", session.CallID).
		Str("repIdentity", session.RepIdentity).
		Str("status", string(session.Status)).
		Str("outcome", outcome).
		Int("duration", session.DurationSeconds()).
		Int("entries", len(entries)).
		Msg("call record (no database configured)")
	return nil
}

func (LogCallStore) FindTranscript(ctx context.Context, callID string) ([]model.TranscriptEntry, error) {
	return nil, apperrors.NotFound("transcript")
}

func (LogCallStore) FindByID(ctx context.Context, callID string) (*model.CallSession, error) {
	return nil, nil
}
