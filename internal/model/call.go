package model

import (
	"time"
)

// CallSession is one active call. The registry owns it; everything else works on copies.
type CallSession struct {
	CallID         string        `db:"call_id" json:"callId"`
	MediaStreamID  string        `db:"media_stream_id" json:"mediaStreamId,omitempty"`
	RepIdentity    string        `db:"rep_identity" json:"repIdentity,omitempty"`
	RepUserID      string        `db:"rep_user_id" json:"repUserId,omitempty"`
	CustomerNumber string        `db:"customer_number" json:"customerNumber,omitempty"`
	ContactID      string        `db:"contact_id" json:"contactId,omitempty"`
	CompanyID      string        `db:"company_id" json:"companyId,omitempty"`
	Direction      CallDirection `db:"direction" json:"direction"`
	Status         CallStatus    `db:"status" json:"status"`
	Outcome        *CallOutcome  `db:"outcome" json:"outcome,omitempty"`
	Declined       bool          `db:"declined" json:"declined,omitempty"`
	StartedAt      time.Time     `db:"started_at" json:"startTime"`
	AnsweredAt     *time.Time    `db:"answered_at" json:"answeredAt,omitempty"`
	EndedAt        *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
	Duration       time.Duration `db:"-" json:"-"`
}

// DurationSeconds is the whole-second duration stored with the call record.
func (c *CallSession) DurationSeconds() int {
	return int(c.Duration / time.Second)
}

// PendingRegistration is recorded when a rep dials before the provider assigns a call id.
type PendingRegistration struct {
	Key            string        `json:"key"`
	RepIdentity    string        `json:"repIdentity,omitempty"`
	RepUserID      string        `json:"repUserId,omitempty"`
	CustomerNumber string        `json:"customerNumber,omitempty"`
	ContactID      string        `json:"contactId,omitempty"`
	CompanyID      string        `json:"companyId,omitempty"`
	Direction      CallDirection `json:"direction,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// ApplyTo copies the registration's non-empty fields onto s.
func (p *PendingRegistration) ApplyTo(s *CallSession) {
	if p.RepIdentity != "" {
		s.RepIdentity = p.RepIdentity
	}
	if p.RepUserID != "" {
		s.RepUserID = p.RepUserID
	}
	if p.CustomerNumber != "" {
		s.CustomerNumber = p.CustomerNumber
	}
	if p.ContactID != "" {
		s.ContactID = p.ContactID
	}
	if p.CompanyID != "" {
		s.CompanyID = p.CompanyID
	}
	if p.Direction != "" {
		s.Direction = p.Direction
	}
}

type TranscriptEntry struct {
	Text      string    `db:"text" json:"text"`
	Timestamp time.Time `db:"spoken_at" json:"timestamp"`
	IsFinal   bool      `db:"-" json:"isFinal"`
	Speaker   string    `db:"speaker" json:"speaker,omitempty"`
}

type CoachingSuggestion struct {
	CallID    string    `json:"callId"`
	Text      string    `json:"suggestion"`
	Timestamp time.Time `json:"timestamp"`
}

// ObserverClient is one connected browser socket. ListeningTo is a weak reference to a call id.
type ObserverClient struct {
	ClientID    string       `json:"clientId"`
	Role        ObserverRole `json:"role"`
	Identity    string       `json:"identity"`
	UserID      string       `json:"userId,omitempty"`
	ListeningTo string       `json:"listeningTo,omitempty"`
}
