// Package protocol defines the JSON messages exchanged on the observer and media channels.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/leadline/call-broker/internal/errors"
	"github.com/leadline/call-broker/internal/model"
)

// Inbound observer message types.
const (
	TypeRegisterCall  = "register_call"
	TypeListenToCall  = "listen_to_call"
	TypeStopListening = "stop_listening"
	TypeDeclineCall   = "decline_call"
)

// Outbound observer message types.
const (
	TypeActiveCalls    = "active_calls"
	TypeCallStarted    = "call_started"
	TypeCallEnded      = "call_ended"
	TypeTranscript     = "transcript"
	TypeFullTranscript = "full_transcript"
	TypeAICoaching     = "ai_coaching"
)

// Inbound is the closed set of messages an observer may send.
type Inbound interface {
	inboundType() string
}

// RegisterCall announces a call the rep is dialing before the provider has a call id for it.
// CallID here is the client-side correlation token, not the provider id.
type RegisterCall struct {
	CallID         string `json:"callId"`
	CustomerNumber string `json:"customerNumber"`
	ContactID      string `json:"contactId"`
	CompanyID      string `json:"companyId"`
}

type ListenToCall struct {
	CallID string `json:"callId"`
}

type StopListening struct{}

type DeclineCall struct {
	CallID string `json:"callId"`
}

func (RegisterCall) inboundType() string  { return TypeRegisterCall }
func (ListenToCall) inboundType() string  { return TypeListenToCall }
func (StopListening) inboundType() string { return TypeStopListening }
func (DeclineCall) inboundType() string   { return TypeDeclineCall }

// DecodeInbound parses one observer frame. Unknown types and missing required fields
// are reported as MALFORMED_MESSAGE.
func DecodeInbound(data []byte) (Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, apperrors.MalformedMessage("invalid json").WithCause(err)
	}

	switch envelope.Type {
	case TypeRegisterCall:
		var msg RegisterCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, apperrors.MalformedMessage(envelope.Type).WithCause(err)
		}
		if strings.TrimSpace(msg.CallID) == "" && strings.TrimSpace(msg.CustomerNumber) == "" {
			return nil, apperrors.MalformedMessage("register_call needs callId or customerNumber")
		}
		return msg, nil
	case TypeListenToCall:
		var msg ListenToCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, apperrors.MalformedMessage(envelope.Type).WithCause(err)
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, apperrors.MalformedMessage("listen_to_call needs callId")
		}
		return msg, nil
	case TypeStopListening:
		return StopListening{}, nil
	case TypeDeclineCall:
		var msg DeclineCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, apperrors.MalformedMessage(envelope.Type).WithCause(err)
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, apperrors.MalformedMessage("decline_call needs callId")
		}
		return msg, nil
	case "":
		return nil, apperrors.MalformedMessage("missing type")
	default:
		return nil, apperrors.MalformedMessage("unknown type " + envelope.Type)
	}
}

// Event is one encoded outbound frame plus the call it belongs to.
type Event struct {
	Type   string          `json:"type"`
	CallID string          `json:"callId,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// CallSummary is the observer-facing view of a CallSession.
type CallSummary struct {
	CallID         string              `json:"callId"`
	RepIdentity    string              `json:"repIdentity,omitempty"`
	CustomerNumber string              `json:"customerNumber,omitempty"`
	ContactID      string              `json:"contactId,omitempty"`
	CompanyID      string              `json:"companyId,omitempty"`
	Direction      model.CallDirection `json:"direction"`
	Status         model.CallStatus    `json:"status"`
	StartTime      time.Time           `json:"startTime"`
}

func Summarize(s model.CallSession) CallSummary {
	return CallSummary{
		CallID:         s.CallID,
		RepIdentity:    s.RepIdentity,
		CustomerNumber: s.CustomerNumber,
		ContactID:      s.ContactID,
		CompanyID:      s.CompanyID,
		Direction:      s.Direction,
		Status:         s.Status,
		StartTime:      s.StartedAt,
	}
}

type activeCallsMessage struct {
	Type  string        `json:"type"`
	Calls []CallSummary `json:"calls"`
}

type callStartedMessage struct {
	Type           string    `json:"type"`
	CallID         string    `json:"callId"`
	RepIdentity    string    `json:"repIdentity"`
	CustomerNumber string    `json:"customerNumber"`
	StartTime      time.Time `json:"startTime"`
}

type callEndedMessage struct {
	Type     string             `json:"type"`
	CallID   string             `json:"callId"`
	Duration int                `json:"duration"`
	Status   model.CallStatus   `json:"status,omitempty"`
	Outcome  *model.CallOutcome `json:"outcome,omitempty"`
}

type transcriptMessage struct {
	Type      string    `json:"type"`
	CallID    string    `json:"callId"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"isFinal"`
	Speaker   string    `json:"speaker,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type fullTranscriptMessage struct {
	Type       string                  `json:"type"`
	CallID     string                  `json:"callId"`
	Transcript []model.TranscriptEntry `json:"transcript"`
}

type coachingMessage struct {
	Type       string    `json:"type"`
	CallID     string    `json:"callId"`
	Suggestion string    `json:"suggestion"`
	Timestamp  time.Time `json:"timestamp"`
}

func ActiveCalls(sessions []model.CallSession) Event {
	calls := make([]CallSummary, 0, len(sessions))
	for _, s := range sessions {
		calls = append(calls, Summarize(s))
	}
	return encode(TypeActiveCalls, "", activeCallsMessage{Type: TypeActiveCalls, Calls: calls})
}

func CallStarted(s model.CallSession) Event {
	return encode(TypeCallStarted, s.CallID, callStartedMessage{
		Type:           TypeCallStarted,
		CallID:         s.CallID,
		RepIdentity:    s.RepIdentity,
		CustomerNumber: s.CustomerNumber,
		StartTime:      s.StartedAt,
	})
}

func CallEnded(s model.CallSession) Event {
	return encode(TypeCallEnded, s.CallID, callEndedMessage{
		Type:     TypeCallEnded,
		CallID:   s.CallID,
		Duration: s.DurationSeconds(),
		Status:   s.Status,
		Outcome:  s.Outcome,
	})
}

func Transcript(callID string, e model.TranscriptEntry) Event {
	return encode(TypeTranscript, callID, transcriptMessage{
		Type:      TypeTranscript,
		CallID:    callID,
		Text:      e.Text,
		IsFinal:   e.IsFinal,
		Speaker:   e.Speaker,
		Timestamp: e.Timestamp,
	})
}

func FullTranscript(callID string, entries []model.TranscriptEntry) Event {
	if entries == nil {
		entries = []model.TranscriptEntry{}
	}
	return encode(TypeFullTranscript, callID, fullTranscriptMessage{
		Type:       TypeFullTranscript,
		CallID:     callID,
		Transcript: entries,
	})
}

func AICoaching(s model.CoachingSuggestion) Event {
	return encode(TypeAICoaching, s.CallID, coachingMessage{
		Type:       TypeAICoaching,
		CallID:     s.CallID,
		Suggestion: s.Text,
		Timestamp:  s.Timestamp,
	})
}

func encode(eventType, callID string, msg any) Event {
	// Every message here is a plain struct of strings, times and slices; Marshal cannot fail.
	data, _ := json.Marshal(msg)
	return Event{Type: eventType, CallID: callID, Data: data}
}
