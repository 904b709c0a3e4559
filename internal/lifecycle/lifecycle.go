// Package lifecycle holds the call status state machine. Everything here is pure; the caller
// applies the returned effects.
package lifecycle

import (
	"strings"
	"time"

	"github.com/leadline/call-broker/internal/model"
)

// ParseProviderStatus maps a telephony provider's status string onto a CallStatus.
func ParseProviderStatus(raw string) (model.CallStatus, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)

	switch s {
	case "queued", "initiated":
		return model.CallStatusInitiated, true
	case "ringing":
		return model.CallStatusRinging, true
	case "answered", "in_progress":
		return model.CallStatusInProgress, true
	case "completed":
		return model.CallStatusCompleted, true
	case "busy":
		return model.CallStatusBusy, true
	case "no_answer":
		return model.CallStatusNoAnswer, true
	case "failed":
		return model.CallStatusFailed, true
	case "canceled", "cancelled":
		return model.CallStatusCanceled, true
	}
	return "", false
}

type EventKind int

const (
	EventStatus EventKind = iota
	// EventDecline is a user rejecting the call from the UI.
	EventDecline
	// EventMediaStopped is the provider closing the audio stream.
	EventMediaStopped
)

type Event struct {
	Kind   EventKind
	Status model.CallStatus
	At     time.Time
}

func StatusEvent(status model.CallStatus, at time.Time) Event {
	return Event{Kind: EventStatus, Status: status, At: at}
}

func DeclineEvent(at time.Time) Event {
	return Event{Kind: EventDecline, At: at}
}

func MediaStoppedEvent(at time.Time) Event {
	return Event{Kind: EventMediaStopped, At: at}
}

type State struct {
	Status     model.CallStatus
	Outcome    *model.CallOutcome
	Declined   bool
	AnsweredAt *time.Time
	EndedAt    *time.Time
}

func StateOf(s model.CallSession) State {
	return State{
		Status:     s.Status,
		Outcome:    s.Outcome,
		Declined:   s.Declined,
		AnsweredAt: s.AnsweredAt,
		EndedAt:    s.EndedAt,
	}
}

// Apply copies the state back onto a session.
func (st State) Apply(s *model.CallSession) {
	s.Status = st.Status
	s.Outcome = st.Outcome
	s.Declined = st.Declined
	s.AnsweredAt = st.AnsweredAt
	s.EndedAt = st.EndedAt
}

type Effect int

const (
	// EffectAnswered fires once, on the first entry into in_progress.
	EffectAnswered Effect = iota
	// EffectFinalize fires once, on entry into a terminal status.
	EffectFinalize
)

var rank = map[model.CallStatus]int{
	model.CallStatusInitiated:  0,
	model.CallStatusRinging:    1,
	model.CallStatusInProgress: 2,
}

// Transition applies e to st. Terminal states absorb every event. Non-terminal statuses never
// move backwards.
func Transition(st State, e Event) (State, []Effect) {
	if st.Status.IsTerminal() {
		return st, nil
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	switch e.Kind {
	case EventDecline:
		if st.AnsweredAt == nil {
			st.Declined = true
		}
		return st, nil
	case EventMediaStopped:
		e.Status = model.CallStatusCompleted
	}

	next := e.Status
	if next == "" || next == st.Status {
		return st, nil
	}

	if !next.IsTerminal() {
		if cur, ok := rank[st.Status]; ok && rank[next] < cur {
			return st, nil
		}
		st.Status = next
		if next == model.CallStatusInProgress && st.AnsweredAt == nil {
			at := e.At
			st.AnsweredAt = &at
			return st, []Effect{EffectAnswered}
		}
		return st, nil
	}

	at := e.At
	st.Status = next
	st.EndedAt = &at
	outcome := OutcomeFor(next, st.AnsweredAt != nil, st.Declined)
	st.Outcome = &outcome
	return st, []Effect{EffectFinalize}
}

// OutcomeFor resolves the business outcome of a terminal status. A decline recorded before the
// call was answered wins over whatever the provider reports.
func OutcomeFor(status model.CallStatus, answered, declined bool) model.CallOutcome {
	if declined && !answered {
		return model.CallOutcomeDeclined
	}

	switch status {
	case model.CallStatusCompleted:
		if answered {
			return model.CallOutcomeCompleted
		}
		return model.CallOutcomeMissed
	case model.CallStatusCanceled:
		return model.CallOutcomeMissed
	case model.CallStatusBusy:
		return model.CallOutcomeBusy
	case model.CallStatusNoAnswer:
		return model.CallOutcomeNoAnswer
	default:
		return model.CallOutcomeFailed
	}
}
