package model

type CallDirection string

const (
	CallDirectionInbound  CallDirection = "inbound"
	CallDirectionOutbound CallDirection = "outbound"
)

type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusFailed     CallStatus = "failed"
	CallStatusCanceled   CallStatus = "canceled"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer, CallStatusFailed, CallStatusCanceled:
		return true
	}
	return false
}

type CallOutcome string

const (
	CallOutcomeCompleted CallOutcome = "completed"
	CallOutcomeMissed    CallOutcome = "missed"
	CallOutcomeDeclined  CallOutcome = "declined"
	CallOutcomeBusy      CallOutcome = "busy"
	CallOutcomeNoAnswer  CallOutcome = "no_answer"
	CallOutcomeFailed    CallOutcome = "failed"
)

type ObserverRole string

const (
	ObserverRoleRep        ObserverRole = "rep"
	ObserverRoleSupervisor ObserverRole = "supervisor"
)

func (r ObserverRole) Valid() bool {
	return r == ObserverRoleRep || r == ObserverRoleSupervisor
}
