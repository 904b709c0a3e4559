package hub

import "github.com/leadline/call-broker/internal/model"

// Audience selects which connected clients receive an event. It is a plain value so it can
// travel with the event across instances.
type Audience struct {
	Everyone    bool   `json:"everyone,omitempty"`
	Reps        bool   `json:"reps,omitempty"`
	ListenersOf string `json:"listenersOf,omitempty"`
}

func Everyone() Audience { return Audience{Everyone: true} }

func AllReps() Audience { return Audience{Reps: true} }

func SupervisorsListeningTo(callID string) Audience { return Audience{ListenersOf: callID} }

// Or matches a client if any of the given audiences match it.
func Or(audiences ...Audience) Audience {
	var out Audience
	for _, a := range audiences {
		out.Everyone = out.Everyone || a.Everyone
		out.Reps = out.Reps || a.Reps
		if a.ListenersOf != "" {
			out.ListenersOf = a.ListenersOf
		}
	}
	return out
}

func (a Audience) Match(c *Client) bool {
	if a.Everyone {
		return true
	}
	if a.Reps && c.Role == model.ObserverRoleRep {
		return true
	}
	if a.ListenersOf != "" && c.Role == model.ObserverRoleSupervisor && c.ListeningTo() == a.ListenersOf {
		return true
	}
	return false
}
