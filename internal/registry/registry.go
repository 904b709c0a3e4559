// Package registry holds the authoritative in-memory map of active calls and the pending
// registrations reps create before the provider has assigned a call id.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/leadline/call-broker/internal/errors"
	"github.com/leadline/call-broker/internal/model"
)

type entry struct {
	mu      sync.Mutex
	session model.CallSession
	removed bool
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	pending  map[string]model.PendingRegistration
	ended    map[string]time.Time
	now      func() time.Time
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		pending:  make(map[string]model.PendingRegistration),
		ended:    make(map[string]time.Time),
		now:      time.Now,
	}
}

// ProvisionalKey derives the pending-registration key. A correlation token always wins;
// otherwise the destination number is reduced to its digits, dropping a leading US country
// code so "+1 (555) 123-4567" and "5551234567" collide.
func ProvisionalKey(token, number string) string {
	if token = strings.TrimSpace(token); token != "" {
		return "token:" + token
	}

	var digits strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	if d == "" {
		return ""
	}
	return "num:" + d
}

// RegisterPending stores p under key, replacing any earlier registration for that key.
func (r *Registry) RegisterPending(key string, p model.PendingRegistration) {
	if key == "" {
		return
	}
	p.Key = key
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	if p.Direction == "" {
		p.Direction = model.CallDirectionOutbound
	}

	r.mu.Lock()
	_, replaced := r.pending[key]
	r.pending[key] = p
	r.mu.Unlock()

	log.Debug().
		Str("key", key).
		Str("repIdentity", p.RepIdentity).
		Bool("replaced", replaced).
		Msg("pending call registered")
}

// StartSession attaches a media stream to callID, creating the session if needed. The
// returned started flag is true only the first time a stream is attached to the call.
// Keys are tried in order against pending registrations; with no usable key, a single
// outstanding registration is merged and several are left alone.
func (r *Registry) StartSession(callID, streamID string, keys ...string) (model.CallSession, bool, error) {
	s, _, attached, err := r.upsert(callID, streamID, keys, true)
	return s, attached, err
}

// Ensure returns the session for callID, creating a bare one if this is the first time the
// call is seen. Used when a provider status callback arrives before the media stream.
func (r *Registry) Ensure(callID string, keys ...string) (model.CallSession, bool, error) {
	s, created, _, err := r.upsert(callID, "", keys, false)
	return s, created, err
}

func (r *Registry) upsert(callID, streamID string, keys []string, allowSole bool) (session model.CallSession, created, attached bool, err error) {
	if callID == "" {
		return model.CallSession{}, false, false, apperrors.MissingRequired("callId")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ended := r.ended[callID]; ended {
		return model.CallSession{}, false, false, apperrors.CallEnded(callID)
	}

	if e, ok := r.sessions[callID]; ok {
		e.mu.Lock()
		defer e.mu.Unlock()

		changed := false
		if streamID != "" && e.session.MediaStreamID == "" {
			e.session.MediaStreamID = streamID
			changed = true
		}
		if p, ok := r.takePendingLocked(keys, allowSole && changed); ok {
			p.ApplyTo(&e.session)
		}
		return e.session, false, changed, nil
	}

	session = model.CallSession{
		CallID:        callID,
		MediaStreamID: streamID,
		Direction:     model.CallDirectionInbound,
		Status:        model.CallStatusInitiated,
		StartedAt:     r.now(),
	}
	if p, ok := r.takePendingLocked(keys, allowSole); ok {
		p.ApplyTo(&session)
		log.Debug().Str("callId", callID).Str("key", p.Key).Msg("pending call merged into session")
	}
	r.sessions[callID] = &entry{session: session}

	log.Info().
		Str("callId", callID).
		Str("streamId", streamID).
		Str("repIdentity", session.RepIdentity).
		Msg("call session created")

	return session, true, streamID != "", nil
}

func (r *Registry) takePendingLocked(keys []string, allowSole bool) (model.PendingRegistration, bool) {
	usable := false
	for _, k := range keys {
		if k == "" {
			continue
		}
		usable = true
		if p, ok := r.pending[k]; ok {
			delete(r.pending, k)
			return p, true
		}
	}
	if usable || !allowSole {
		return model.PendingRegistration{}, false
	}

	switch len(r.pending) {
	case 0:
		return model.PendingRegistration{}, false
	case 1:
		for k, p := range r.pending {
			delete(r.pending, k)
			return p, true
		}
	}
	log.Warn().Int("pending", len(r.pending)).Msg("media stream without key and several pending calls: not merging")
	return model.PendingRegistration{}, false
}

// Get returns a copy of the session.
func (r *Registry) Get(callID string) (model.CallSession, bool) {
	r.mu.RLock()
	e, ok := r.sessions[callID]
	r.mu.RUnlock()
	if !ok {
		return model.CallSession{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return model.CallSession{}, false
	}
	return e.session, true
}

// Update applies fn to the session under its own lock and returns the resulting copy.
// Unknown calls yield UNKNOWN_CALL; fn is not invoked.
func (r *Registry) Update(callID string, fn func(*model.CallSession)) (model.CallSession, error) {
	r.mu.RLock()
	e, ok := r.sessions[callID]
	r.mu.RUnlock()
	if !ok {
		return model.CallSession{}, apperrors.UnknownCall(callID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return model.CallSession{}, apperrors.UnknownCall(callID)
	}
	fn(&e.session)
	e.session.CallID = callID
	return e.session, nil
}

// Remove deletes the session and remembers the id so late callbacks cannot recreate it.
func (r *Registry) Remove(callID string) (model.CallSession, bool) {
	r.mu.Lock()
	e, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
		r.ended[callID] = r.now()
	}
	r.mu.Unlock()
	if !ok {
		return model.CallSession{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	return e.session, true
}

// IsEnded reports whether callID was removed within the tombstone window.
func (r *Registry) IsEnded(callID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ended[callID]
	return ok
}

// Snapshot returns copies of all current sessions ordered by start time.
func (r *Registry) Snapshot() []model.CallSession {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sessions := make([]model.CallSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			sessions = append(sessions, e.session)
		}
		e.mu.Unlock()
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].CallID < sessions[j].CallID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// SweepPending drops registrations older than ttl that no media stream claimed.
func (r *Registry) SweepPending(ttl time.Duration) int64 {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, p := range r.pending {
		if p.CreatedAt.Before(cutoff) {
			delete(r.pending, k)
			n++
		}
	}
	return n
}

// SweepEnded forgets tombstones older than ttl.
func (r *Registry) SweepEnded(ttl time.Duration) int64 {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, at := range r.ended {
		if at.Before(cutoff) {
			delete(r.ended, id)
			n++
		}
	}
	return n
}
