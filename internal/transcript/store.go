// Package transcript keeps each call's transcript in memory while the call is live and for a
// grace period after it ends.
package transcript

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leadline/call-broker/internal/model"
)

type callLog struct {
	finals  []model.TranscriptEntry
	interim *model.TranscriptEntry
}

type Store struct {
	mu     sync.RWMutex
	calls  map[string]*callLog
	purges map[string]*time.Timer
	closed bool
}

func NewStore() *Store {
	return &Store{
		calls:  make(map[string]*callLog),
		purges: make(map[string]*time.Timer),
	}
}

func (s *Store) logFor(callID string) *callLog {
	l, ok := s.calls[callID]
	if !ok {
		l = &callLog{}
		s.calls[callID] = l
	}
	return l
}

// Append adds a final entry and returns the number of final entries for the call.
// It also clears the interim slot, which the final entry supersedes.
func (s *Store) Append(callID string, e model.TranscriptEntry) int {
	e.IsFinal = true

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logFor(callID)
	l.finals = append(l.finals, e)
	l.interim = nil
	return len(l.finals)
}

// SetInterim overwrites the call's single interim slot.
func (s *Store) SetInterim(callID string, e model.TranscriptEntry) {
	e.IsFinal = false

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logFor(callID).interim = &e
}

func (s *Store) Interim(callID string) (model.TranscriptEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.calls[callID]
	if !ok || l.interim == nil {
		return model.TranscriptEntry{}, false
	}
	return *l.interim, true
}

// History returns a copy of the call's final entries in arrival order.
func (s *Store) History(callID string) []model.TranscriptEntry {
	return s.Recent(callID, 0)
}

// Recent returns a copy of the last n final entries; n <= 0 means all of them.
func (s *Store) Recent(callID string, n int) []model.TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.calls[callID]
	if !ok {
		return nil
	}
	finals := l.finals
	if n > 0 && len(finals) > n {
		finals = finals[len(finals)-n:]
	}
	out := make([]model.TranscriptEntry, len(finals))
	copy(out, finals)
	return out
}

func (s *Store) Count(callID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if l, ok := s.calls[callID]; ok {
		return len(l.finals)
	}
	return 0
}

// SchedulePurge drops the call's transcript after d. A later call replaces the earlier task.
func (s *Store) SchedulePurge(callID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if t, ok := s.purges[callID]; ok {
		t.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// A replaced or cancelled task may still fire; only the current one purges.
		if s.purges[callID] != timer {
			return
		}
		delete(s.purges, callID)
		delete(s.calls, callID)
		log.Debug().Str("callId", callID).Msg("transcript purged")
	})
	s.purges[callID] = timer
}

// CancelPurge stops a scheduled purge. It reports whether one was pending.
func (s *Store) CancelPurge(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.purges[callID]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.purges, callID)
	return true
}

// Purge drops the call's transcript now.
func (s *Store) Purge(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.purges[callID]; ok {
		t.Stop()
		delete(s.purges, callID)
	}
	delete(s.calls, callID)
}

func (s *Store) PendingPurges() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.purges)
}

// Close cancels every scheduled purge. Used on process shutdown.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.purges {
		t.Stop()
		delete(s.purges, id)
	}
	s.closed = true
}
