package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leadline/call-broker/internal/audit"
	"github.com/leadline/call-broker/internal/bridge"
	"github.com/leadline/call-broker/internal/coaching"
	apperrors "github.com/leadline/call-broker/internal/errors"
	"github.com/leadline/call-broker/internal/hub"
	"github.com/leadline/call-broker/internal/lifecycle"
	"github.com/leadline/call-broker/internal/model"
	"github.com/leadline/call-broker/internal/protocol"
	"github.com/leadline/call-broker/internal/registry"
	"github.com/leadline/call-broker/internal/transcript"
	"github.com/leadline/call-broker/internal/util"
)

// CallStore persists finished calls. SaveCall must tolerate being called twice for one call.
type CallStore interface {
	SaveCall(ctx context.Context, session model.CallSession, entries []model.TranscriptEntry) error
	FindByID(ctx context.Context, callID string) (*model.CallSession, error)
	FindTranscript(ctx context.Context, callID string) ([]model.TranscriptEntry, error)
}

type CallOptions struct {
	PersistTimeout time.Duration
	Retention      time.Duration
	Bridge         bridge.Options
}

// StatusUpdate is one provider status callback.
type StatusUpdate struct {
	CallID       string
	ParentCallID string
	Status       string
	Duration     int
}

type CallService struct {
	registry    *registry.Registry
	transcripts *transcript.Store
	hub         *hub.Hub
	dialer      bridge.Dialer
	store       CallStore
	coach       *coaching.Engine
	opts        CallOptions

	mu      sync.Mutex
	bridges map[string]*bridge.Bridge
	closed  bool
}

func NewCallService(
	reg *registry.Registry,
	transcripts *transcript.Store,
	h *hub.Hub,
	dialer bridge.Dialer,
	store CallStore,
	opts CallOptions,
) *CallService {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * time.Minute
	}
	return &CallService{
		registry:    reg,
		transcripts: transcripts,
		hub:         h,
		dialer:      dialer,
		store:       store,
		opts:        opts,
		bridges:     make(map[string]*bridge.Bridge),
	}
}

// SetCoach wires the coaching engine. The engine publishes back through this service.
func (s *CallService) SetCoach(e *coaching.Engine) {
	s.coach = e
}

// RegisterPending records a call the rep is dialing so the media stream can be matched to it.
func (s *CallService) RegisterPending(identity, userID string, msg protocol.RegisterCall) (string, error) {
	key := registry.ProvisionalKey(msg.CallID, msg.CustomerNumber)
	if key == "" {
		return "", apperrors.MissingRequired("callId or customerNumber")
	}

	s.registry.RegisterPending(key, model.PendingRegistration{
		RepIdentity:    identity,
		RepUserID:      userID,
		CustomerNumber: msg.CustomerNumber,
		ContactID:      msg.ContactID,
		CompanyID:      msg.CompanyID,
		Direction:      model.CallDirectionOutbound,
	})
	return key, nil
}

// StartMedia handles a media stream start: the session is created or joined, the bridge is
// started and call_started goes out the first time a stream is attached.
func (s *CallService) StartMedia(ctx context.Context, ev protocol.MediaEvent) (model.CallSession, error) {
	keys := []string{
		registry.ProvisionalKey(ev.Parameters[protocol.ParamCorrelationToken], ""),
		registry.ProvisionalKey("", ev.Parameters[protocol.ParamDestination]),
	}

	session, started, err := s.registry.StartSession(ev.CallID, ev.StreamID, keys...)
	if err != nil {
		return model.CallSession{}, err
	}

	if rep := ev.Parameters[protocol.ParamRepIdentity]; rep != "" && session.RepIdentity == "" {
		session, err = s.registry.Update(ev.CallID, func(cs *model.CallSession) {
			if cs.RepIdentity == "" {
				cs.RepIdentity = rep
			}
		})
		if err != nil {
			return model.CallSession{}, err
		}
	}

	if !started {
		log.Debug().Str("callId", ev.CallID).Str("streamId", ev.StreamID).Msg("duplicate media start ignored")
		return session, nil
	}

	s.startBridge(ev.CallID)
	s.hub.Publish(ctx, protocol.CallStarted(session), hub.Everyone())

	log.Info().
		Str("callId", session.CallID).
		Str("streamId", session.MediaStreamID).
		Str("repIdentity", session.RepIdentity).
		Str("direction", string(session.Direction)).
		Str("customer", util.MaskNumber(session.CustomerNumber)).
		Msg("call media started")

	return session, nil
}

func (s *CallService) startBridge(callID string) {
	if s.dialer == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.bridges[callID]; ok {
		return
	}
	b := bridge.New(callID, s.dialer, s, s.opts.Bridge)
	s.bridges[callID] = b
	b.Start()
}

func (s *CallService) bridgeFor(callID string) (*bridge.Bridge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bridges[callID]
	return b, ok
}

func (s *CallService) takeBridge(callID string) *bridge.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bridges[callID]
	delete(s.bridges, callID)
	return b
}

// ForwardAudio hands one opaque audio frame to the call's bridge.
func (s *CallService) ForwardAudio(callID string, payload []byte) {
	b, ok := s.bridgeFor(callID)
	if !ok {
		return
	}
	b.Submit(payload)
}

// StopMedia treats the provider closing the audio stream as the call ending.
func (s *CallService) StopMedia(ctx context.Context, callID string) error {
	return s.apply(ctx, callID, lifecycle.MediaStoppedEvent(time.Now()))
}

// HandleStatus applies a provider status callback. The parent leg id, when present, is the
// session key. Callbacks for calls that already ended are ignored.
func (s *CallService) HandleStatus(ctx context.Context, u StatusUpdate) error {
	callID := u.CallID
	if u.ParentCallID != "" {
		callID = u.ParentCallID
	}
	if callID == "" {
		return apperrors.MissingRequired("callId")
	}

	status, ok := lifecycle.ParseProviderStatus(u.Status)
	if !ok {
		return apperrors.InvalidInput("status", "unknown call status "+u.Status)
	}

	if s.registry.IsEnded(callID) {
		log.Debug().Str("callId", callID).Str("status", string(status)).Msg("status for ended call ignored")
		return nil
	}

	// A terminal status never creates a session.
	if status.IsTerminal() {
		if _, ok := s.registry.Get(callID); !ok {
			log.Debug().Str("callId", callID).Str("status", string(status)).Msg("terminal status for unknown call ignored")
			return nil
		}
	}

	if _, created, err := s.registry.Ensure(callID); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeCallEnded) {
			return nil
		}
		return err
	} else if created {
		log.Debug().Str("callId", callID).Msg("status callback arrived before media stream")
	}

	log.Info().
		Str("callId", callID).
		Str("leg", u.CallID).
		Str("status", string(status)).
		Int("providerDuration", u.Duration).
		Msg("call status received")

	return s.apply(ctx, callID, lifecycle.StatusEvent(status, time.Now()))
}

// Decline records that the user rejected the call. Unknown calls are a no-op.
func (s *CallService) Decline(ctx context.Context, callID string, by model.ObserverClient) error {
	if callID == "" {
		return apperrors.MissingRequired("callId")
	}
	if _, ok := s.registry.Get(callID); !ok {
		log.Debug().Str("callId", callID).Msg("decline for unknown call ignored")
		return nil
	}

	audit.Log(ctx, audit.Event{
		Type:     audit.EventCallDeclined,
		Role:     string(by.Role),
		Identity: by.Identity,
		UserID:   by.UserID,
		CallID:   callID,
	})
	return s.apply(ctx, callID, lifecycle.DeclineEvent(time.Now()))
}

func (s *CallService) apply(ctx context.Context, callID string, ev lifecycle.Event) error {
	var effects []lifecycle.Effect
	session, err := s.registry.Update(callID, func(cs *model.CallSession) {
		var st lifecycle.State
		st, effects = lifecycle.Transition(lifecycle.StateOf(*cs), ev)
		st.Apply(cs)
		if st.EndedAt != nil && cs.Duration == 0 {
			cs.Duration = st.EndedAt.Sub(cs.StartedAt)
		}
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeUnknownCall) {
			log.Debug().Str("callId", callID).Msg("lifecycle event for unknown call ignored")
			return nil
		}
		return err
	}

	for _, effect := range effects {
		switch effect {
		case lifecycle.EffectAnswered:
			log.Info().Str("callId", callID).Time("answeredAt", *session.AnsweredAt).Msg("call answered")
		case lifecycle.EffectFinalize:
			s.finalize(ctx, session)
		}
	}
	return nil
}

// finalize runs the terminal side effects: bridge teardown, coaching cancellation,
// persistence, removal, the call_ended broadcast and the transcript purge timer.
func (s *CallService) finalize(ctx context.Context, session model.CallSession) {
	callID := session.CallID

	if b := s.takeBridge(callID); b != nil {
		b.Close()
	}
	if s.coach != nil {
		s.coach.EndCall(callID)
	}

	entries := s.transcripts.History(callID)
	if s.store != nil {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
		err := s.store.SaveCall(persistCtx, session, entries)
		cancel()
		if err != nil {
			log.Error().
				Err(apperrors.PersistenceFailure(err)).
				Str("callId", callID).
				Int("entries", len(entries)).
				Msg("failed to persist call")
		}
	}

	s.registry.Remove(callID)
	s.hub.Publish(ctx, protocol.CallEnded(session), hub.Everyone())
	s.transcripts.SchedulePurge(callID, s.opts.Retention)

	outcome := ""
	if session.Outcome != nil {
		outcome = string(*session.Outcome)
	}
	log.Info().
		Str("callId", callID).
		Str("status", string(session.Status)).
		Str("outcome", outcome).
		Int("duration", session.DurationSeconds()).
		Int("entries", len(entries)).
		Msg("call ended")
}

// OnTranscript receives bridge results. Interim results replace the call's interim slot;
// finals are appended and may trigger coaching.
func (s *CallService) OnTranscript(callID string, r bridge.Result) {
	session, ok := s.registry.Get(callID)
	if !ok {
		log.Debug().Str("callId", callID).Msg("transcript for unknown call dropped")
		return
	}

	entry := model.TranscriptEntry{
		Text:      r.Text,
		Timestamp: r.Timestamp,
		IsFinal:   r.IsFinal,
		Speaker:   r.Speaker,
	}
	audience := hub.Or(hub.AllReps(), hub.SupervisorsListeningTo(callID))

	if !r.IsFinal {
		s.transcripts.SetInterim(callID, entry)
		s.hub.Publish(context.Background(), protocol.Transcript(callID, entry), audience)
		return
	}

	s.transcripts.Append(callID, entry)
	s.hub.Publish(context.Background(), protocol.Transcript(callID, entry), audience)

	if s.coach != nil {
		s.coach.OnFinal(callID, session.CompanyID, s.transcripts.History(callID))
	}
}

func (s *CallService) OnDisabled(callID string, err error) {
	log.Error().Err(err).Str("callId", callID).Msg("live transcription unavailable for call")
}

// PublishCoaching broadcasts a suggestion unless its call has ended meanwhile.
func (s *CallService) PublishCoaching(sg model.CoachingSuggestion) {
	if _, ok := s.registry.Get(sg.CallID); !ok {
		log.Debug().Str("callId", sg.CallID).Msg("coaching for ended call dropped")
		return
	}
	s.hub.Publish(context.Background(), protocol.AICoaching(sg),
		hub.Or(hub.AllReps(), hub.SupervisorsListeningTo(sg.CallID)))
}

// HandleObserverMessage dispatches one decoded inbound observer message.
func (s *CallService) HandleObserverMessage(ctx context.Context, client *hub.Client, msg protocol.Inbound) error {
	switch m := msg.(type) {
	case protocol.RegisterCall:
		if client.Role != model.ObserverRoleRep {
			return apperrors.Unauthorized("only reps register calls")
		}
		_, err := s.RegisterPending(client.Identity, client.UserID, m)
		return err
	case protocol.ListenToCall:
		return s.hub.SetListening(client.ID, m.CallID)
	case protocol.StopListening:
		return s.hub.SetListening(client.ID, "")
	case protocol.DeclineCall:
		return s.Decline(ctx, m.CallID, client.Info())
	default:
		return apperrors.MalformedMessage("unsupported message")
	}
}

func (s *CallService) ActiveCalls() []model.CallSession {
	return s.registry.Snapshot()
}

// Call returns a live call from the registry, or its persisted record once it has ended.
func (s *CallService) Call(ctx context.Context, callID string) (model.CallSession, error) {
	if session, ok := s.registry.Get(callID); ok {
		return session, nil
	}
	if s.store == nil {
		return model.CallSession{}, apperrors.NotFound("call")
	}
	session, err := s.store.FindByID(ctx, callID)
	if err != nil {
		return model.CallSession{}, err
	}
	if session == nil {
		return model.CallSession{}, apperrors.NotFound("call")
	}
	return *session, nil
}

// Transcript returns the retained history of a call, falling back to the store once the
// in-memory copy has been purged.
func (s *CallService) Transcript(ctx context.Context, callID string) ([]model.TranscriptEntry, error) {
	if entries := s.transcripts.History(callID); len(entries) > 0 {
		return entries, nil
	}
	if _, ok := s.registry.Get(callID); ok {
		return []model.TranscriptEntry{}, nil
	}
	if s.store == nil {
		return nil, apperrors.NotFound("transcript")
	}
	return s.store.FindTranscript(ctx, callID)
}

// Shutdown tears down every bridge and stops coaching and purge timers. Active calls are
// not persisted.
func (s *CallService) Shutdown() {
	s.mu.Lock()
	s.closed = true
	bridges := s.bridges
	s.bridges = make(map[string]*bridge.Bridge)
	s.mu.Unlock()

	for _, b := range bridges {
		b.Close()
	}
	for _, b := range bridges {
		b.Wait()
	}
	if s.coach != nil {
		s.coach.Close()
	}
	s.transcripts.Close()

	log.Info().
		Int("bridges", len(bridges)).
		Int("activeCalls", s.registry.Count()).
		Msg("call service stopped")
}
