// Package hub tracks connected observers and routes call events to them.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/leadline/call-broker/internal/audit"
	apperrors "github.com/leadline/call-broker/internal/errors"
	"github.com/leadline/call-broker/internal/model"
	"github.com/leadline/call-broker/internal/protocol"
)

const (
	HeartbeatInterval = 30 * time.Second
	ClientBufferSize  = 256
)

type SessionSource interface {
	Snapshot() []model.CallSession
}

type HistorySource interface {
	History(callID string) []model.TranscriptEntry
}

type Client struct {
	ID       string
	Role     model.ObserverRole
	Identity string
	UserID   string
	Events   chan protocol.Event
	Done     chan struct{}

	mu          sync.Mutex
	listeningTo string
	closeOnce   sync.Once
}

func (c *Client) ListeningTo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeningTo
}

func (c *Client) Info() model.ObserverClient {
	return model.ObserverClient{
		ClientID:    c.ID,
		Role:        c.Role,
		Identity:    c.Identity,
		UserID:      c.UserID,
		ListeningTo: c.ListeningTo(),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.Done) })
}

// offer enqueues without blocking. A full buffer or a closed client loses the event.
func (c *Client) offer(event protocol.Event) bool {
	select {
	case <-c.Done:
		return false
	default:
	}
	select {
	case c.Events <- event:
		return true
	default:
		return false
	}
}

type Hub struct {
	sessions   SessionSource
	history    HistorySource
	maxClients int

	clients map[string]*Client
	mu      sync.RWMutex

	relay     Relay
	relayDown atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	dropped   atomic.Int64
}

func New(sessions SessionSource, history HistorySource, maxClients int) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions:   sessions,
		history:    history,
		maxClients: maxClients,
		clients:    make(map[string]*Client),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// UseRelay routes Publish through r and starts delivering what r receives to local clients.
// If r stops receiving before the hub is closed, Publish falls back to local delivery.
func (h *Hub) UseRelay(r Relay) {
	h.relay = r
	go func() {
		err := r.Run(h.ctx, h.deliver)
		if h.ctx.Err() != nil {
			return
		}
		h.relayDown.Store(true)
		log.Error().Err(err).Msg("hub relay stopped, falling back to local delivery")
	}()
}

// Connect registers an observer and queues the active_calls snapshot as its first message.
func (h *Hub) Connect(role model.ObserverRole, identity, userID string) (*Client, error) {
	if !role.Valid() {
		return nil, apperrors.InvalidInput("role", "must be rep or supervisor")
	}

	client := &Client{
		ID:       uuid.NewString(),
		Role:     role,
		Identity: identity,
		UserID:   userID,
		Events:   make(chan protocol.Event, ClientBufferSize),
		Done:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.maxClients > 0 && len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		audit.Log(h.ctx, audit.Event{
			Type:     audit.EventObserverRejected,
			Role:     string(role),
			Identity: identity,
			UserID:   userID,
			Details:  map[string]interface{}{"limit": h.maxClients},
		})
		return nil, apperrors.CapacityExceeded("observers")
	}
	// Snapshot under the write lock so no call_started can slip between snapshot and join.
	var sessions []model.CallSession
	if h.sessions != nil {
		sessions = h.sessions.Snapshot()
	}
	client.Events <- protocol.ActiveCalls(sessions)
	h.clients[client.ID] = client
	count := len(h.clients)
	h.mu.Unlock()

	log.Info().
		Str("clientId", client.ID).
		Str("role", string(role)).
		Str("identity", identity).
		Int("activeCalls", len(sessions)).
		Int("clientCount", count).
		Msg("observer connected")

	return client, nil
}

func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	client.close()

	log.Info().
		Str("clientId", clientID).
		Str("role", string(client.Role)).
		Int("clientCount", count).
		Msg("observer disconnected")
}

func (h *Hub) Client(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	return c, ok
}

// SetListening points the client at callID, or clears it when callID is empty. Setting a call
// queues a full_transcript catch-up of that call's current history. The interest is recorded
// before history is read, so an entry appended concurrently may arrive twice but never zero
// times.
func (h *Hub) SetListening(clientID, callID string) error {
	client, ok := h.Client(clientID)
	if !ok {
		return apperrors.NotFound("observer")
	}

	client.mu.Lock()
	prev := client.listeningTo
	client.listeningTo = callID
	client.mu.Unlock()

	if callID == "" {
		if prev != "" {
			audit.Log(h.ctx, audit.Event{
				Type:     audit.EventListenStop,
				Role:     string(client.Role),
				Identity: client.Identity,
				UserID:   client.UserID,
				CallID:   prev,
			})
		}
		return nil
	}

	var entries []model.TranscriptEntry
	if h.history != nil {
		entries = h.history.History(callID)
	}
	if !client.offer(protocol.FullTranscript(callID, entries)) {
		h.dropped.Add(1)
		log.Warn().Str("clientId", clientID).Str("callId", callID).Msg("catch-up dropped, client buffer full")
	}

	details := map[string]interface{}{"catchUp": len(entries)}
	if prev != "" && prev != callID {
		details["replaced"] = prev
	}
	audit.Log(h.ctx, audit.Event{
		Type:     audit.EventListenStart,
		Role:     string(client.Role),
		Identity: client.Identity,
		UserID:   client.UserID,
		CallID:   callID,
		Details:  details,
	})
	return nil
}

// Publish sends event to audience on every instance. Without a working relay, or if the
// relay publish fails, delivery is local only.
func (h *Hub) Publish(ctx context.Context, event protocol.Event, audience Audience) {
	if h.relay != nil && !h.relayDown.Load() {
		err := h.relay.Publish(ctx, Envelope{Event: event, Audience: audience})
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("type", event.Type).Msg("relay publish failed, delivering locally")
	}
	h.Broadcast(event, audience)
}

// Broadcast delivers event to every local client the audience matches and returns the number
// of clients it reached.
func (h *Hub) Broadcast(event protocol.Event, audience Audience) int {
	return h.BroadcastWhere(event, audience.Match)
}

func (h *Hub) BroadcastWhere(event protocol.Event, match func(*Client) bool) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if match(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.offer(event) {
			delivered++
			continue
		}
		h.dropped.Add(1)
		log.Warn().
			Str("clientId", c.ID).
			Str("type", event.Type).
			Str("callId", event.CallID).
			Msg("client event buffer full, dropping event")
	}
	return delivered
}

func (h *Hub) deliver(env Envelope) {
	h.Broadcast(env.Event, env.Audience)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Clients() []model.ObserverClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.ObserverClient, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.Info())
	}
	return out
}

func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) Close() {
	h.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		c.close()
	}
	h.clients = make(map[string]*Client)

	if h.relay != nil {
		if err := h.relay.Close(); err != nil {
			log.Debug().Err(err).Msg("hub relay close")
		}
	}
}
