package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/leadline/call-broker/internal/audit"
	apperrors "github.com/leadline/call-broker/internal/errors"
	"github.com/leadline/call-broker/internal/hub"
	"github.com/leadline/call-broker/internal/model"
	"github.com/leadline/call-broker/internal/protocol"
	"github.com/leadline/call-broker/internal/service"
)

// ObserverHandler serves the rep and supervisor websocket channels.
type ObserverHandler struct {
	hub          *hub.Hub
	callService  *service.CallService
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

func NewObserverHandler(h *hub.Hub, callService *service.CallService) *ObserverHandler {
	return &ObserverHandler{
		hub:          h,
		callService:  callService,
		upgrader:     newUpgrader(),
		pingInterval: hub.HeartbeatInterval,
	}
}

// GET /ws/rep
func (h *ObserverHandler) Rep(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, model.ObserverRoleRep)
}

// GET /ws/supervisor
func (h *ObserverHandler) Supervisor(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, model.ObserverRoleSupervisor)
}

func (h *ObserverHandler) serve(w http.ResponseWriter, r *http.Request, role model.ObserverRole) {
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		writeError(w, apperrors.MissingRequired("identity"))
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))

	// Admission happens before the upgrade so a full hub answers with a plain 503.
	client, err := h.hub.Connect(role, identity, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.Disconnect(client.ID)
		log.Warn().Err(err).Str("identity", identity).Msg("observer websocket upgrade failed")
		return
	}
	defer conn.Close()

	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventObserverConnect,
		Role:     string(role),
		Identity: identity,
		UserID:   userID,
		Details:  map[string]interface{}{"clientId": client.ID},
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, client)
	}()

	h.readPump(r.Context(), conn, client)

	h.hub.Disconnect(client.ID)
	<-writerDone

	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventObserverDisconnect,
		Role:     string(role),
		Identity: identity,
		UserID:   userID,
		Details:  map[string]interface{}{"clientId": client.ID},
	})
}

func (h *ObserverHandler) readPump(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	conn.SetReadLimit(observerMaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("clientId", client.ID).Msg("observer read ended")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			log.Debug().Err(err).Str("clientId", client.ID).Msg("observer message dropped")
			continue
		}

		if err := h.callService.HandleObserverMessage(ctx, client, msg); err != nil {
			log.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("role", string(client.Role)).
				Msg("observer message rejected")
		}
	}
}

// writePump is the only writer on conn. It exits when the hub drops the client or a write fails;
// closing conn on the way out also unblocks the reader.
func (h *ObserverHandler) writePump(conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-client.Done:
			closeWith(conn, websocket.CloseNormalClosure, "")
			return
		case event := <-client.Events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, event.Data); err != nil {
				log.Debug().Err(err).Str("clientId", client.ID).Msg("observer write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
