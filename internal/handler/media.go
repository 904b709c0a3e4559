package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/leadline/call-broker/internal/protocol"
	"github.com/leadline/call-broker/internal/service"
)

// MediaHandler accepts the telephony provider's audio stream, one websocket per call leg.
type MediaHandler struct {
	callService *service.CallService
	upgrader    websocket.Upgrader
}

func NewMediaHandler(callService *service.CallService) *MediaHandler {
	return &MediaHandler{
		callService: callService,
		upgrader:    newUpgrader(),
	}
}

// GET /media-stream
func (h *MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("media websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(mediaMaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(mediaHandshakeTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Teardown must outlive the request context, which is canceled as soon as the socket drops.
	ctx := context.WithoutCancel(r.Context())

	var callID string
	var frames int64
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if callID != "" {
				log.Info().
					Err(err).
					Str("callId", callID).
					Int64("frames", frames).
					Msg("media stream closed without stop")
				h.stop(ctx, callID)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		ev, err := protocol.DecodeMediaEvent(data)
		if err != nil {
			log.Debug().Err(err).Str("callId", callID).Msg("media frame dropped")
			continue
		}

		switch ev.Event {
		case protocol.MediaConnected:
			log.Debug().Msg("media stream connected")
		case protocol.MediaStart:
			if callID != "" {
				log.Debug().Str("callId", callID).Msg("repeated start on media stream ignored")
				continue
			}
			if _, err := h.callService.StartMedia(ctx, ev); err != nil {
				log.Warn().Err(err).Str("callId", ev.CallID).Msg("media start rejected")
				closeWith(conn, websocket.ClosePolicyViolation, "call already ended")
				return
			}
			callID = ev.CallID
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		case protocol.MediaPayload:
			if callID == "" {
				continue
			}
			frames++
			h.callService.ForwardAudio(callID, ev.Payload)
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		case protocol.MediaStop:
			if callID != "" {
				h.stop(ctx, callID)
			}
			log.Debug().Str("callId", callID).Int64("frames", frames).Msg("media stream stopped")
			closeWith(conn, websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (h *MediaHandler) stop(ctx context.Context, callID string) {
	if err := h.callService.StopMedia(ctx, callID); err != nil {
		log.Error().Err(err).Str("callId", callID).Msg("failed to stop call media")
	}
}
