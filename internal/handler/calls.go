package handler

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/leadline/call-broker/internal/errors"
	"github.com/leadline/call-broker/internal/model"
	"github.com/leadline/call-broker/internal/protocol"
	"github.com/leadline/call-broker/internal/service"
)

type CallsHandler struct {
	callService      *service.CallService
	statusMiddleware []func(http.Handler) http.Handler
}

// NewCallsHandler builds the /calls API. statusMiddleware wraps only the provider status
// callback, which is where the signature check belongs.
func NewCallsHandler(callService *service.CallService, statusMiddleware ...func(http.Handler) http.Handler) *CallsHandler {
	return &CallsHandler{
		callService:      callService,
		statusMiddleware: statusMiddleware,
	}
}

func (h *CallsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(h.statusMiddleware...).Post("/status", h.Status)
	r.Post("/pending", h.RegisterPending)
	r.Get("/", h.List)
	r.Get("/{callId}", h.Get)
	r.Post("/{callId}/decline", h.Decline)
	r.Get("/{callId}/transcript", h.Transcript)

	return r
}

type statusRequest struct {
	CallSid       string `json:"CallSid"`
	CallID        string `json:"callId"`
	CallStatus    string `json:"CallStatus"`
	Status        string `json:"status"`
	CallDuration  any    `json:"CallDuration"`
	Duration      any    `json:"duration"`
	ParentCallSid string `json:"ParentCallSid"`
	ParentCallID  string `json:"parentCallId"`
}

// POST /calls/status
// Provider status callback. Accepts the provider's form encoding or JSON with either naming.
func (h *CallsHandler) Status(w http.ResponseWriter, r *http.Request) {
	update, err := parseStatusUpdate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.callService.HandleStatus(r.Context(), update); err != nil {
		log.Warn().Err(err).Str("callId", update.CallID).Str("status", update.Status).Msg("status callback rejected")
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func parseStatusUpdate(r *http.Request) (service.StatusUpdate, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req statusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return service.StatusUpdate{}, apperrors.ValidationError("Invalid JSON body")
		}
		return service.StatusUpdate{
			CallID:       firstNonEmpty(req.CallSid, req.CallID),
			ParentCallID: firstNonEmpty(req.ParentCallSid, req.ParentCallID),
			Status:       firstNonEmpty(req.CallStatus, req.Status),
			Duration:     parseDuration(firstPresent(req.CallDuration, req.Duration)),
		}, nil
	}

	if err := r.ParseForm(); err != nil {
		return service.StatusUpdate{}, apperrors.ValidationError("Invalid form body")
	}
	return service.StatusUpdate{
		CallID:       firstNonEmpty(r.PostForm.Get("CallSid"), r.PostForm.Get("callId")),
		ParentCallID: firstNonEmpty(r.PostForm.Get("ParentCallSid"), r.PostForm.Get("parentCallId")),
		Status:       firstNonEmpty(r.PostForm.Get("CallStatus"), r.PostForm.Get("status")),
		Duration:     parseDuration(firstNonEmpty(r.PostForm.Get("CallDuration"), r.PostForm.Get("duration"))),
	}, nil
}

// POST /calls/pending
// HTTP form of register_call for click-to-dial clients without an observer socket.
func (h *CallsHandler) RegisterPending(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
		UserID   string `json:"userId"`
		protocol.RegisterCall
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.Identity) == "" {
		writeError(w, apperrors.MissingRequired("identity"))
		return
	}

	key, err := h.callService.RegisterPending(req.Identity, req.UserID, req.RegisterCall)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"key": key})
}

// GET /calls
func (h *CallsHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions := h.callService.ActiveCalls()
	calls := make([]protocol.CallSummary, 0, len(sessions))
	for _, s := range sessions {
		calls = append(calls, protocol.Summarize(s))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"calls": calls,
		"total": len(calls),
	})
}

// GET /calls/{callId}
func (h *CallsHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.callService.Call(r.Context(), chi.URLParam(r, "callId"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"call":            session,
		"durationSeconds": session.DurationSeconds(),
	})
}

// POST /calls/{callId}/decline
func (h *CallsHandler) Decline(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callId")

	var req struct {
		Identity string `json:"identity"`
		UserID   string `json:"userId"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.ValidationError("Invalid JSON body"))
			return
		}
	}

	by := model.ObserverClient{
		Role:     model.ObserverRoleRep,
		Identity: req.Identity,
		UserID:   req.UserID,
	}
	if err := h.callService.Decline(r.Context(), callID, by); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"callId": callID, "declined": true})
}

// GET /calls/{callId}/transcript
func (h *CallsHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callId")

	entries, err := h.callService.Transcript(r.Context(), callID)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.TranscriptEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"callId":     callID,
		"transcript": entries,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstPresent(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// parseDuration accepts the provider's seconds as a string or a JSON number. Bad values are 0;
// the duration is informational only.
func parseDuration(v any) int {
	switch d := v.(type) {
	case float64:
		return int(d)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(d))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
