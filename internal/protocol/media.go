package protocol

import (
	"encoding/json"

	apperrors "github.com/leadline/call-broker/internal/errors"
)

// Media channel event kinds, in the order a provider sends them.
const (
	MediaConnected = "connected"
	MediaStart     = "start"
	MediaPayload   = "media"
	MediaStop      = "stop"
)

// MediaEvent is one frame on the telephony media channel. Payload is opaque audio; JSON carries
// it base64-encoded and it is forwarded to transcription byte-for-byte after decoding.
type MediaEvent struct {
	Event      string            `json:"event"`
	StreamID   string            `json:"streamId,omitempty"`
	CallID     string            `json:"callId,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Payload    []byte            `json:"payload,omitempty"`
	Sequence   int64             `json:"sequence,omitempty"`
}

// Well-known start parameters used to find the pending registration for a stream.
const (
	ParamCorrelationToken = "callToken"
	ParamDestination      = "to"
	ParamRepIdentity      = "repIdentity"
)

func DecodeMediaEvent(data []byte) (MediaEvent, error) {
	var ev MediaEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return MediaEvent{}, apperrors.MalformedMessage("invalid media frame").WithCause(err)
	}
	switch ev.Event {
	case MediaConnected, MediaPayload, MediaStop:
		return ev, nil
	case MediaStart:
		if ev.CallID == "" {
			return MediaEvent{}, apperrors.MalformedMessage("start without callId")
		}
		return ev, nil
	default:
		return MediaEvent{}, apperrors.MalformedMessage("unknown media event " + ev.Event)
	}
}
