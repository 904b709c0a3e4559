package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/leadline/call-broker/internal/audit"
	apperrors "github.com/leadline/call-broker/internal/errors"
	"github.com/leadline/call-broker/internal/util"
)

const (
	SignatureHeader                   = "X-Signature"
	RawBodyContextKey      contextKey = "rawBody"
	signatureFailureSource            = "status_callback"
)

func GetRawBody(ctx context.Context) []byte {
	body, _ := ctx.Value(RawBodyContextKey).([]byte)
	return body
}

// StatusSignatureMiddleware verifies the hex HMAC-SHA256 of the raw body sent by the telephony
// provider. With no secret configured every request passes.
type StatusSignatureMiddleware struct {
	secret string
}

func NewStatusSignatureMiddleware(secret string) *StatusSignatureMiddleware {
	if secret == "" {
		log.Warn().Msg("status callback signature verification disabled: STATUS_CALLBACK_SECRET is not configured")
	}
	return &StatusSignatureMiddleware{secret: secret}
}

func (m *StatusSignatureMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		signature := r.Header.Get(SignatureHeader)
		if signature == "" {
			m.reject(r, "missing signature")
			writeError(w, apperrors.Unauthorized("Missing signature"))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Error().Err(err).Msg("status signature middleware: failed to read body")
			writeError(w, apperrors.ValidationError("Failed to read request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		computed := util.HmacSHA256(m.secret, string(body))
		if !util.ConstantTimeEqual(computed, signature) {
			m.reject(r, "invalid signature")
			writeError(w, apperrors.InvalidSignature())
			return
		}

		ctx := context.WithValue(r.Context(), RawBodyContextKey, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *StatusSignatureMiddleware) reject(r *http.Request, reason string) {
	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventSignatureFailure,
		Details: map[string]interface{}{"reason": reason, "source": signatureFailureSource},
	})
}
