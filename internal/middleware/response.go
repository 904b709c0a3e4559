package middleware

import (
	"net/http"

	"github.com/leadline/call-broker/internal/httputil"
)

type contextKey string

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}
