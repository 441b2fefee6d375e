package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/journalkit/journalkit/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestID assigns each request an id (honouring an inbound X-Request-ID),
// stores it in the context for logging, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logger.WithRequestID(r.Context(), requestID)
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
