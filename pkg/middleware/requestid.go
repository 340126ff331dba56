package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/calyptra/hubble/pkg/contextkeys"
)

// RequestIDHeader carries the request ID on responses and is honored
// on requests so upstream proxies can correlate.
const RequestIDHeader = "X-Request-ID"

// RequestID tags every request with an ID for logs and audit events
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := contextkeys.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
