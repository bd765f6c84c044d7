package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// RequestIDHeader is the header a caller may set to propagate its own
// request id, and the header the response echoes it back on.
const RequestIDHeader = "X-Request-Id"

// RequestIDMiddleware assigns each request a request id, honoring one the
// caller already set, echoes it on the response header, and makes it
// available via RequestIDFromContext to handlers and to the logging and
// recovery middleware, so relay server log lines can be correlated. The
// relay server's audit events are recorded with an empty request id.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request id stashed by RequestIDMiddleware,
// or "" if none is present.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
