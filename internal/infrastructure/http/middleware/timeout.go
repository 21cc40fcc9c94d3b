package middleware

import (
	"context"
	"net/http"
	"time"
)

// ExtendedTimeout gives a route more time than the server-wide write
// timeout. The request context gets deadline d and the connection's write
// deadline is pushed out to match when the writer supports it.
func ExtendedTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			// recorders and some wrappers return http.ErrNotSupported
			_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(d))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
