package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	ctxutil "bmarc/ms_facturacion_sri/internal/infrastructure/context"
)

// responseWriter captures the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger stores a correlation id on the request context and logs
// one line per request: Info for 2xx/3xx, Warn for 4xx and Error for 5xx.
// The id is taken from the X-Correlation-ID header, then chi's request id,
// and generated when neither is present. It is echoed on the response.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			correlationID := correlationIDFor(r)
			ctx := ctxutil.WithCorrelationID(r.Context(), correlationID)
			w.Header().Set(ctxutil.CorrelationHeader, correlationID)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rw, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"status", rw.statusCode,
				"duration_ms", float64(time.Since(start).Nanoseconds()) / 1e6,
				"bytes", rw.bytesWritten,
			}
			if requestID := chimw.GetReqID(r.Context()); requestID != "" {
				attrs = append(attrs, "request_id", requestID)
			}
			if userAgent := r.Header.Get("User-Agent"); userAgent != "" {
				attrs = append(attrs, "user_agent", userAgent)
			}

			switch {
			case rw.statusCode >= 500:
				log.ErrorContext(ctx, "HTTP request", attrs...)
			case rw.statusCode >= 400:
				log.WarnContext(ctx, "HTTP request", attrs...)
			default:
				log.InfoContext(ctx, "HTTP request", attrs...)
			}
		})
	}
}

func correlationIDFor(r *http.Request) string {
	if id := r.Header.Get(ctxutil.CorrelationHeader); id != "" && len(id) <= 128 {
		return id
	}
	if id := chimw.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}
