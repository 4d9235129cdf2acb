package httpapi

import (
	"context"
	"expvar"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	requestsTotal  = expvar.NewInt("requests_total")
	requestsErrors = expvar.NewInt("requests_errors_total")
	// deniedTotal counts 401 and 403 responses.
	deniedTotal = expvar.NewInt("requests_denied_total")
)

const requestIDHeader = "X-Request-ID"

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// requestInfo is filled in by handlers and read back by the middleware
// once the response is written.
type requestInfo struct {
	id string

	mu      sync.Mutex
	subject string
}

type requestInfoKey struct{}

// noteSubject records the authenticated caller for the access log.
func noteSubject(ctx context.Context, subject string) {
	info, ok := ctx.Value(requestInfoKey{}).(*requestInfo)
	if !ok {
		return
	}
	info.mu.Lock()
	info.subject = subject
	info.mu.Unlock()
}

// RequestID returns the id LoggingMiddleware assigned to the request.
func RequestID(ctx context.Context) string {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return info.id
	}
	return ""
}

// LoggingMiddleware writes one access log line per request. A caller
// supplied X-Request-ID is kept, otherwise one is generated, and it is
// echoed on the response.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		info := &requestInfo{id: strings.TrimSpace(r.Header.Get(requestIDHeader))}
		if info.id == "" || len(info.id) > 128 {
			info.id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, info.id)
		r = r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info))

		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)

		requestsTotal.Add(1)
		if writer.status >= http.StatusBadRequest {
			requestsErrors.Add(1)
		}
		if writer.status == http.StatusUnauthorized || writer.status == http.StatusForbidden {
			deniedTotal.Add(1)
		}

		info.mu.Lock()
		subject := info.subject
		info.mu.Unlock()
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", info.id,
		}
		if subject != "" {
			attrs = append(attrs, "subject", subject)
		}
		level := slog.LevelInfo
		if writer.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "request", attrs...)
	})
}
