package logging

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Routes polled by orchestrators and scrapers. Their successes log at debug.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// HTTPMiddleware logs each request once it completes. Relay stream
// upgrades log when the socket closes, with the contexts the client asked for.
func HTTPMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			stream := isUpgrade(r)

			fields := log.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Str("request_id", middlewareRequestID(r))
			if stream {
				fields = fields.Bool("stream", true).Str("contexts", r.URL.Query().Get("contexts"))
			} else {
				fields = fields.Str("user_agent", r.UserAgent())
			}
			logger := withTrace(r.Context(), fields).Logger()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			if stream {
				logger.Debug().Msg("Stream connecting")
			}
			next.ServeHTTP(ww, r.WithContext(WithContext(r.Context(), logger)))

			event := completionEvent(&logger, r.URL.Path, ww.statusCode, ww.hijacked)
			if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil && routeCtx.RoutePattern() != "" {
				event = event.Str("route", routeCtx.RoutePattern())
			}
			event = event.Dur("duration", time.Since(start))
			if ww.hijacked {
				event.Msg("Stream closed")
				return
			}
			event.
				Int("status", ww.statusCode).
				Int64("response_size", ww.responseSize).
				Msg("Request completed")
		})
	}
}

func completionEvent(logger *zerolog.Logger, path string, status int, hijacked bool) *zerolog.Event {
	switch {
	case hijacked:
		return logger.Info()
	case status >= 500:
		return logger.Error()
	case status >= 400:
		return logger.Warn()
	case quietPaths[path]:
		return logger.Debug()
	default:
		return logger.Info()
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// middlewareRequestID prefers chi's request id, then the inbound header
func middlewareRequestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// responseWriter records the status, size and whether the relay took the socket
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	hijacked     bool
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.responseSize += int64(size)
	return size, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the relay's websocket upgrader
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, buf, err := hj.Hijack()
	if err == nil {
		rw.hijacked = true
	}
	return conn, buf, err
}
