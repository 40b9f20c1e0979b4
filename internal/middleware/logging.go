package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tangled.org/arabica.social/murmur/internal/metrics"
)

// quietPaths are polled by load balancers and scrapers; successful hits log
// at debug so they don't drown out API traffic.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// GetClientIP returns the originating client address. The first
// X-Forwarded-For hop wins, then X-Real-IP, then RemoteAddr without its port.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func levelFor(status int, path string) zerolog.Level {
	switch {
	case status >= 500:
		return zerolog.ErrorLevel
	case status >= 400:
		return zerolog.WarnLevel
	case quietPaths[path]:
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// LoggingMiddleware logs one structured line per request and records the
// HTTP request metrics. Upgraded websocket connections are logged when the
// handler returns, i.e. when the session ends.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			route := metrics.NormalizePath(r.URL.Path)

			ev := logger.WithLevel(levelFor(rw.statusCode, r.URL.Path)).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", route).
				Int("status", rw.statusCode).
				Dur("duration", duration).
				Str("client_ip", GetClientIP(r)).
				Int64("bytes_written", rw.bytesWritten)

			if r.URL.RawQuery != "" {
				ev.Str("query", r.URL.RawQuery)
			}
			if ua := r.UserAgent(); ua != "" {
				ev.Str("user_agent", ua)
			}
			if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
				ev.Str("request_id", reqID)
			}
			if userID := r.Header.Get(UserIDHeader); userID != "" {
				ev.Str("user_id", userID)
			}
			if rw.hijacked {
				ev.Bool("upgraded", true)
			}
			ev.Msgf("HTTP request: %s %s %d", r.Method, r.URL.Path, rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
		})
	}
}

// responseWriter records the status and body size written by a handler
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
	hijacked     bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.WriteHeader(http.StatusOK)
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Hijack lets websocket upgrades pass through the wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("middleware: response writer does not support hijacking")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		rw.hijacked = true
		rw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
