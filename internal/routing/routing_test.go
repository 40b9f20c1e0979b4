package routing

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.org/arabica.social/murmur/internal/handlers"
	"tangled.org/arabica.social/murmur/internal/middleware"
)

func newRouter(t *testing.T, limits *middleware.RateLimitConfig) (http.Handler, *string) {
	t.Helper()
	var wsUser string
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsUser = middleware.UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	h := handlers.NewHandler(nil, nil, nil, handlers.Config{})
	return SetupRouter(Config{Handlers: h, Realtime: ws, RateLimit: limits, Logger: zerolog.Nop()}), &wsUser
}

func TestSetupRouter_Health(t *testing.T) {
	router, _ := newRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestSetupRouter_Metrics(t *testing.T) {
	router, _ := newRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSetupRouter_Gzip(t *testing.T) {
	router, _ := newRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

func TestSetupRouter_WebsocketBypassesCompression(t *testing.T) {
	router, wsUser := newRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set(middleware.UserIDHeader, "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "alice", *wsUser)
}

func TestSetupRouter_RequiresUserForNotifications(t *testing.T) {
	router, _ := newRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/notifications", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	req.Header.Set(middleware.UserIDHeader, "alice")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetupRouter_RateLimited(t *testing.T) {
	router, _ := newRouter(t, middleware.NewRateLimitConfig(1, 1, 1))

	send := func() int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
}

func TestSetupRouter_UnknownRoute(t *testing.T) {
	router, _ := newRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
