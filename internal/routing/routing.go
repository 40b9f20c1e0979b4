package routing

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tangled.org/arabica.social/murmur/internal/handlers"
	"tangled.org/arabica.social/murmur/internal/middleware"
	"tangled.org/arabica.social/murmur/internal/tracing"
)

// Config holds the configuration needed for setting up routes
type Config struct {
	Handlers *handlers.Handler
	// Realtime serves websocket upgrades on /ws. Nil disables the endpoint.
	Realtime http.Handler
	// RateLimit defaults to middleware.NewDefaultRateLimitConfig
	RateLimit *middleware.RateLimitConfig
	Logger    zerolog.Logger
}

// SetupRouter creates and configures the HTTP router with all routes and middleware
func SetupRouter(cfg Config) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	// Threads
	mux.HandleFunc("POST /api/posts/{post}/comments", h.HandleCreateComment)
	mux.HandleFunc("GET /api/posts/{post}/comments", h.HandleGetThread)
	mux.HandleFunc("GET /api/posts/{post}/stats", h.HandleStats)
	mux.HandleFunc("GET /api/posts/{post}/typing", h.HandleTyping)

	// Comments
	mux.HandleFunc("GET /api/comments/{id}", h.HandleGetComment)
	mux.HandleFunc("GET /api/comments/{id}/replies", h.HandleGetReplies)
	mux.HandleFunc("PUT /api/comments/{id}", h.HandleUpdateComment)
	mux.HandleFunc("DELETE /api/comments/{id}", h.HandleDeleteComment)
	mux.HandleFunc("POST /api/comments/{id}/like", h.HandleLike)
	mux.HandleFunc("DELETE /api/comments/{id}/like", h.HandleUnlike)
	mux.HandleFunc("POST /api/comments/{id}/report", h.HandleReport)

	// Moderation
	mux.HandleFunc("POST /api/comments/{id}/moderate", h.HandleModerate)
	mux.HandleFunc("GET /api/comments/{id}/history", h.HandleHistory)
	mux.HandleFunc("GET /api/moderation/queue", h.HandleQueue)

	// Notifications
	mux.HandleFunc("GET /api/notifications", h.HandleNotifications)
	mux.HandleFunc("POST /api/notifications/read", h.HandleNotificationsMarkRead)

	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Apply middleware in order (outermost first, innermost last)
	var handler http.Handler = mux

	// 1. Limit request body size (innermost - runs first on request)
	handler = middleware.LimitBodyMiddleware(handler)

	// 2. Compress responses
	handler = gzhttp.GzipHandler(handler)

	// 3. Traces
	handler = otelhttp.NewHandler(handler, tracing.ServiceName)

	// Websocket upgrades skip compression and tracing; a hijacked
	// connection outlives both.
	if cfg.Realtime != nil {
		outer := http.NewServeMux()
		outer.Handle("GET /ws", cfg.Realtime)
		outer.Handle("/", handler)
		handler = outer
	}

	// 4. Apply rate limiting
	rateLimitConfig := cfg.RateLimit
	if rateLimitConfig == nil {
		rateLimitConfig = middleware.NewDefaultRateLimitConfig()
	}
	handler = middleware.RateLimitMiddleware(rateLimitConfig)(handler)

	// 5. Read the upstream identity
	handler = middleware.UserMiddleware(handler)

	// 6. Apply security headers
	handler = middleware.SecurityHeadersMiddleware(handler)

	// 7. Apply logging middleware (outermost - wraps everything)
	handler = middleware.LoggingMiddleware(cfg.Logger)(handler)

	return handler
}
