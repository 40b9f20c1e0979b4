package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UserIDHeader carries the authenticated user id set by the upstream proxy
const UserIDHeader = "X-User-ID"

// MaxBodySize caps request bodies
const MaxBodySize = 64 << 10

type contextKey string

const userIDKey contextKey = "user_id"

// UserMiddleware stores the upstream-provided user id in the request context
func UserMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
			r = r.WithContext(WithUserID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// WithUserID returns a context carrying userID
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user id, or "" for anonymous requests
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// SecurityHeadersMiddleware sets the headers every API response carries
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// LimitBodyMiddleware caps the request body at MaxBodySize
func LimitBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket. Idle visitors are forgotten after
// the cleanup interval.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	cleanup  time.Duration
	lastGC   time.Time
	now      func() time.Time
}

// NewRateLimiter allows perMinute requests per key with the same burst
func NewRateLimiter(perMinute int, cleanup time.Duration) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
		cleanup:  cleanup,
		now:      time.Now,
	}
}

// Allow reports whether key may make another request now
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastGC) > rl.cleanup {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.cleanup {
				delete(rl.visitors, k)
			}
		}
		rl.lastGC = now
	}

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// RetryAfter is the whole number of seconds until one token refills
func (rl *RateLimiter) RetryAfter() int {
	if rl.limit <= 0 {
		return 60
	}
	secs := int(1/float64(rl.limit) + 0.999)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RateLimitConfig selects a limiter per request class
type RateLimitConfig struct {
	WriteLimiter  *RateLimiter
	APILimiter    *RateLimiter
	GlobalLimiter *RateLimiter
}

// NewRateLimitConfig builds limiters from per-minute budgets
func NewRateLimitConfig(writesPerMinute, readsPerMinute, globalPerMinute int) *RateLimitConfig {
	return &RateLimitConfig{
		WriteLimiter:  NewRateLimiter(writesPerMinute, 10*time.Minute),
		APILimiter:    NewRateLimiter(readsPerMinute, 10*time.Minute),
		GlobalLimiter: NewRateLimiter(globalPerMinute, 10*time.Minute),
	}
}

// NewDefaultRateLimitConfig returns the default budgets
func NewDefaultRateLimitConfig() *RateLimitConfig {
	return NewRateLimitConfig(30, 300, 600)
}

// RateLimitMiddleware throttles by user id, falling back to the client IP.
// API writes, API reads and everything else have separate budgets.
func RateLimitMiddleware(config *RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(UserIDHeader))
			if key == "" {
				key = GetClientIP(r)
			}

			limiter := config.GlobalLimiter
			if strings.HasPrefix(r.URL.Path, "/api/") {
				limiter = config.APILimiter
				if r.Method != http.MethodGet && r.Method != http.MethodHead {
					limiter = config.WriteLimiter
				}
			}

			if limiter != nil && !limiter.Allow(key) {
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
