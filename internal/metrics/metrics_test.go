package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		// Exact routes (no normalization needed)
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/metrics", "/metrics"},
		{"/ws", "/ws"},
		{"/api/notifications", "/api/notifications"},
		{"/api/moderation/queue", "/api/moderation/queue"},

		// Post routes
		{"/api/posts/p-123/comments", "/api/posts/:post/comments"},
		{"/api/posts/p-123/stats", "/api/posts/:post/stats"},
		{"/api/posts/p-123/typing", "/api/posts/:post/typing"},

		// Comment routes
		{"/api/comments/abc123", "/api/comments/:id"},
		{"/api/comments/abc123/like", "/api/comments/:id/like"},
		{"/api/comments/abc123/replies", "/api/comments/:id/replies"},
		{"/api/comments/abc123/history", "/api/comments/:id/history"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePath(tt.input))
		})
	}
}

func TestCollect(t *testing.T) {
	collect(StatsSource{
		CommentCount: func() int { return 42 },
		PendingCount: func() int { return -1 },
		RuleCount:    func() int { return 3 },
		SessionsByState: func() map[string]int {
			return map[string]int{"connected": 2}
		},
	})

	assert.Equal(t, float64(42), testutil.ToFloat64(StoredCommentsTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(LoadedRules))
	assert.Equal(t, float64(2), testutil.ToFloat64(RealtimeSessions.WithLabelValues("connected")))
}
