package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "murmur_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Comment pipeline metrics
var (
	CommentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_comments_total",
		Help: "Total number of comment operations",
	}, []string{"operation"})

	LikesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_likes_total",
		Help: "Total number of like operations",
	}, []string{"operation"})

	ReportsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_reports_total",
		Help: "Total number of user reports submitted",
	})

	PipelineFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_pipeline_failures_total",
		Help: "Comment pipeline stages that failed and left the comment pending",
	}, []string{"stage"})
)

// Moderation metrics
var (
	VerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_verdicts_total",
		Help: "Rule engine verdicts by action and source",
	}, []string{"action", "source"})

	RuleFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_rule_fires_total",
		Help: "Number of times each rule produced the verdict",
	}, []string{"rule"})

	ConditionTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_condition_timeouts_total",
		Help: "Conditions that exceeded their evaluation budget",
	})

	RuleEvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "murmur_rule_evaluation_duration_seconds",
		Help:    "Time spent evaluating the rule set for one comment",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5},
	})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_transitions_total",
		Help: "Moderation state transitions",
	}, []string{"from", "to", "kind"})

	TransitionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_transition_conflicts_total",
		Help: "Optimistic version conflicts by resolution",
	}, []string{"resolution"})
)

// Event bus metrics
var (
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_events_published_total",
		Help: "Events published on the bus",
	}, []string{"type"})

	HandlerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_event_handler_failures_total",
		Help: "Event handlers that returned an error or panicked",
	}, []string{"type"})
)

// Realtime metrics
var (
	RealtimeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "murmur_realtime_sessions",
		Help: "Gateway sessions by state",
	}, []string{"state"})

	RealtimeMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_realtime_messages_total",
		Help: "Messages fanned out to sessions",
	}, []string{"type"})

	RealtimeDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_realtime_dropped_total",
		Help: "Messages dropped because a session backlog overflowed",
	})

	TypingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_typing_active",
		Help: "Active typing indicators",
	})

	ClientConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_client_connection_state",
		Help: "Realtime client connection state (1=connected, 0=disconnected)",
	})
)

// Notification metrics
var (
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_notifications_total",
		Help: "Notifications routed by type",
	}, []string{"type"})

	DeliveryFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_delivery_failures_total",
		Help: "Notification deliveries that failed by channel",
	}, []string{"channel"})

	NotificationQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_notification_queue_dropped_total",
		Help: "Notifications dropped because the delivery queue was full",
	})
)

// Gauges updated periodically by the collector
var (
	StoredCommentsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_stored_comments_total",
		Help: "Total number of stored comments",
	})

	ModerationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_moderation_queue_depth",
		Help: "Number of comments waiting in the pending state",
	})

	LoadedRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_loaded_rules",
		Help: "Number of compiled moderation rules",
	})
)

// NormalizePath reduces high-cardinality path labels by replacing dynamic
// segments with placeholders. This keeps the metric label space bounded.
func NormalizePath(path string) string {
	segments := splitPath(path)
	if len(segments) < 3 || segments[0] != "api" {
		return path
	}

	switch segments[1] {
	case "posts":
		// /api/posts/{post}/comments, /api/posts/{post}/stats
		if len(segments) == 4 {
			return "/api/posts/:post/" + segments[3]
		}
	case "comments":
		if len(segments) == 3 {
			return "/api/comments/:id"
		}
		if len(segments) == 4 {
			return "/api/comments/:id/" + segments[3]
		}
	}

	return path
}

func splitPath(path string) []string {
	// Skip leading slash
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	// Split on /
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}
