package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current counts for gauge metrics.
// Each function returns the current count; returning -1 indicates the source is unavailable.
type StatsSource struct {
	CommentCount    func() int
	PendingCount    func() int
	RuleCount       func() int
	SessionsByState func() map[string]int
	TypingCount     func() int
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	// Do an initial collection immediately
	collect(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("metrics: collector started")
}

func collect(src StatsSource) {
	setIfAvailable := func(g interface{ Set(float64) }, fn func() int) {
		if fn == nil {
			return
		}
		if n := fn(); n >= 0 {
			g.Set(float64(n))
		}
	}

	setIfAvailable(StoredCommentsTotal, src.CommentCount)
	setIfAvailable(ModerationQueueDepth, src.PendingCount)
	setIfAvailable(LoadedRules, src.RuleCount)
	setIfAvailable(TypingActive, src.TypingCount)

	if src.SessionsByState != nil {
		for state, count := range src.SessionsByState() {
			RealtimeSessions.WithLabelValues(state).Set(float64(count))
		}
	}
}
